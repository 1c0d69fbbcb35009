package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Template is a read-only blueprint for new sessions, stored as
// agent/templates/<name>.yaml.
type Template struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   TemplateMetadata `yaml:"metadata"`
	Spec       TemplateSpec     `yaml:"spec"`
}

// TemplateMetadata names and describes a template.
type TemplateMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// TemplateSpec carries the session defaults.
type TemplateSpec struct {
	Model        string            `yaml:"model"`
	Tools        []ToolRef         `yaml:"tools,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty"`
	SystemPrompt string            `yaml:"systemPrompt,omitempty"`
}

// TemplateDir returns the template directory under an installation root.
func TemplateDir(root string) string {
	return filepath.Join(root, "agent", "templates")
}

// LoadTemplate reads one template by name.
func LoadTemplate(root, name string) (*Template, error) {
	path := filepath.Join(TemplateDir(root), name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template %q: %w", name, err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing template %q: %w", name, err)
	}
	if t.Kind != KindAgent {
		return nil, fmt.Errorf("template %q: unexpected kind %q", name, t.Kind)
	}
	return &t, nil
}

// ListTemplates returns the template names available under root, sorted.
func ListTemplates(root string) ([]string, error) {
	entries, err := os.ReadDir(TemplateDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// DefaultTemplate returns the built-in blueprint used when no named
// template is requested: the given model, an empty tool list, and no
// system prompt.
func DefaultTemplate(model string) *Template {
	return &Template{
		APIVersion: APIVersion,
		Kind:       KindAgent,
		Metadata:   TemplateMetadata{Name: "default"},
		Spec:       TemplateSpec{Model: model},
	}
}

// Instantiate builds a fresh PENDING session from the template. The
// system prompt is copied verbatim; its markers are rendered later in
// the child environment.
func (t *Template) Instantiate(id int, name string) *Session {
	tools := make([]ToolRef, len(t.Spec.Tools))
	copy(tools, t.Spec.Tools)
	labels := make(map[string]string, len(t.Spec.Labels))
	for k, v := range t.Spec.Labels {
		labels[k] = v
	}
	return &Session{
		APIVersion: APIVersion,
		Kind:       KindAgent,
		Metadata: Metadata{
			ID:      id,
			Name:    name,
			Created: time.Now().UTC(),
			Labels:  labels,
		},
		Spec: Spec{
			Status:       StatusPending,
			Tools:        tools,
			Model:        t.Spec.Model,
			SystemPrompt: t.Spec.SystemPrompt,
		},
	}
}
