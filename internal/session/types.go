// Package session defines the session record, its status machine, and
// the Manager that mediates all session mutations through the store.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capstan-dev/capstan/internal/chat"
)

// APIVersion is the envelope version written on every record.
const APIVersion = "daemon/v1"

// Record kinds.
const (
	KindAgent = "Agent"
	KindGroup = "Group"
)

// Session statuses.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
	StatusStopped = "STOPPED"
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Session is one agent session record, stored as db/sessions/<id>.yml.
type Session struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata identifies a session.
type Metadata struct {
	ID          int               `yaml:"id"`
	Name        string            `yaml:"name"`
	ContainerID string            `yaml:"containerId,omitempty"`
	Created     time.Time         `yaml:"created"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Extra       map[string]any    `yaml:",inline"`
}

// Spec holds the mutable body of a session.
type Spec struct {
	Status                string         `yaml:"status"`
	LastTransition        *Transition    `yaml:"lastTransition,omitempty"`
	Tools                 []ToolRef      `yaml:"tools,omitempty"`
	Model                 string         `yaml:"model"`
	SystemPrompt          string         `yaml:"systemPrompt,omitempty"`
	SystemPromptEvaluated bool           `yaml:"systemPromptEvaluated,omitempty"`
	Messages              []chat.Message `yaml:"messages,omitempty"`
	Usage                 *chat.Usage    `yaml:"usage,omitempty"`
	DeletedAt             *time.Time     `yaml:"deletedAt,omitempty"`
	Extra                 map[string]any `yaml:",inline"`
}

// Transition records the most recent status change.
type Transition struct {
	Action    string    `yaml:"action"`
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	Timestamp time.Time `yaml:"timestamp"`
}

// ToolRef is one allowlist entry: a tool name with optional per-session
// options. It unmarshals from either a bare string or a {name, options}
// mapping.
type ToolRef struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options,omitempty"`
}

// UnmarshalYAML accepts `- shell__execute` and
// `- {name: shell__execute, options: {exec_on: host_danger}}`.
func (r *ToolRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Name = node.Value
		r.Options = nil
		return nil
	}
	type plain ToolRef
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("parsing tool entry: %w", err)
	}
	*r = ToolRef(p)
	return nil
}

// MarshalYAML writes a bare string when there are no options.
func (r ToolRef) MarshalYAML() (any, error) {
	if len(r.Options) == 0 {
		return r.Name, nil
	}
	type plain ToolRef
	return plain(r), nil
}

// ID returns the session's id as the store key.
func (s *Session) ID() string { return strconv.Itoa(s.Metadata.ID) }

// Deleted reports whether the session is soft-deleted.
func (s *Session) Deleted() bool { return s.Spec.DeletedAt != nil }

// ToolNames returns the allowlist names in declaration order.
func (s *Session) ToolNames() []string {
	names := make([]string, len(s.Spec.Tools))
	for i, t := range s.Spec.Tools {
		names[i] = t.Name
	}
	return names
}

// ToolOptions returns the option map for a tool on the allowlist, or nil.
func (s *Session) ToolOptions(name string) map[string]any {
	for _, t := range s.Spec.Tools {
		if t.Name == name {
			return t.Options
		}
	}
	return nil
}

// AppendMessage appends to the session's message log.
func (s *Session) AppendMessage(msg chat.Message) {
	s.Spec.Messages = append(s.Spec.Messages, msg)
}

// LastMessage returns the final log entry, or nil for an empty log.
func (s *Session) LastMessage() *chat.Message {
	if len(s.Spec.Messages) == 0 {
		return nil
	}
	return &s.Spec.Messages[len(s.Spec.Messages)-1]
}

// SortSessions orders sessions by numeric id ascending.
func SortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Metadata.ID < sessions[j].Metadata.ID
	})
}

// ContainerID derives the child identifier for a session started now.
func ContainerID(id int) string {
	return fmt.Sprintf("%d_%d", id, time.Now().Unix())
}

// ParseModel splits a "<provider>:<model>" identifier at the first colon.
// The model part may itself contain colons.
func ParseModel(identifier string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(identifier, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model identifier %q: want <provider>:<model>", identifier)
	}
	return provider, model, nil
}

// Group is a named exclusive set of session ids, stored as
// db/groups/<name>.yml.
type Group struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	Metadata   GroupMetadata `yaml:"metadata"`
	Spec       GroupSpec     `yaml:"spec"`
}

// GroupMetadata names a group.
type GroupMetadata struct {
	Name    string    `yaml:"name"`
	Created time.Time `yaml:"created"`
}

// GroupSpec lists the member session ids.
type GroupSpec struct {
	Sessions []int `yaml:"sessions"`
}

// Contains reports membership of a session id.
func (g *Group) Contains(id int) bool {
	for _, s := range g.Spec.Sessions {
		if s == id {
			return true
		}
	}
	return false
}

// Remove drops a session id if present.
func (g *Group) Remove(id int) {
	for i, s := range g.Spec.Sessions {
		if s == id {
			g.Spec.Sessions = append(g.Spec.Sessions[:i], g.Spec.Sessions[i+1:]...)
			return
		}
	}
}
