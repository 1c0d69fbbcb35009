package tool

import (
	"context"
	"fmt"
	"sync"
)

// Meta carries the routing flags of a tool.
type Meta struct {
	// RequiresHostExecution forces the call onto the host process
	// (credentials, signals, container control).
	RequiresHostExecution bool

	// HumanOnly tools are never offered to the LLM; they are usable
	// only from the CLI channel.
	HumanOnly bool

	// LocalCommand forces host execution even when a current session
	// is configured.
	LocalCommand bool
}

// Call is one tool invocation. Args carries the JSON-decoded arguments
// from the model or CLI; Positional carries leftover argv tokens from
// command resolution. State and ExternalData are only set when resuming
// a RUNNING call.
type Call struct {
	SessionID    int
	ToolCallID   string
	Args         map[string]any
	Positional   []string
	Options      map[string]any
	State        any
	ExternalData map[string]any
}

// Handler executes a tool call.
type Handler func(ctx context.Context, call *Call) Outcome

// AliasFunc inspects argv and claims it by returning a canonical name
// and rewritten args. Returning ok=false passes.
type AliasFunc func(argv []string) (name string, args []string, ok bool)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
	Alias       AliasFunc
	Meta        Meta
}

// RunsOnHost decides the execution side for a tool in a session
// context. Session 0 is the host itself.
func (t *Tool) RunsOnHost(sessionID int) bool {
	return t.Meta.LocalCommand || sessionID == 0 || t.Meta.RequiresHostExecution
}

// Registry holds the tool catalog. Registration order is preserved for
// alias scanning.
type Registry struct {
	mu    sync.Mutex
	order []string
	tools map[string]*Tool
}

// NewRegistry returns an empty catalog.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool under its canonical name.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.order = append(r.order, t.Name)
	r.tools[t.Name] = t
	return nil
}

// MustRegister panics on a duplicate registration. Used for the builtin
// catalog at boot.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by canonical name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the catalog in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Execute runs a tool handler, converting a panic into a FAILURE so a
// misbehaving tool cannot take down the loop.
func Execute(ctx context.Context, t *Tool, call *Call) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failure(fmt.Sprintf("tool %s panicked: %v", t.Name, r))
		}
	}()
	if t.Handler == nil {
		return Failure(fmt.Sprintf("tool %s has no handler", t.Name))
	}
	return t.Handler(ctx, call)
}
