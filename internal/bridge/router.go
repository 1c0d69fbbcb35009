package bridge

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one inbound message and returns an optional
// response to write back on the same channel. A nil response with a nil
// error means the message was consumed without a reply.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Router dispatches messages by type. Both the host and the child build
// one router and register the handlers for the message types they serve.
type Router struct {
	mu             sync.Mutex
	handlers       map[string]Handler
	defaultSession int
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// SetDefaultSession sets the session id stamped onto messages that
// arrive without one (the "current session" from configuration).
func (r *Router) SetDefaultSession(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultSession = id
}

// Handle registers the handler for a message type, replacing any
// previous registration.
func (r *Router) Handle(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// Route dispatches msg to its type's handler. Unknown types are a
// protocol error returned to the caller; the caller decides whether to
// answer or drop.
func (r *Router) Route(ctx context.Context, msg *Message) (*Message, error) {
	r.mu.Lock()
	h, ok := r.handlers[msg.Type]
	if msg.SessionID == 0 && r.defaultSession != 0 {
		msg.SessionID = r.defaultSession
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no handler for message type %q", msg.Type)
	}
	return h(ctx, msg)
}
