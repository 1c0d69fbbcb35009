package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Host is the daemon side of the bridge: a registry of per-session
// child connections plus the pending table for host-initiated
// round-trips. Requests to children carry "msg_<uuid>" ids.
type Host struct {
	logger  *log.Logger
	router  *Router
	pending *Pending

	mu    sync.Mutex
	conns map[int]*Writer
}

// NewHost returns a host bridge dispatching inbound child messages
// through router.
func NewHost(router *Router, logger *log.Logger) *Host {
	if logger == nil {
		logger = log.Default()
	}
	return &Host{
		logger:  logger,
		router:  router,
		pending: NewPending(),
		conns:   make(map[int]*Writer),
	}
}

// Router returns the host's message router.
func (h *Host) Router() *Router { return h.router }

// Connected reports whether a child connection is registered for a
// session.
func (h *Host) Connected(sessionID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[sessionID]
	return ok
}

// ServeConn registers conn as the session's channel and reads from it
// until it closes. The registration is removed on return.
func (h *Host) ServeConn(ctx context.Context, sessionID int, conn net.Conn) error {
	writer := NewWriter(conn)
	h.mu.Lock()
	h.conns[sessionID] = writer
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, sessionID)
		h.mu.Unlock()
		h.logger.Info("child disconnected", "session", sessionID)
	}()
	h.logger.Info("child connected", "session", sessionID)

	reader := NewReader(conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := reader.Read()
		if err != nil {
			return err
		}
		if msg.SessionID == 0 {
			msg.SessionID = sessionID
		}
		if msg.MessageID != nil && h.pending.Resolve(msg) {
			continue
		}
		go h.dispatch(ctx, writer, msg)
	}
}

// dispatch routes one inbound child message and writes back the
// handler's response, if any. Runs off the read loop so a slow handler
// (a provider call) does not stall other traffic on the connection.
func (h *Host) dispatch(ctx context.Context, writer *Writer, msg *Message) {
	resp, err := h.router.Route(ctx, msg)
	if err != nil {
		h.logger.Warn("handling child message", "type", msg.Type, "session", msg.SessionID, "err", err)
		if msg.MessageID != nil {
			writer.Write(ErrorResponse(responseType(msg.Type), msg.MessageID, err.Error()))
		}
		return
	}
	if resp != nil {
		if resp.MessageID == nil {
			resp.MessageID = msg.MessageID
		}
		if err := writer.Write(resp); err != nil {
			h.logger.Warn("writing response", "type", resp.Type, "err", err)
		}
	}
}

// responseType maps a request type to its response type.
func responseType(requestType string) string {
	switch requestType {
	case TypeAIPromptRequest:
		return TypeAIPromptResponse
	case TypeCommand:
		return TypeCommandResponse
	default:
		return TypeCommandResponse
	}
}

// SendToContainer writes one message to the session's registered child
// connection, fire-and-forget.
func (h *Host) SendToContainer(sessionID int, msg *Message) error {
	h.mu.Lock()
	writer, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for session %d", sessionID)
	}
	return writer.Write(msg)
}

// SendToContainerAndWait writes a request with a fresh "msg_<uuid>" id
// and blocks for the matched response.
func (h *Host) SendToContainerAndWait(ctx context.Context, sessionID int, msg *Message) (*Message, error) {
	msg.MessageID = "msg_" + uuid.NewString()
	key := MessageKey(msg.MessageID)

	ch := h.pending.register(key)
	defer h.pending.remove(key)

	if err := h.SendToContainer(sessionID, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(DefaultTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response after %s", msg.Type, DefaultTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
