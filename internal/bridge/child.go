package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ChildLink is the child's single duplex channel to the host. Requests
// carry a monotonic integer messageId; responses are matched through
// the pending table.
type ChildLink struct {
	logger  *log.Logger
	router  *Router
	pending *Pending
	timeout time.Duration

	conn   net.Conn
	writer *Writer

	mu     sync.Mutex
	nextID int
}

// DialHost connects to the per-session socket, retrying until the
// supervisor has the listener up or ctx is done.
func DialHost(ctx context.Context, socketPath string, router *Router, logger *log.Logger) (*ChildLink, error) {
	if logger == nil {
		logger = log.Default()
	}
	var conn net.Conn
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dialing host socket %s: %w", socketPath, err)
	}
	return &ChildLink{
		logger:  logger,
		router:  router,
		pending: NewPending(),
		timeout: DefaultTimeout,
		conn:    conn,
		writer:  NewWriter(conn),
		nextID:  1,
	}, nil
}

// Close tears down the connection.
func (l *ChildLink) Close() error { return l.conn.Close() }

// allocateID issues the next request id.
func (l *ChildLink) allocateID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// SendToHost writes a request and blocks until the matched response
// arrives or the round-trip deadline fires.
func (l *ChildLink) SendToHost(ctx context.Context, msg *Message) (*Message, error) {
	id := l.allocateID()
	msg.MessageID = id
	key := MessageKey(id)

	ch := l.pending.register(key)
	defer l.pending.remove(key)

	if err := l.writer.Write(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response after %s", msg.Type, l.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify writes a message without registering for a response. Used for
// flows that resolve asynchronously, such as approval requests.
func (l *ChildLink) Notify(msg *Message) error {
	return l.writer.Write(msg)
}

// Serve reads inbound messages until the connection closes or ctx is
// done. Responses to our own requests resolve their pending waiter;
// everything else goes through the router, and a non-nil handler result
// is written back.
func (l *ChildLink) Serve(ctx context.Context) error {
	reader := NewReader(l.conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := reader.Read()
		if err != nil {
			return err
		}
		if msg.MessageID != nil && l.pending.Resolve(msg) {
			continue
		}
		resp, err := l.router.Route(ctx, msg)
		if err != nil {
			l.logger.Warn("handling host message", "type", msg.Type, "err", err)
			if msg.MessageID != nil {
				l.writer.Write(ErrorResponse(TypeCommandResponse, msg.MessageID, err.Error()))
			}
			continue
		}
		if resp != nil {
			if resp.MessageID == nil {
				resp.MessageID = msg.MessageID
			}
			if err := l.writer.Write(resp); err != nil {
				return err
			}
		}
	}
}
