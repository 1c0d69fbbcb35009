package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ControlServer accepts short-lived CLI connections on the daemon's
// control socket. Each connection carries command messages that are
// routed and answered with a matching messageId.
type ControlServer struct {
	router   *Router
	logger   *log.Logger
	listener net.Listener
}

// ListenControl removes any stale socket file and listens on path.
func ListenControl(path string, router *Router, logger *log.Logger) (*ControlServer, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale control socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on control socket %s: %w", path, err)
	}
	return &ControlServer{router: router, logger: logger, listener: l}, nil
}

// Close stops accepting and removes the socket file.
func (s *ControlServer) Close() error {
	return s.listener.Close()
}

// Serve accepts connections until the listener closes.
func (s *ControlServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting control connection: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *ControlServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := NewReader(conn)
	writer := NewWriter(conn)
	for {
		msg, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("control connection read", "err", err)
			}
			return
		}
		resp, err := s.router.Route(ctx, msg)
		if err != nil {
			writer.Write(ErrorResponse(TypeCommandResponse, msg.MessageID, err.Error()))
			continue
		}
		if resp == nil {
			ok := true
			resp = &Message{Type: TypeCommandResponse, Success: &ok}
		}
		if resp.MessageID == nil {
			resp.MessageID = msg.MessageID
		}
		if err := writer.Write(resp); err != nil {
			s.logger.Warn("control connection write", "err", err)
			return
		}
	}
}

// Call dials the control socket, sends one command, and waits for the
// response whose messageId matches. Used by each CLI invocation.
func Call(socketPath string, msg *Message, timeout time.Duration) (*Message, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing control socket %s (is the daemon running?): %w", socketPath, err)
	}
	defer conn.Close()

	if msg.MessageID == nil {
		msg.MessageID = "msg_" + uuid.NewString()
	}
	key := MessageKey(msg.MessageID)

	conn.SetDeadline(time.Now().Add(timeout))
	if err := NewWriter(conn).Write(msg); err != nil {
		return nil, err
	}

	reader := NewReader(conn)
	for {
		resp, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("reading control response: %w", err)
		}
		if MessageKey(resp.MessageID) == key {
			return resp, nil
		}
	}
}
