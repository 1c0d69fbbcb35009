// Package supervisor owns child-process lifecycle for the daemon:
// workspace provisioning, per-session socket listeners, child spawn
// and shutdown, and the recovery scan after a daemon restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/core"
	"github.com/capstan-dev/capstan/internal/eventlog"
	"github.com/capstan-dev/capstan/internal/session"
)

// Supervisor spawns and tracks one child process per active session.
type Supervisor struct {
	Core   *core.Core
	Host   *bridge.Host
	Logger *log.Logger

	// Binary is the executable spawned as `<binary> child --session N`.
	// Defaults to the current executable.
	Binary string

	mu       sync.Mutex
	children map[int]*child
}

type child struct {
	sessionID int
	pid       int
	proc      *os.Process
	wait      func() error
	listener  net.Listener
	cancel    context.CancelFunc
}

// New returns a supervisor with no children.
func New(c *core.Core, host *bridge.Host, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		Core:     c,
		Host:     host,
		Logger:   logger,
		children: make(map[int]*child),
	}
}

// StartSession provisions the session's workspace, listens on its
// socket, and spawns the child process. Starting an already-tracked
// session is a no-op.
func (sv *Supervisor) StartSession(ctx context.Context, sessionID int) error {
	sv.mu.Lock()
	if _, ok := sv.children[sessionID]; ok {
		sv.mu.Unlock()
		return nil
	}
	sv.mu.Unlock()

	s, err := sv.Core.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := ProvisionWorkspace(sv.Core.Sessions, s); err != nil {
		return err
	}

	listener, err := sv.listen(sessionID)
	if err != nil {
		return err
	}

	childCtx, cancel := context.WithCancel(ctx)
	go sv.acceptLoop(childCtx, sessionID, listener)

	cmd, err := sv.spawn(sessionID)
	if err != nil {
		cancel()
		listener.Close()
		return err
	}

	c := &child{
		sessionID: sessionID,
		pid:       cmd.Process.Pid,
		proc:      cmd.Process,
		wait:      cmd.Wait,
		listener:  listener,
		cancel:    cancel,
	}
	sv.mu.Lock()
	sv.children[sessionID] = c
	sv.mu.Unlock()

	if err := writePID(sv.Core.Sessions, sessionID, c.pid); err != nil {
		sv.Logger.Warn("recording child pid", "session", sessionID, "err", err)
	}
	sv.stampContainer(sessionID)
	sv.Core.Record(eventlog.Event{
		Event:     eventlog.EventChildStarted,
		SessionID: sessionID,
		PID:       c.pid,
	})
	sv.Logger.Info("child started", "session", sessionID, "pid", c.pid)

	go sv.reap(c)
	return nil
}

// listen removes any stale socket file and listens for the session's
// child.
func (sv *Supervisor) listen(sessionID int) (net.Listener, error) {
	path := sv.Core.SessionSocketPath(sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket for session %d: %w", sessionID, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening for session %d: %w", sessionID, err)
	}
	return l, nil
}

// acceptLoop serves every connection the child makes on the session
// socket. A reconnect after a dropped link lands here too.
func (sv *Supervisor) acceptLoop(ctx context.Context, sessionID int, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			sv.Logger.Warn("accepting child connection", "session", sessionID, "err", err)
			return
		}
		go func() {
			if err := sv.Host.ServeConn(ctx, sessionID, conn); err != nil && ctx.Err() == nil {
				sv.Logger.Debug("child connection closed", "session", sessionID, "err", err)
			}
		}()
	}
}

// spawn starts `<binary> child --session N --root <workspace>`.
func (sv *Supervisor) spawn(sessionID int) (*exec.Cmd, error) {
	binary := sv.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		binary = exe
	}
	cmd := exec.Command(binary, "child",
		"--session", strconv.Itoa(sessionID),
		"--root", sv.Core.Sessions.WorkspaceDir(sessionID))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning child for session %d: %w", sessionID, err)
	}
	return cmd, nil
}

// stampContainer records a fresh container id on the session.
func (sv *Supervisor) stampContainer(sessionID int) {
	s, err := sv.Core.Sessions.Get(sessionID)
	if err != nil {
		return
	}
	s.Metadata.ContainerID = session.ContainerID(sessionID)
	if err := sv.Core.Sessions.Put(s); err != nil {
		sv.Logger.Warn("stamping container id", "session", sessionID, "err", err)
	}
}

// reap waits for the child to exit and untracks it.
func (sv *Supervisor) reap(c *child) {
	err := c.wait()
	sv.mu.Lock()
	if cur, ok := sv.children[c.sessionID]; ok && cur == c {
		delete(sv.children, c.sessionID)
	}
	sv.mu.Unlock()

	ev := eventlog.Event{
		Event:     eventlog.EventChildExited,
		SessionID: c.sessionID,
		PID:       c.pid,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	sv.Core.Record(ev)
	sv.Logger.Info("child exited", "session", c.sessionID, "pid", c.pid, "err", err)
}

// Running reports whether the supervisor tracks a child for a session.
func (sv *Supervisor) Running(sessionID int) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_, ok := sv.children[sessionID]
	return ok
}

// Signal delivers a signal to the session's child.
func (sv *Supervisor) Signal(sessionID int, sig syscall.Signal) error {
	sv.mu.Lock()
	c, ok := sv.children[sessionID]
	sv.mu.Unlock()
	if !ok {
		return fmt.Errorf("no child for session %d", sessionID)
	}
	if err := c.proc.Signal(sig); err != nil {
		return fmt.Errorf("signalling session %d child: %w", sessionID, err)
	}
	return nil
}

// StopSession tears one session's child down: close the socket, signal
// the process, and remove the socket file. The workspace stays for a
// later sync.
func (sv *Supervisor) StopSession(sessionID int) error {
	sv.mu.Lock()
	c, ok := sv.children[sessionID]
	delete(sv.children, sessionID)
	sv.mu.Unlock()
	if !ok {
		return nil
	}

	c.cancel()
	c.listener.Close()
	if err := c.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		sv.Logger.Warn("terminating child", "session", sessionID, "err", err)
	}
	os.Remove(sv.Core.SessionSocketPath(sessionID))
	return nil
}

// Shutdown stops every tracked child and gives them a moment to exit.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	ids := make([]int, 0, len(sv.children))
	for id := range sv.children {
		ids = append(ids, id)
	}
	sv.mu.Unlock()

	for _, id := range ids {
		if err := sv.StopSession(id); err != nil {
			sv.Logger.Warn("stopping session", "session", id, "err", err)
		}
	}
	time.Sleep(100 * time.Millisecond)
}
