package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/capstan-dev/capstan/internal/eventlog"
	"github.com/capstan-dev/capstan/internal/session"
)

// Recover reconciles the session records with the processes actually
// alive after a daemon restart. Sessions in PENDING, RUNNING, or PAUSED
// with no live child are respawned; a live child whose record says
// STOPPED is brought back with a run transition; terminal sessions with
// no live child are left idle.
func (sv *Supervisor) Recover(ctx context.Context) error {
	sessions, err := sv.Core.Sessions.List()
	if err != nil {
		return fmt.Errorf("listing sessions for recovery: %w", err)
	}

	for _, s := range sessions {
		id := s.Metadata.ID
		pid := readPID(sv.Core.Sessions, id)
		alive := processAlive(pid)

		switch {
		case alive && s.Spec.Status == session.StatusStopped:
			if _, err := sv.Core.Sessions.Transition(id, session.ActionRun); err != nil {
				sv.Logger.Warn("recovery run transition", "session", id, "err", err)
				continue
			}
			sv.adopt(ctx, id, pid)
		case alive:
			sv.adopt(ctx, id, pid)
		case needsChild(s.Spec.Status):
			sv.forceKill(id, pid)
			if err := sv.StartSession(ctx, id); err != nil {
				sv.Logger.Error("recovery respawn", "session", id, "err", err)
				continue
			}
			sv.Core.Record(eventlog.Event{
				Event:     eventlog.EventChildRecovered,
				SessionID: id,
				Status:    s.Spec.Status,
			})
		}
	}
	return nil
}

// needsChild reports whether a status implies a running child process.
func needsChild(status string) bool {
	switch status {
	case session.StatusPending, session.StatusRunning, session.StatusPaused:
		return true
	}
	return false
}

// adopt re-listens on the session socket for a surviving child so it
// can reconnect, without spawning a new process.
func (sv *Supervisor) adopt(ctx context.Context, sessionID, pid int) {
	sv.mu.Lock()
	if _, ok := sv.children[sessionID]; ok {
		sv.mu.Unlock()
		return
	}
	sv.mu.Unlock()

	listener, err := sv.listen(sessionID)
	if err != nil {
		sv.Logger.Error("recovery listen", "session", sessionID, "err", err)
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	go sv.acceptLoop(childCtx, sessionID, listener)

	proc, err := os.FindProcess(pid)
	if err != nil {
		cancel()
		listener.Close()
		return
	}
	// An adopted process is not our direct child, so Wait is a
	// liveness poll rather than a reaping wait.
	c := &child{
		sessionID: sessionID,
		pid:       pid,
		proc:      proc,
		wait: func() error {
			for processAlive(pid) {
				select {
				case <-childCtx.Done():
					return childCtx.Err()
				case <-time.After(time.Second):
				}
			}
			return nil
		},
		listener: listener,
		cancel:   cancel,
	}
	sv.mu.Lock()
	sv.children[sessionID] = c
	sv.mu.Unlock()

	sv.Core.Record(eventlog.Event{
		Event:     eventlog.EventChildRecovered,
		SessionID: sessionID,
		PID:       pid,
	})
	sv.Logger.Info("adopted surviving child", "session", sessionID, "pid", pid)
	go sv.reap(c)
}

// forceKill removes a stale process before a respawn. A pid of 0 or a
// dead process is already clean.
func (sv *Supervisor) forceKill(sessionID, pid int) {
	if pid == 0 || !processAlive(pid) {
		os.Remove(pidPath(sv.Core.Sessions, sessionID))
		return
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		sv.Logger.Warn("force killing stale child", "session", sessionID, "pid", pid, "err", err)
	}
	os.Remove(pidPath(sv.Core.Sessions, sessionID))
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
