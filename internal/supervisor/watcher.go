package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/capstan-dev/capstan/internal/core"
	"github.com/capstan-dev/capstan/internal/eventlog"
)

// RecordWatcher turns approval and question files appearing on disk
// into event log entries, so records written by a child directly into
// its workspace are still visible in the daemon's audit trail once
// AddSession has been called for that session.
type RecordWatcher struct {
	core    *core.Core
	logger  *log.Logger
	watcher *fsnotify.Watcher
}

// NewRecordWatcher watches the install root's approvals and questions
// directories. Session workspace directories are watched only after
// AddSession is called for them.
func NewRecordWatcher(c *core.Core, logger *log.Logger) (*RecordWatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating record watcher: %w", err)
	}
	rw := &RecordWatcher{core: c, logger: logger, watcher: w}
	for _, dir := range []string{
		filepath.Join(c.Root, "db", "approvals"),
		filepath.Join(c.Root, "db", "questions"),
	} {
		if err := w.Add(dir); err != nil {
			logger.Debug("watching record dir", "dir", dir, "err", err)
		}
	}
	return rw, nil
}

// AddSession watches a session workspace's record directories.
func (rw *RecordWatcher) AddSession(sessionID int) {
	root := rw.core.Sessions.WorkspaceDir(sessionID)
	for _, dir := range []string{
		filepath.Join(root, "db", "approvals"),
		filepath.Join(root, "db", "questions"),
	} {
		if err := rw.watcher.Add(dir); err != nil {
			rw.logger.Debug("watching workspace record dir", "dir", dir, "err", err)
		}
	}
}

// Close stops the watcher.
func (rw *RecordWatcher) Close() error { return rw.watcher.Close() }

// Run consumes filesystem events until ctx is done or the watcher
// closes.
func (rw *RecordWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				rw.record(ev.Name)
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("record watcher", "err", err)
		}
	}
}

func (rw *RecordWatcher) record(path string) {
	if !strings.HasSuffix(path, ".yml") && !strings.HasSuffix(path, ".yaml") {
		return
	}
	kind := filepath.Base(filepath.Dir(path))
	event := ""
	switch kind {
	case "approvals":
		event = eventlog.EventApprovalCreated
	case "questions":
		event = eventlog.EventQuestionCreated
	default:
		return
	}
	rw.core.Record(eventlog.Event{
		Event: event,
		Data:  map[string]any{"path": path},
	})
}
