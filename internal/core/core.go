// Package core wires the daemon's shared state into one explicit
// context object constructed at boot and passed down, never global.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/config"
	"github.com/capstan-dev/capstan/internal/eventlog"
	"github.com/capstan-dev/capstan/internal/provider"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

// Core holds everything the daemon and its tools need: registries,
// collections, records, the event log, and the resolved configuration.
type Core struct {
	Root   string
	Config *config.Config
	Logger *log.Logger

	Sessions  *session.Manager
	Groups    *session.Groups
	Records   *approval.Records
	Allowlist *approval.Allowlist

	Tools     *tool.Registry
	States    *tool.States
	Providers *provider.Registry

	Events *eventlog.Log
}

// New builds a Core rooted at the installation directory. It loads
// config.yml and .env, opens the collections, and reads the allowlist.
func New(root string, logger *log.Logger) (*Core, error) {
	if logger == nil {
		logger = log.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving install root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating install root: %w", err)
	}

	cfg, err := config.ReadConfig(abs)
	if err != nil {
		return nil, err
	}
	if err := config.LoadEnv(abs); err != nil {
		return nil, err
	}

	allowlist, err := approval.LoadAllowlist(cfg.AllowlistPath(abs))
	if err != nil {
		return nil, err
	}

	events, err := eventlog.New(abs)
	if err != nil {
		return nil, err
	}

	return &Core{
		Root:      abs,
		Config:    cfg,
		Logger:    logger,
		Sessions:  session.NewManager(abs, logger),
		Groups:    session.NewGroups(abs, logger),
		Records:   approval.NewRecords(abs, logger),
		Allowlist: allowlist,
		Tools:     tool.NewRegistry(),
		States:    tool.NewStates(),
		Providers: provider.NewRegistry(),
		Events:    events,
	}, nil
}

// ControlSocketPath is where the daemon listens for CLI connections.
func (c *Core) ControlSocketPath() string {
	return filepath.Join(c.Root, "db", "control.sock")
}

// SessionSocketPath is where the daemon listens for one child process,
// inside the session's workspace so the child reaches it through the
// bind mount.
func (c *Core) SessionSocketPath(sessionID int) string {
	return filepath.Join(c.Sessions.WorkspaceDir(sessionID), "db", "sockets",
		strconv.Itoa(sessionID)+".sock")
}

// Record emits a structured event, logging failures instead of
// propagating them.
func (c *Core) Record(event eventlog.Event) {
	if err := c.Events.Append(event); err != nil {
		c.Logger.Warn("event log append failed", "err", err)
	}
}
