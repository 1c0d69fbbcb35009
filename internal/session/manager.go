package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/fsm"
	"github.com/capstan-dev/capstan/internal/store"
)

// ErrNotFound is returned when a session id has no record.
var ErrNotFound = errors.New("session not found")

// Manager mediates session reads and writes. While a session has a
// workspace, the workspace copy of its record is authoritative (it is
// the file the child sees through the bind mount); otherwise the
// primary db/sessions collection is used. The primary collection always
// retains a record for listing and id allocation.
type Manager struct {
	root    string
	logger  *log.Logger
	machine *fsm.Machine

	mu         sync.Mutex
	primary    *store.Collection[*Session]
	workspaces map[string]*store.Collection[*Session]
	nextID     int
}

// NewManager returns a manager rooted at the installation directory.
// The next session id is seeded from a scan of db/sessions.
func NewManager(root string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		root:       root,
		logger:     logger,
		machine:    StatusMachine(),
		primary:    store.NewCollection[*Session](filepath.Join(root, "db", "sessions"), logger),
		workspaces: make(map[string]*store.Collection[*Session]),
		nextID:     1,
	}
	if ids, err := m.primary.List(); err == nil {
		for _, id := range ids {
			if n, err := strconv.Atoi(id); err == nil && n >= m.nextID {
				m.nextID = n + 1
			}
		}
	}
	return m
}

// Root returns the installation root the manager operates in.
func (m *Manager) Root() string { return m.root }

// WorkspaceDir returns the bind-mount root for a session.
func (m *Manager) WorkspaceDir(id int) string {
	return filepath.Join(m.root, "db", "workspaces", strconv.Itoa(id))
}

// collectionFor picks the authoritative collection for a session id:
// the workspace copy when a workspace record exists, the primary
// collection otherwise.
func (m *Manager) collectionFor(id string) *store.Collection[*Session] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.workspaces[id]; ok {
		return c
	}
	dir := filepath.Join(m.root, "db", "workspaces", id, "db", "sessions")
	if _, err := os.Stat(filepath.Join(dir, id+".yml")); err == nil {
		c := store.NewCollection[*Session](dir, m.logger)
		m.workspaces[id] = c
		return c
	}
	return m.primary
}

// forgetWorkspace drops the cached workspace collection for an id.
func (m *Manager) forgetWorkspace(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workspaces, id)
}

// GenerateID issues the next session id. Monotonic within the process.
func (m *Manager) GenerateID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// Get returns the freshest copy of a session.
func (m *Manager) Get(id int) (*Session, error) {
	key := strconv.Itoa(id)
	s, err := m.collectionFor(key).Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return s, nil
}

// Put writes a session through its authoritative collection and saves
// immediately.
func (m *Manager) Put(s *Session) error {
	c := m.collectionFor(s.ID())
	c.Set(s.ID(), s)
	if err := c.Save(); err != nil {
		return fmt.Errorf("saving session %d: %w", s.Metadata.ID, err)
	}
	return nil
}

// Transition reloads a session, applies a status action through the
// machine, stamps lastTransition, and saves so the peer process sees
// the change on its next read. Invalid transitions are returned as
// errors and leave the record untouched.
func (m *Manager) Transition(id int, action string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	to, err := m.machine.Transition(s.Spec.Status, action)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", id, err)
	}
	s.Spec.LastTransition = &Transition{
		Action:    action,
		From:      s.Spec.Status,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
	s.Spec.Status = to
	if err := m.Put(s); err != nil {
		return nil, err
	}
	m.logger.Info("session transition", "session", id, "action", action,
		"from", s.Spec.LastTransition.From, "to", to)
	return s, nil
}

// List returns all sessions not soft-deleted, ordered by id.
func (m *Manager) List() ([]*Session, error) {
	return m.list(false)
}

// ListAll returns every session including soft-deleted ones.
func (m *Manager) ListAll() ([]*Session, error) {
	return m.list(true)
}

func (m *Manager) list(includeDeleted bool) ([]*Session, error) {
	ids, err := m.primary.List()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var sessions []*Session
	for _, key := range ids {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		s, err := m.Get(id)
		if err != nil {
			m.logger.Warn("skipping unreadable session", "id", key, "err", err)
			continue
		}
		if s.Deleted() && !includeDeleted {
			continue
		}
		sessions = append(sessions, s)
	}
	SortSessions(sessions)
	return sessions, nil
}

// Create builds a new PENDING session from a template and persists it
// in the primary collection.
func (m *Manager) Create(name string, tmpl *Template) (*Session, error) {
	id := m.GenerateID()
	s := tmpl.Instantiate(id, name)
	m.primary.Set(s.ID(), s)
	if err := m.primary.Save(); err != nil {
		return nil, fmt.Errorf("saving session %d: %w", id, err)
	}
	m.logger.Info("session created", "session", id, "name", name, "template", tmpl.Metadata.Name)
	return s, nil
}

// SoftDelete stamps deletedAt so the session drops out of default
// listings. The record and workspace remain until Purge.
func (m *Manager) SoftDelete(id int) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.Spec.DeletedAt = &now
	return m.Put(s)
}

// SyncFromWorkspace copies the workspace record back into the primary
// collection and forgets the workspace collection. Called when a
// session's child is gone and its workspace is about to be removed.
func (m *Manager) SyncFromWorkspace(id int) error {
	key := strconv.Itoa(id)
	dir := filepath.Join(m.root, "db", "workspaces", key, "db", "sessions")
	if _, err := os.Stat(filepath.Join(dir, key+".yml")); err != nil {
		return nil
	}
	c := store.NewCollection[*Session](dir, m.logger)
	s, err := c.Get(key)
	if err != nil {
		return fmt.Errorf("reading workspace copy of session %d: %w", id, err)
	}
	m.primary.Set(key, s)
	if err := m.primary.Save(); err != nil {
		return fmt.Errorf("saving session %d: %w", id, err)
	}
	m.forgetWorkspace(key)
	return nil
}

// Purge removes a session record permanently. The caller is expected to
// have synced and removed the workspace first.
func (m *Manager) Purge(id int) error {
	key := strconv.Itoa(id)
	m.primary.Delete(key)
	m.forgetWorkspace(key)
	if err := m.primary.Save(); err != nil {
		return fmt.Errorf("purging session %d: %w", id, err)
	}
	return nil
}
