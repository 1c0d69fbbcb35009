package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/store"
)

// ErrGroupNotFound is returned when a group name has no record.
var ErrGroupNotFound = errors.New("group not found")

// Groups manages named exclusive session-id sets under db/groups.
type Groups struct {
	collection *store.Collection[*Group]
	logger     *log.Logger
}

// NewGroups returns a group manager rooted at the installation directory.
func NewGroups(root string, logger *log.Logger) *Groups {
	if logger == nil {
		logger = log.Default()
	}
	return &Groups{
		collection: store.NewCollection[*Group](filepath.Join(root, "db", "groups"), logger),
		logger:     logger,
	}
}

// Get returns a group by name.
func (g *Groups) Get(name string) (*Group, error) {
	grp, err := g.collection.Get(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("group %q: %w", name, ErrGroupNotFound)
		}
		return nil, err
	}
	return grp, nil
}

// List returns every group name on disk.
func (g *Groups) List() ([]string, error) {
	return g.collection.List()
}

// Assign adds a session to the named group, creating it if missing.
// Membership is exclusive: the session is removed from any other group
// first.
func (g *Groups) Assign(name string, sessionID int) error {
	names, err := g.collection.List()
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	for _, other := range names {
		if other == name {
			continue
		}
		grp, err := g.collection.Get(other)
		if err != nil || !grp.Contains(sessionID) {
			continue
		}
		grp.Remove(sessionID)
		g.collection.Set(other, grp)
	}

	grp, err := g.collection.Get(name)
	if err != nil {
		grp = &Group{
			APIVersion: APIVersion,
			Kind:       KindGroup,
			Metadata:   GroupMetadata{Name: name, Created: time.Now().UTC()},
		}
	}
	if !grp.Contains(sessionID) {
		grp.Spec.Sessions = append(grp.Spec.Sessions, sessionID)
	}
	g.collection.Set(name, grp)
	if err := g.collection.Save(); err != nil {
		return fmt.Errorf("saving group %q: %w", name, err)
	}
	return nil
}

// Unassign removes a session from the named group. Emptied groups are
// kept; use Delete to remove a group.
func (g *Groups) Unassign(name string, sessionID int) error {
	grp, err := g.Get(name)
	if err != nil {
		return err
	}
	grp.Remove(sessionID)
	g.collection.Set(name, grp)
	if err := g.collection.Save(); err != nil {
		return fmt.Errorf("saving group %q: %w", name, err)
	}
	return nil
}

// Delete removes a group record.
func (g *Groups) Delete(name string) error {
	g.collection.Delete(name)
	if err := g.collection.Save(); err != nil {
		return fmt.Errorf("deleting group %q: %w", name, err)
	}
	return nil
}
