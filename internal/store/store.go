// Package store provides file-backed record collections. Each collection
// owns a directory with one <id>.yml file per record. Reads are served
// from an in-memory cache that refreshes from disk when the file mtime
// moves past the cached read time, so two processes sharing a directory
// converge without invalidation messages.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Get when no record exists for an id, either
// in the cache or on disk.
var ErrNotFound = errors.New("record not found")

// entry is one cached record with the time its file was last read.
type entry[T any] struct {
	value  T
	readAt time.Time
}

// Collection is a directory of <id>.yml records with cached reads and
// batched writes. Set and Delete only touch memory; Save flushes. All
// methods are safe for concurrent use within one process; cross-process
// coordination relies on the mtime refresh in Get.
type Collection[T any] struct {
	dir    string
	logger *log.Logger

	mu      sync.Mutex
	cache   map[string]entry[T]
	dirty   map[string]bool
	deleted map[string]bool
}

// NewCollection returns a collection rooted at dir. The directory is
// created lazily on the first Save.
func NewCollection[T any](dir string, logger *log.Logger) *Collection[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &Collection[T]{
		dir:     dir,
		logger:  logger,
		cache:   make(map[string]entry[T]),
		dirty:   make(map[string]bool),
		deleted: make(map[string]bool),
	}
}

// Dir returns the collection's root directory.
func (c *Collection[T]) Dir() string { return c.dir }

// path returns the record file for an id.
func (c *Collection[T]) path(id string) string {
	return filepath.Join(c.dir, id+".yml")
}

// Get returns the record for id. The cached copy is used unless the file
// on disk has an mtime strictly newer than the cached read time, in which
// case the file is re-read. A tombstoned id is absent regardless of disk
// state. Records that fail to parse are logged and reported as absent.
func (c *Collection[T]) Get(id string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.deleted[id] {
		return zero, ErrNotFound
	}

	cached, inCache := c.cache[id]

	info, err := os.Stat(c.path(id))
	if err != nil {
		if inCache {
			return cached.value, nil
		}
		return zero, ErrNotFound
	}

	if inCache && !info.ModTime().After(cached.readAt) {
		return cached.value, nil
	}

	value, err := c.readFile(id)
	if err != nil {
		c.logger.Warn("unreadable record", "path", c.path(id), "err", err)
		if inCache {
			return cached.value, nil
		}
		return zero, ErrNotFound
	}
	c.cache[id] = entry[T]{value: value, readAt: time.Now()}
	return value, nil
}

// Set stores value under id in the cache and marks it dirty. Nothing is
// written to disk until Save.
func (c *Collection[T]) Set(id string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[id] = entry[T]{value: value, readAt: time.Now()}
	c.dirty[id] = true
	delete(c.deleted, id)
}

// Delete tombstones id. The record disappears from Get and GetAll
// immediately; its file is removed on the next Save.
func (c *Collection[T]) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
	delete(c.dirty, id)
	c.deleted[id] = true
}

// List returns the ids present on disk, sorted, minus tombstones. The
// cache is not consulted: List answers "what has been saved", not "what
// has been set".
func (c *Collection[T]) List() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Collection[T]) listLocked() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", c.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".yml")
		if c.deleted[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetAll returns every record reachable by List plus any cached records
// not yet saved, keyed by id.
func (c *Collection[T]) GetAll() (map[string]T, error) {
	c.mu.Lock()
	ids, err := c.listLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	pending := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		pending = append(pending, id)
	}
	c.mu.Unlock()

	all := make(map[string]T, len(ids)+len(pending))
	for _, id := range append(ids, pending...) {
		if _, ok := all[id]; ok {
			continue
		}
		value, err := c.Get(id)
		if err != nil {
			continue
		}
		all[id] = value
	}
	return all, nil
}

// LoadAll discards the cache and re-reads every record from disk. Dirty
// and tombstone sets are preserved so pending mutations survive.
func (c *Collection[T]) LoadAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.listLocked()
	if err != nil {
		return err
	}
	fresh := make(map[string]entry[T], len(ids))
	for _, id := range ids {
		if c.dirty[id] {
			fresh[id] = c.cache[id]
			continue
		}
		value, err := c.readFile(id)
		if err != nil {
			c.logger.Warn("unreadable record", "path", c.path(id), "err", err)
			continue
		}
		fresh[id] = entry[T]{value: value, readAt: time.Now()}
	}
	for id := range c.dirty {
		fresh[id] = c.cache[id]
	}
	c.cache = fresh
	return nil
}

// Save flushes pending mutations: tombstoned files are removed, dirty
// records are serialized and written, both sets are cleared. With no
// pending mutations Save touches nothing, so repeated calls leave file
// mtimes unchanged.
func (c *Collection[T]) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.deleted {
		if err := os.Remove(c.path(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing record %s: %w", id, err)
		}
	}
	c.deleted = make(map[string]bool)

	for id := range c.dirty {
		cached, ok := c.cache[id]
		if !ok {
			continue
		}
		if err := c.writeFile(id, cached.value); err != nil {
			return err
		}
		c.cache[id] = entry[T]{value: cached.value, readAt: time.Now()}
	}
	c.dirty = make(map[string]bool)
	return nil
}

// readFile parses one record file.
func (c *Collection[T]) readFile(id string) (T, error) {
	var value T
	data, err := os.ReadFile(c.path(id))
	if err != nil {
		return value, err
	}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("parsing record: %w", err)
	}
	return value, nil
}

// writeFile serializes one record, creating parent directories as needed.
func (c *Collection[T]) writeFile(id string, value T) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating collection dir: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("serializing record %s: %w", id, err)
	}
	if err := os.WriteFile(c.path(id), data, 0o644); err != nil {
		return fmt.Errorf("writing record %s: %w", id, err)
	}
	return nil
}
