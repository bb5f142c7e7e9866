// Package catalog persists table metadata (schema and page count) as one
// JSON file per table, independent of the heap data itself.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coredb/coredb/internal/record"
)

var ErrTableNotFound = errors.New("catalog: table not found")
var ErrTableExists = errors.New("catalog: table already exists")

// TableMeta is the persisted description of one table.
type TableMeta struct {
	Name      string        `json:"name"`
	Schema    record.Schema `json:"schema"`
	PageCount uint32        `json:"page_count"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Catalog stores one metadata file per table under a directory.
type Catalog struct {
	mu  sync.Mutex
	dir string
}

// Open returns a Catalog rooted at dir, creating it if necessary.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Catalog{dir: dir}, nil
}

func (c *Catalog) path(name string) string {
	return filepath.Join(c.dir, name+".meta.json")
}

// Create registers a brand new table with the given schema and zero
// pages. Fails if the table already exists.
func (c *Catalog) Create(name string, schema record.Schema) (*TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.path(name)); err == nil {
		return nil, ErrTableExists
	}

	now := time.Now()
	meta := &TableMeta{Name: name, Schema: schema, PageCount: 0, CreatedAt: now, UpdatedAt: now}
	if err := c.writeLocked(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Get loads a table's current metadata.
func (c *Catalog) Get(name string) (*TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(name)
}

// UpdatePageCount persists a new page count for name, e.g. after the
// heap layer allocates a page.
func (c *Catalog) UpdatePageCount(name string, pageCount uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.readLocked(name)
	if err != nil {
		return err
	}
	meta.PageCount = pageCount
	return c.writeLocked(meta)
}

// List returns the names of every registered table.
func (c *Catalog) List() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		const suffix = ".meta.json"
		if !e.IsDir() && len(e.Name()) > len(suffix) && e.Name()[len(e.Name())-len(suffix):] == suffix {
			names = append(names, e.Name()[:len(e.Name())-len(suffix)])
		}
	}
	return names, nil
}

func (c *Catalog) readLocked(name string) (*TableMeta, error) {
	data, err := os.ReadFile(c.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTableNotFound
		}
		return nil, err
	}
	var meta TableMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", name, err)
	}
	return &meta, nil
}

func (c *Catalog) writeLocked(meta *TableMeta) error {
	meta.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(meta.Name), data, 0o644)
}
