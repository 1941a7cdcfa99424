// Package catalog implements the persistent indexes of the cache: flat INI
// files with one section per category and one `id = value` line per entry.
// The path catalog maps keys to entry files and the expiration catalog maps
// keys to absolute expiry instants.
//
// Every operation reads the file from disk and every mutation rewrites the
// whole file through a temp file and rename. Catalog does no locking of its
// own; callers serialize mutations.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
	"gopkg.in/ini.v1"
)

// File names of the two catalogs inside the cache root.
const (
	PathsFile      = "paths.cnf"
	ExpirationFile = "expiration.cnf"
)

// Values are file paths and timestamps, so `#` and `;` are never comments.
var loadOptions = ini.LoadOptions{
	IgnoreInlineComment: true,
}

// Entry is one id/value pair of a category.
type Entry struct {
	ID    string
	Value string
}

// Catalog is a category → id → value map persisted in a single file.
type Catalog struct {
	fs   core.FS
	path string
}

// Open returns the catalog stored at path, creating an empty file if none
// exists yet.
func Open(fsys core.FS, path string) (*Catalog, error) {
	c := &Catalog{fs: fsys, path: path}

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}
	if !exists {
		if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		if err := fsys.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create catalog %s: %w", path, err)
		}
	}
	return c, nil
}

// Path returns the catalog file location.
func (c *Catalog) Path() string {
	return c.path
}

// Load reads the whole catalog. A missing file yields an empty table.
func (c *Catalog) Load() (*Table, error) {
	data, err := c.fs.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewTable(), nil
		}
		return nil, fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}
	return Parse(data)
}

// Save replaces the catalog file with the contents of t.
func (c *Catalog) Save(t *Table) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(filepath.Dir(c.path), ".tmp-"+filepath.Base(c.path)+"-"+uuid.NewString())
	if err := c.fs.WriteFile(tmpPath, data, 0o644); err != nil {
		_ = c.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write temp catalog: %w", err)
	}
	if err := c.fs.Rename(tmpPath, c.path); err != nil {
		_ = c.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename catalog %s: %w", c.path, err)
	}
	return nil
}

// Get returns the value stored for category/id.
func (c *Catalog) Get(category, id string) (string, bool, error) {
	t, err := c.Load()
	if err != nil {
		return "", false, err
	}
	v, ok := t.Get(category, id)
	return v, ok, nil
}

// Set stores value under category/id.
func (c *Catalog) Set(category, id, value string) error {
	return c.update(func(t *Table) bool {
		t.Set(category, id, value)
		return true
	})
}

// Remove deletes category/id. Removing an absent key is not an error.
func (c *Catalog) Remove(category, id string) error {
	return c.update(func(t *Table) bool {
		return t.Remove(category, id)
	})
}

// Entries lists a category sorted by id.
func (c *Catalog) Entries(category string) ([]Entry, error) {
	t, err := c.Load()
	if err != nil {
		return nil, err
	}
	return t.Entries(category), nil
}

func (c *Catalog) update(fn func(t *Table) bool) error {
	t, err := c.Load()
	if err != nil {
		return err
	}
	if !fn(t) {
		return nil
	}
	return c.Save(t)
}

// Table is the in-memory form of a catalog.
type Table struct {
	sections map[string]map[string]string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{sections: make(map[string]map[string]string)}
}

// Parse decodes INI catalog data.
func Parse(data []byte) (*Table, error) {
	t := NewTable()
	if len(bytes.TrimSpace(data)) == 0 {
		return t, nil
	}

	cfg, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		for _, key := range sec.Keys() {
			t.Set(sec.Name(), key.Name(), key.Value())
		}
	}
	return t, nil
}

// Marshal encodes the table as INI with sections and keys in sorted order.
func (t *Table) Marshal() ([]byte, error) {
	cfg := ini.Empty(loadOptions)
	for _, category := range t.Categories() {
		sec, err := cfg.NewSection(category)
		if err != nil {
			return nil, fmt.Errorf("failed to add catalog section %q: %w", category, err)
		}
		for _, e := range t.Entries(category) {
			if _, err := sec.NewKey(e.ID, e.Value); err != nil {
				return nil, fmt.Errorf("failed to add catalog key %q: %w", e.ID, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *Table) Get(category, id string) (string, bool) {
	v, ok := t.sections[category][id]
	return v, ok
}

func (t *Table) Set(category, id, value string) {
	sec, ok := t.sections[category]
	if !ok {
		sec = make(map[string]string)
		t.sections[category] = sec
	}
	sec[id] = value
}

// Remove deletes category/id and drops the category once it is empty.
// Reports whether anything was removed.
func (t *Table) Remove(category, id string) bool {
	sec, ok := t.sections[category]
	if !ok {
		return false
	}
	if _, ok := sec[id]; !ok {
		return false
	}
	delete(sec, id)
	if len(sec) == 0 {
		delete(t.sections, category)
	}
	return true
}

// Categories returns the category names in sorted order.
func (t *Table) Categories() []string {
	categories := make([]string, 0, len(t.sections))
	for category := range t.sections {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// Entries returns the entries of category sorted by id.
func (t *Table) Entries(category string) []Entry {
	sec := t.sections[category]
	entries := make([]Entry, 0, len(sec))
	for id, value := range sec {
		entries = append(entries, Entry{ID: id, Value: value})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Len returns the number of entries across all categories.
func (t *Table) Len() int {
	n := 0
	for _, sec := range t.sections {
		n += len(sec)
	}
	return n
}
