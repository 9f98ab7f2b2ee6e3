// Package tables implements typed, column-oriented result tables stored as a
// single backing file in a repository. A table is created empty, initialised
// with a column schema, filled with AddData and persisted by Close.
package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"plateflow/pkg/domain"
)

// Mimetype marks backing files written by this package.
const Mimetype = "application/vnd.plateflow.table+json"

var (
	// ErrTableClosed is returned by operations on a closed table.
	ErrTableClosed = errors.New("tables: table closed")
	// ErrNotInitialized is returned by AddData before Initialize.
	ErrNotInitialized = errors.New("tables: table not initialized")
	// ErrSchemaMismatch is returned when AddData columns do not match the schema.
	ErrSchemaMismatch = errors.New("tables: columns do not match schema")
)

// Backend stores the backing file of a table.
type Backend interface {
	CreateFile(ctx context.Context, repositoryID int64, name, mimetype string) (domain.OriginalFile, error)
	WriteFile(ctx context.Context, fileID int64, data []byte) (domain.OriginalFile, error)
	ReadFile(ctx context.Context, fileID int64) ([]byte, domain.OriginalFile, error)
}

// Table is a handle on one stored table. It is safe for concurrent use.
type Table struct {
	backend Backend

	mu      sync.Mutex
	file    domain.OriginalFile
	name    string
	columns []Column
	dirty   bool
	closed  bool
}

// Create registers a new, empty table in the repository.
func Create(ctx context.Context, backend Backend, repositoryID int64, name string) (*Table, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("table name required")
	}
	file, err := backend.CreateFile(ctx, repositoryID, name, Mimetype)
	if err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}
	return &Table{backend: backend, file: file, name: name}, nil
}

// Open loads an existing table from its backing file.
func Open(ctx context.Context, backend Backend, fileID int64) (*Table, error) {
	data, file, err := backend.ReadFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("open table %d: %w", fileID, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode table %d: %w", fileID, err)
	}
	cols := make([]Column, 0, len(doc.Columns))
	for _, raw := range doc.Columns {
		col, err := raw.column()
		if err != nil {
			return nil, fmt.Errorf("decode table %d: %w", fileID, err)
		}
		cols = append(cols, col)
	}
	return &Table{backend: backend, file: file, name: doc.Name, columns: cols}, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Initialize sets the schema. Column values passed here are ignored; the
// table starts with zero rows.
func (t *Table) Initialize(schema []Column) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTableClosed
	}
	if t.columns != nil {
		return fmt.Errorf("table %s already initialized", t.name)
	}
	if err := ValidateSchema(schema); err != nil {
		return fmt.Errorf("table %s: %w", t.name, err)
	}
	cols := make([]Column, 0, len(schema))
	for _, c := range schema {
		cols = append(cols, c.emptyCopy())
	}
	t.columns = cols
	t.dirty = true
	return nil
}

// ValidateSchema checks that schema has at least one column and that every
// column is named uniquely.
func ValidateSchema(schema []Column) error {
	if len(schema) == 0 {
		return fmt.Errorf("%w: at least one column required", ErrSchemaMismatch)
	}
	seen := make(map[string]bool, len(schema))
	for i, c := range schema {
		if c == nil || strings.TrimSpace(c.Name()) == "" {
			return fmt.Errorf("%w: column %d has no name", ErrSchemaMismatch, i)
		}
		if seen[c.Name()] {
			return fmt.Errorf("%w: duplicate column %s", ErrSchemaMismatch, c.Name())
		}
		seen[c.Name()] = true
	}
	return nil
}

// AddData appends rows. cols must name every schema column, in schema order,
// with matching kinds and equal lengths.
func (t *Table) AddData(cols []Column) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTableClosed
	}
	if t.columns == nil {
		return ErrNotInitialized
	}
	if len(cols) != len(t.columns) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrSchemaMismatch, len(cols), len(t.columns))
	}
	rows := -1
	for i, c := range cols {
		want := t.columns[i]
		if c.Name() != want.Name() || c.Kind() != want.Kind() {
			return fmt.Errorf("%w: column %d is %s(%s), want %s(%s)", ErrSchemaMismatch, i, c.Name(), c.Kind(), want.Name(), want.Kind())
		}
		if rows >= 0 && c.Len() != rows {
			return fmt.Errorf("%w: column %s has %d rows, want %d", ErrSchemaMismatch, c.Name(), c.Len(), rows)
		}
		rows = c.Len()
	}
	for i, c := range cols {
		t.columns[i] = t.columns[i].appendFrom(c)
	}
	t.dirty = true
	return nil
}

// Columns returns a copy of the stored columns with their values.
func (t *Table) Columns() []Column {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Column, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.emptyCopy().appendFrom(c)
	}
	return out
}

// RowCount returns the number of stored rows.
func (t *Table) RowCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.columns) == 0 {
		return 0
	}
	return t.columns[0].Len()
}

// OriginalFile returns the backing file record.
func (t *Table) OriginalFile() domain.OriginalFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file
}

// Flush writes pending changes to the backing file.
func (t *Table) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTableClosed
	}
	return t.flushLocked(ctx)
}

func (t *Table) flushLocked(ctx context.Context) error {
	if !t.dirty {
		return nil
	}
	doc := document{Name: t.name, Columns: make([]columnDoc, len(t.columns))}
	for i, c := range t.columns {
		doc.Columns[i] = docFor(c)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode table %s: %w", t.name, err)
	}
	file, err := t.backend.WriteFile(ctx, t.file.ID, data)
	if err != nil {
		return fmt.Errorf("write table %s: %w", t.name, err)
	}
	t.file = file
	t.dirty = false
	return nil
}

// Close flushes and releases the table. Closing twice is a no-op.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	err := t.flushLocked(ctx)
	t.closed = true
	return err
}
