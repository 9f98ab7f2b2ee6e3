// Package upload writes the per-image summary back to the repository as a
// typed table attached to the plate through a bulk-annotation file
// annotation.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"plateflow/internal/frame"
	"plateflow/internal/tables"
	"plateflow/pkg/domain"
)

// DefaultTableName names uploaded tables unless overridden.
const DefaultTableName = "idr0002_cellprofiler"

// ErrUnmappedColumn is returned in strict mode for a column whose type has
// no table column kind.
var ErrUnmappedColumn = errors.New("upload: column type has no table mapping")

// Policy decides what happens to columns that cannot be mapped.
type Policy string

// Column policies.
const (
	PolicyStrict Policy = "strict"
	PolicyDrop   Policy = "drop"
)

// Sink is the write side of a repository session.
type Sink interface {
	DefaultRepository(ctx context.Context) (domain.Repository, error)
	NewTable(ctx context.Context, repositoryID int64, name string) (*tables.Table, error)
	SaveFileAnnotation(ctx context.Context, ns string, fileID int64) (domain.FileAnnotation, error)
	LinkAnnotation(ctx context.Context, parentType domain.EntityType, parentID int64, ann domain.FileAnnotation) (domain.AnnotationLink, error)
}

// Result describes an upload.
type Result struct {
	Table      string
	FileID     int64
	Annotation int64
	Link       int64
	Rows       int
	Columns    []string
	Dropped    []string
}

// Option customises an Uploader.
type Option func(*Uploader)

// WithTableName overrides DefaultTableName.
func WithTableName(name string) Option {
	return func(u *Uploader) {
		if name != "" {
			u.table = name
		}
	}
}

// WithNamespace overrides the annotation namespace.
func WithNamespace(ns string) Option {
	return func(u *Uploader) {
		if ns != "" {
			u.namespace = ns
		}
	}
}

// WithPolicy selects the unmapped column policy.
func WithPolicy(p Policy) Option {
	return func(u *Uploader) {
		if p != "" {
			u.policy = p
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.log = l
		}
	}
}

// Uploader maps frames to tables and attaches them to plates.
type Uploader struct {
	sink      Sink
	table     string
	namespace string
	policy    Policy
	log       *slog.Logger
}

// New builds an Uploader writing through sink.
func New(sink Sink, opts ...Option) (*Uploader, error) {
	u := &Uploader{
		sink:      sink,
		table:     DefaultTableName,
		namespace: domain.NSBulkAnnotations,
		policy:    PolicyStrict,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.policy != PolicyStrict && u.policy != PolicyDrop {
		return nil, fmt.Errorf("upload: unknown column policy %q", u.policy)
	}
	return u, nil
}

// Columns maps the frame to table columns in frame order: Image becomes an
// image column, Well a well column, integers long and floats double.
func (u *Uploader) Columns(f *frame.Frame) ([]tables.Column, []string, error) {
	var cols []tables.Column
	var dropped []string
	for _, s := range f.Series() {
		switch {
		case s.Name == "Image" && s.Kind == frame.Int:
			cols = append(cols, tables.NewImageColumn(s.Name, "", s.Ints))
		case s.Name == "Well" && s.Kind == frame.Int:
			cols = append(cols, tables.NewWellColumn(s.Name, "", s.Ints))
		case s.Kind == frame.Int:
			cols = append(cols, tables.NewLongColumn(s.Name, "", s.Ints))
		case s.Kind == frame.Float:
			cols = append(cols, tables.NewDoubleColumn(s.Name, "", s.Floats))
		default:
			if u.policy == PolicyStrict {
				return nil, nil, fmt.Errorf("%w: %s is %s", ErrUnmappedColumn, s.Name, s.Kind)
			}
			u.log.Warn("dropping column without table mapping", "column", s.Name, "type", s.Kind.String())
			dropped = append(dropped, s.Name)
		}
	}
	if len(cols) == 0 {
		return nil, dropped, fmt.Errorf("%w: no uploadable columns", ErrUnmappedColumn)
	}
	return cols, dropped, nil
}

// Upload creates the table in the first repository, fills it with f and
// links its file to plate. The table is closed on every path.
func (u *Uploader) Upload(ctx context.Context, plate domain.Plate, f *frame.Frame) (res Result, err error) {
	cols, dropped, err := u.Columns(f)
	if err != nil {
		return Result{}, err
	}
	if err := tables.ValidateSchema(cols); err != nil {
		return Result{}, fmt.Errorf("table %s: %w", u.table, err)
	}
	repo, err := u.sink.DefaultRepository(ctx)
	if err != nil {
		return Result{}, err
	}
	table, err := u.sink.NewTable(ctx, repo.ID, u.table)
	if err != nil {
		return Result{}, fmt.Errorf("create table %s: %w", u.table, err)
	}
	defer func() {
		if cerr := table.Close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("close table %s: %w", u.table, cerr)
		}
	}()
	if err := table.Initialize(cols); err != nil {
		return Result{}, err
	}
	if err := table.AddData(cols); err != nil {
		return Result{}, err
	}
	if err := table.Flush(ctx); err != nil {
		return Result{}, err
	}
	file := table.OriginalFile()
	ann, err := u.sink.SaveFileAnnotation(ctx, u.namespace, file.ID)
	if err != nil {
		return Result{}, err
	}
	link, err := u.sink.LinkAnnotation(ctx, domain.EntityPlate, plate.ID, ann)
	if err != nil {
		return Result{}, err
	}
	res = Result{
		Table:      u.table,
		FileID:     file.ID,
		Annotation: ann.ID,
		Link:       link.ID,
		Rows:       table.RowCount(),
		Dropped:    dropped,
	}
	for _, c := range cols {
		res.Columns = append(res.Columns, c.Name())
	}
	u.log.Info("table uploaded", "table", u.table, "file", file.ID, "annotation", ann.ID, "plate", plate.ID, "rows", res.Rows, "columns", len(cols))
	return res, nil
}
