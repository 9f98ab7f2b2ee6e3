package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by identifier fails.
type ErrNotFound struct {
	Entity EntityType
	ID     any
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// Transaction exposes the catalog mutations a persistence implementation must
// support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateUser(User) (User, error)
	CreateRepository(Repository) (Repository, error)
	CreatePlate(Plate) (Plate, error)
	CreateWell(Well) (Well, error)
	CreateImage(Image) (Image, error)
	AttachImage(wellID, imageID int64) (Well, error)
	CreateOriginalFile(OriginalFile) (OriginalFile, error)
	UpdateOriginalFile(id int64, mutator func(*OriginalFile) error) (OriginalFile, error)
	CreateFileAnnotation(FileAnnotation) (FileAnnotation, error)
	LinkAnnotation(AnnotationLink) (AnnotationLink, error)
}

// TransactionView provides read-only access to catalog state.
type TransactionView interface {
	FindUser(name string) (User, bool)
	FindPlate(id int64) (Plate, bool)
	FindWell(id int64) (Well, bool)
	FindImage(id int64) (Image, bool)
	FindOriginalFile(id int64) (OriginalFile, bool)
	FindFileAnnotation(id int64) (FileAnnotation, bool)
	ListRepositories() []Repository
	ListPlates() []Plate
	ListWells(plateID int64) []Well
	ListLinks(parentType EntityType, parentID int64) []AnnotationLink
}

// PersistentStore is a minimal abstraction over durable catalog backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
