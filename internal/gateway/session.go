// Package gateway is the client side of a plateflow host: it authenticates a
// user against the catalog, then reads plates, wells and pixel planes and
// writes result files and annotations on that user's behalf.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"plateflow/internal/blob"
	"plateflow/internal/catalog"
	"plateflow/internal/imaging"
	"plateflow/internal/tables"
	"plateflow/pkg/domain"
)

var (
	// ErrAuthentication is returned when the user is unknown or the password
	// does not match.
	ErrAuthentication = errors.New("gateway: authentication failed")
	// ErrSessionClosed is returned by calls made after Close.
	ErrSessionClosed = errors.New("gateway: session closed")
	// ErrNoRepository is returned when the host has nowhere to store new files.
	ErrNoRepository = errors.New("gateway: no repository available")
)

// Endpoint names the host to connect to.
type Endpoint struct {
	Host          string
	AllowInsecure bool
	Blob          blob.Options
}

// Credentials identify the experimenter.
type Credentials struct {
	Username string
	Password string
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the structured logger used by the session.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session is an authenticated connection. It is safe for concurrent use and
// serves as the tables.Backend for tables it creates.
type Session struct {
	catalog domain.PersistentStore
	blobs   blob.Store
	user    string
	log     *slog.Logger
	owned   bool

	mu     sync.Mutex
	closed bool
}

// Connect opens the catalog and blob store behind ep and authenticates creds.
// Connections that would travel in clear text are refused unless
// ep.AllowInsecure is set.
func Connect(ctx context.Context, ep Endpoint, creds Credentials, opts ...Option) (*Session, error) {
	store, err := catalog.Open(ctx, ep.Host, ep.AllowInsecure)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ep.Host, err)
	}
	blobOpts := ep.Blob
	blobOpts.S3.AllowInsecure = blobOpts.S3.AllowInsecure || ep.AllowInsecure
	blobs, err := blob.Open(ctx, blobOpts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s, err := NewSession(ctx, store, blobs, creds, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.owned = true
	s.log.Info("connected", "host", ep.Host, "user", creds.Username, "blob_driver", blobs.Driver())
	return s, nil
}

// NewSession authenticates against an already opened catalog. The caller
// keeps ownership of store.
func NewSession(ctx context.Context, store domain.PersistentStore, blobs blob.Store, creds Credentials, opts ...Option) (*Session, error) {
	s := &Session{catalog: store, blobs: blobs, user: creds.Username, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	var user domain.User
	var found bool
	if err := store.View(ctx, func(view domain.TransactionView) error {
		user, found = view.FindUser(strings.TrimSpace(creds.Username))
		return nil
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrAuthentication
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(creds.Password)); err != nil {
		return nil, ErrAuthentication
	}
	return s, nil
}

// HashPassword returns the bcrypt hash stored for new users.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// User returns the authenticated user name.
func (s *Session) User() string { return s.user }

// Close ends the session. Owned catalogs are closed; Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.catalog.Close()
	}
	return nil
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) view(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.catalog.View(ctx, fn)
}

func (s *Session) update(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.catalog.RunInTransaction(ctx, fn)
}

// Plate fetches a plate by id.
func (s *Session) Plate(ctx context.Context, id int64) (domain.Plate, error) {
	var plate domain.Plate
	err := s.view(ctx, func(view domain.TransactionView) error {
		p, ok := view.FindPlate(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityPlate, ID: id}
		}
		plate = p
		return nil
	})
	return plate, err
}

// Wells lists the wells of a plate ordered by row, then column.
func (s *Session) Wells(ctx context.Context, plateID int64) ([]domain.Well, error) {
	var wells []domain.Well
	err := s.view(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindPlate(plateID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityPlate, ID: plateID}
		}
		wells = view.ListWells(plateID)
		return nil
	})
	return wells, err
}

// Image fetches image metadata by id.
func (s *Session) Image(ctx context.Context, id int64) (domain.Image, error) {
	var img domain.Image
	err := s.view(ctx, func(view domain.TransactionView) error {
		found, ok := view.FindImage(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityImage, ID: id}
		}
		img = found
		return nil
	})
	return img, err
}

// WellImage returns the image at index within a well.
func (s *Session) WellImage(ctx context.Context, well domain.Well, index int) (domain.Image, error) {
	if index < 0 || index >= len(well.ImageIDs) {
		return domain.Image{}, fmt.Errorf("well %s has no image at index %d: %w", well.Label(), index, domain.ErrNotFound{Entity: domain.EntityImage, ID: index})
	}
	return s.Image(ctx, well.ImageIDs[index])
}

// Plane reads one (z, c, t) plane of an image.
func (s *Session) Plane(ctx context.Context, img domain.Image, z, c, t int) (domain.Plane, error) {
	if err := s.check(); err != nil {
		return domain.Plane{}, err
	}
	if z < 0 || z >= img.SizeZ || c < 0 || c >= img.SizeC || t < 0 || t >= img.SizeT {
		return domain.Plane{}, fmt.Errorf("plane z=%d c=%d t=%d outside image %d (%dx%dx%d)", z, c, t, img.ID, img.SizeZ, img.SizeC, img.SizeT)
	}
	info, rc, err := s.blobs.Get(ctx, PlaneKey(img.ID, z, c, t))
	if err != nil {
		return domain.Plane{}, fmt.Errorf("read plane: %w", err)
	}
	defer func() { _ = rc.Close() }()
	width, height, data, err := imaging.DecodePlane(rc)
	if err != nil {
		return domain.Plane{}, err
	}
	pixelType := domain.PixelType(info.Metadata["pixel_type"])
	if !pixelType.Valid() {
		pixelType = img.PixelType
	}
	return domain.Plane{ImageID: img.ID, Z: z, C: c, T: t, Width: width, Height: height, PixelType: pixelType, Data: data}, nil
}

// Repositories lists the repositories that accept new files.
func (s *Session) Repositories(ctx context.Context) ([]domain.Repository, error) {
	var repos []domain.Repository
	err := s.view(ctx, func(view domain.TransactionView) error {
		repos = view.ListRepositories()
		return nil
	})
	return repos, err
}

// DefaultRepository returns the first repository.
func (s *Session) DefaultRepository(ctx context.Context) (domain.Repository, error) {
	repos, err := s.Repositories(ctx)
	if err != nil {
		return domain.Repository{}, err
	}
	if len(repos) == 0 {
		return domain.Repository{}, ErrNoRepository
	}
	return repos[0], nil
}

func fileKey(f domain.OriginalFile) string {
	return "files/" + strconv.FormatInt(f.ID, 10) + "/" + f.Name
}

func revisionKey(f domain.OriginalFile, digest string) string {
	return "files/" + strconv.FormatInt(f.ID, 10) + "/" + digest[:16] + "/" + f.Name
}

// CreateFile registers an empty original file in a repository.
func (s *Session) CreateFile(ctx context.Context, repositoryID int64, name, mimetype string) (domain.OriginalFile, error) {
	var file domain.OriginalFile
	err := s.update(ctx, func(tx domain.Transaction) error {
		created, err := tx.CreateOriginalFile(domain.OriginalFile{RepositoryID: repositoryID, Name: name, Mimetype: mimetype})
		if err != nil {
			return err
		}
		created, err = tx.UpdateOriginalFile(created.ID, func(f *domain.OriginalFile) error {
			f.Path = fileKey(*f)
			return nil
		})
		file = created
		return err
	})
	return file, err
}

// WriteFile replaces the content of an original file and records its size
// and digest. Each content revision lives under its own key; the catalog is
// repointed only after the new bytes are stored, so a failed write leaves the
// previous content readable.
func (s *Session) WriteFile(ctx context.Context, fileID int64, data []byte) (domain.OriginalFile, error) {
	var file domain.OriginalFile
	if err := s.view(ctx, func(view domain.TransactionView) error {
		f, ok := view.FindOriginalFile(fileID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityOriginalFile, ID: fileID}
		}
		file = f
		return nil
	}); err != nil {
		return domain.OriginalFile{}, err
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := revisionKey(file, digest)
	if key == file.Path {
		return file, nil
	}
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: file.Mimetype}); err != nil && !errors.Is(err, blob.ErrExists) {
		return domain.OriginalFile{}, fmt.Errorf("write file %d: %w", fileID, err)
	}
	previous := file.Path
	err := s.update(ctx, func(tx domain.Transaction) error {
		updated, err := tx.UpdateOriginalFile(fileID, func(f *domain.OriginalFile) error {
			f.Path = key
			f.Size = int64(len(data))
			f.SHA256 = digest
			return nil
		})
		file = updated
		return err
	})
	if err != nil {
		if _, delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.log.Warn("remove unreferenced file revision", "key", key, "error", delErr)
		}
		return domain.OriginalFile{}, err
	}
	if previous != "" {
		if _, err := s.blobs.Delete(ctx, previous); err != nil {
			s.log.Warn("remove previous file revision", "key", previous, "error", err)
		}
	}
	return file, nil
}

// ReadFile returns the content and record of an original file.
func (s *Session) ReadFile(ctx context.Context, fileID int64) ([]byte, domain.OriginalFile, error) {
	var file domain.OriginalFile
	if err := s.view(ctx, func(view domain.TransactionView) error {
		f, ok := view.FindOriginalFile(fileID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityOriginalFile, ID: fileID}
		}
		file = f
		return nil
	}); err != nil {
		return nil, domain.OriginalFile{}, err
	}
	_, rc, err := s.blobs.Get(ctx, file.Path)
	if err != nil {
		return nil, file, fmt.Errorf("read file %d: %w", fileID, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, file, fmt.Errorf("read file %d: %w", fileID, err)
	}
	return data, file, nil
}

// SaveFileAnnotation creates a file annotation in namespace ns pointing at
// an original file.
func (s *Session) SaveFileAnnotation(ctx context.Context, ns string, fileID int64) (domain.FileAnnotation, error) {
	var ann domain.FileAnnotation
	err := s.update(ctx, func(tx domain.Transaction) error {
		created, err := tx.CreateFileAnnotation(domain.FileAnnotation{Namespace: ns, FileID: fileID})
		ann = created
		return err
	})
	if err != nil {
		return domain.FileAnnotation{}, fmt.Errorf("save file annotation for file %d: %w", fileID, err)
	}
	return ann, nil
}

// LinkAnnotation attaches an annotation to a plate or image.
func (s *Session) LinkAnnotation(ctx context.Context, parentType domain.EntityType, parentID int64, ann domain.FileAnnotation) (domain.AnnotationLink, error) {
	var link domain.AnnotationLink
	err := s.update(ctx, func(tx domain.Transaction) error {
		created, err := tx.LinkAnnotation(domain.AnnotationLink{ParentType: parentType, ParentID: parentID, AnnotationID: ann.ID})
		link = created
		return err
	})
	if err != nil {
		return domain.AnnotationLink{}, fmt.Errorf("link annotation %d to %s %d: %w", ann.ID, parentType, parentID, err)
	}
	s.log.Debug("annotation linked", "annotation", ann.ID, "parent_type", parentType, "parent", parentID, "namespace", ann.Namespace)
	return link, nil
}

// NewTable creates an empty result table in a repository.
func (s *Session) NewTable(ctx context.Context, repositoryID int64, name string) (*tables.Table, error) {
	return tables.Create(ctx, s, repositoryID, name)
}

// OpenTable loads a stored table by its original file id.
func (s *Session) OpenTable(ctx context.Context, fileID int64) (*tables.Table, error) {
	return tables.Open(ctx, s, fileID)
}

// Annotations lists annotations linked to a parent, optionally filtered
// by namespace.
func (s *Session) Annotations(ctx context.Context, parentType domain.EntityType, parentID int64, ns string) ([]domain.FileAnnotation, error) {
	var out []domain.FileAnnotation
	err := s.view(ctx, func(view domain.TransactionView) error {
		for _, link := range view.ListLinks(parentType, parentID) {
			ann, ok := view.FindFileAnnotation(link.AnnotationID)
			if !ok || (ns != "" && ann.Namespace != ns) {
				continue
			}
			out = append(out, ann)
		}
		return nil
	})
	return out, err
}
