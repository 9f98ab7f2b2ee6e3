// Package memory provides an in-memory implementation of the catalog store
// used for tests and ephemeral environments. Durable backends embed it and
// snapshot its state after every successful transaction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"plateflow/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Plate aliases domain.Plate.
	Plate = domain.Plate
	// Well aliases domain.Well.
	Well = domain.Well
	// Image aliases domain.Image.
	Image = domain.Image
	// OriginalFile aliases domain.OriginalFile.
	OriginalFile = domain.OriginalFile
	// FileAnnotation aliases domain.FileAnnotation.
	FileAnnotation = domain.FileAnnotation
	// AnnotationLink aliases domain.AnnotationLink.
	AnnotationLink = domain.AnnotationLink
	// Repository aliases domain.Repository.
	Repository = domain.Repository
	// User aliases domain.User.
	User = domain.User
)

type memoryState struct {
	users        map[string]User
	repositories map[int64]Repository
	plates       map[int64]Plate
	wells        map[int64]Well
	images       map[int64]Image
	files        map[int64]OriginalFile
	annotations  map[int64]FileAnnotation
	links        map[int64]AnnotationLink
	nextID       int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Users        map[string]User          `json:"users"`
	Repositories map[int64]Repository     `json:"repositories"`
	Plates       map[int64]Plate          `json:"plates"`
	Wells        map[int64]Well           `json:"wells"`
	Images       map[int64]Image          `json:"images"`
	Files        map[int64]OriginalFile   `json:"files"`
	Annotations  map[int64]FileAnnotation `json:"annotations"`
	Links        map[int64]AnnotationLink `json:"links"`
	NextID       int64                    `json:"next_id"`
}

func newMemoryState() memoryState {
	return memoryState{
		users:        make(map[string]User),
		repositories: make(map[int64]Repository),
		plates:       make(map[int64]Plate),
		wells:        make(map[int64]Well),
		images:       make(map[int64]Image),
		files:        make(map[int64]OriginalFile),
		annotations:  make(map[int64]FileAnnotation),
		links:        make(map[int64]AnnotationLink),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		users:        make(map[string]User, len(s.users)),
		repositories: make(map[int64]Repository, len(s.repositories)),
		plates:       make(map[int64]Plate, len(s.plates)),
		wells:        make(map[int64]Well, len(s.wells)),
		images:       make(map[int64]Image, len(s.images)),
		files:        make(map[int64]OriginalFile, len(s.files)),
		annotations:  make(map[int64]FileAnnotation, len(s.annotations)),
		links:        make(map[int64]AnnotationLink, len(s.links)),
		nextID:       s.nextID,
	}
	for k, v := range s.users {
		out.users[k] = cloneUser(v)
	}
	for k, v := range s.repositories {
		out.repositories[k] = v
	}
	for k, v := range s.plates {
		out.plates[k] = v
	}
	for k, v := range s.wells {
		out.wells[k] = cloneWell(v)
	}
	for k, v := range s.images {
		out.images[k] = v
	}
	for k, v := range s.files {
		out.files[k] = v
	}
	for k, v := range s.annotations {
		out.annotations[k] = v
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Users:        c.users,
		Repositories: c.repositories,
		Plates:       c.plates,
		Wells:        c.wells,
		Images:       c.images,
		Files:        c.files,
		Annotations:  c.annotations,
		Links:        c.links,
		NextID:       c.nextID,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Users {
		state.users[k] = v
	}
	for k, v := range s.Repositories {
		state.repositories[k] = v
	}
	for k, v := range s.Plates {
		state.plates[k] = v
	}
	for k, v := range s.Wells {
		state.wells[k] = v
	}
	for k, v := range s.Images {
		state.images[k] = v
	}
	for k, v := range s.Files {
		state.files[k] = v
	}
	for k, v := range s.Annotations {
		state.annotations[k] = v
	}
	for k, v := range s.Links {
		state.links[k] = v
	}
	state.nextID = s.NextID
	// Older snapshots may lack the counter; never hand out an id already in use.
	for _, id := range state.ids() {
		if id > state.nextID {
			state.nextID = id
		}
	}
	return state.clone()
}

func (s memoryState) ids() []int64 {
	var ids []int64
	for id := range s.repositories {
		ids = append(ids, id)
	}
	for id := range s.plates {
		ids = append(ids, id)
	}
	for id := range s.wells {
		ids = append(ids, id)
	}
	for id := range s.images {
		ids = append(ids, id)
	}
	for id := range s.files {
		ids = append(ids, id)
	}
	for id := range s.annotations {
		ids = append(ids, id)
	}
	for id := range s.links {
		ids = append(ids, id)
	}
	return ids
}

func cloneUser(u User) User {
	u.PasswordHash = append([]byte(nil), u.PasswordHash...)
	return u
}

func cloneWell(w Well) Well {
	w.ImageIDs = append([]int64(nil), w.ImageIDs...)
	return w
}

// Store is an in-memory catalog guarded by a RWMutex. Transactions operate
// on a cloned state that replaces the live state only when fn succeeds.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory catalog.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the current state with the supplied snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// SetNowFunc overrides the clock used for created timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

type transaction struct {
	state memoryState
	now   time.Time
}

// RunInTransaction applies fn to a cloned state and commits it on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

func (tx *transaction) newID() int64 {
	tx.state.nextID++
	return tx.state.nextID
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) CreateUser(u User) (User, error) {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		return User{}, fmt.Errorf("user name required")
	}
	if _, exists := tx.state.users[name]; exists {
		return User{}, fmt.Errorf("user %s already exists", name)
	}
	u.Name = name
	tx.state.users[name] = cloneUser(u)
	return cloneUser(u), nil
}

func (tx *transaction) CreateRepository(r Repository) (Repository, error) {
	if strings.TrimSpace(r.Name) == "" {
		return Repository{}, fmt.Errorf("repository name required")
	}
	r.ID = tx.newID()
	tx.state.repositories[r.ID] = r
	return r, nil
}

func (tx *transaction) CreatePlate(p Plate) (Plate, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Plate{}, fmt.Errorf("plate name required")
	}
	p.ID = tx.newID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = tx.now
	}
	tx.state.plates[p.ID] = p
	return p, nil
}

func (tx *transaction) CreateWell(w Well) (Well, error) {
	if _, ok := tx.state.plates[w.PlateID]; !ok {
		return Well{}, domain.ErrNotFound{Entity: domain.EntityPlate, ID: w.PlateID}
	}
	for _, existing := range tx.state.wells {
		if existing.PlateID == w.PlateID && existing.Row == w.Row && existing.Column == w.Column {
			return Well{}, fmt.Errorf("well %s already exists on plate %d", w.Label(), w.PlateID)
		}
	}
	for _, imageID := range w.ImageIDs {
		if _, ok := tx.state.images[imageID]; !ok {
			return Well{}, domain.ErrNotFound{Entity: domain.EntityImage, ID: imageID}
		}
	}
	w.ID = tx.newID()
	tx.state.wells[w.ID] = cloneWell(w)
	return cloneWell(w), nil
}

func (tx *transaction) CreateImage(img Image) (Image, error) {
	if img.SizeX <= 0 || img.SizeY <= 0 {
		return Image{}, fmt.Errorf("image %q requires positive dimensions", img.Name)
	}
	if img.SizeZ <= 0 {
		img.SizeZ = 1
	}
	if img.SizeC <= 0 {
		img.SizeC = 1
	}
	if img.SizeT <= 0 {
		img.SizeT = 1
	}
	if img.PixelType == "" {
		img.PixelType = domain.PixelUint16
	}
	if !img.PixelType.Valid() {
		return Image{}, fmt.Errorf("unsupported pixel type %s", img.PixelType)
	}
	img.ID = tx.newID()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = tx.now
	}
	tx.state.images[img.ID] = img
	return img, nil
}

func (tx *transaction) AttachImage(wellID, imageID int64) (Well, error) {
	w, ok := tx.state.wells[wellID]
	if !ok {
		return Well{}, domain.ErrNotFound{Entity: domain.EntityWell, ID: wellID}
	}
	if _, ok := tx.state.images[imageID]; !ok {
		return Well{}, domain.ErrNotFound{Entity: domain.EntityImage, ID: imageID}
	}
	w = cloneWell(w)
	w.ImageIDs = append(w.ImageIDs, imageID)
	tx.state.wells[wellID] = w
	return cloneWell(w), nil
}

func (tx *transaction) CreateOriginalFile(f OriginalFile) (OriginalFile, error) {
	if _, ok := tx.state.repositories[f.RepositoryID]; !ok {
		return OriginalFile{}, domain.ErrNotFound{Entity: domain.EntityRepository, ID: f.RepositoryID}
	}
	f.ID = tx.newID()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = tx.now
	}
	tx.state.files[f.ID] = f
	return f, nil
}

func (tx *transaction) UpdateOriginalFile(id int64, mutator func(*OriginalFile) error) (OriginalFile, error) {
	f, ok := tx.state.files[id]
	if !ok {
		return OriginalFile{}, domain.ErrNotFound{Entity: domain.EntityOriginalFile, ID: id}
	}
	if err := mutator(&f); err != nil {
		return OriginalFile{}, err
	}
	f.ID = id
	tx.state.files[id] = f
	return f, nil
}

func (tx *transaction) CreateFileAnnotation(a FileAnnotation) (FileAnnotation, error) {
	if _, ok := tx.state.files[a.FileID]; !ok {
		return FileAnnotation{}, domain.ErrNotFound{Entity: domain.EntityOriginalFile, ID: a.FileID}
	}
	a.ID = tx.newID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = tx.now
	}
	tx.state.annotations[a.ID] = a
	return a, nil
}

func (tx *transaction) LinkAnnotation(l AnnotationLink) (AnnotationLink, error) {
	if _, ok := tx.state.annotations[l.AnnotationID]; !ok {
		return AnnotationLink{}, domain.ErrNotFound{Entity: domain.EntityFileAnnotation, ID: l.AnnotationID}
	}
	switch l.ParentType {
	case domain.EntityPlate:
		if _, ok := tx.state.plates[l.ParentID]; !ok {
			return AnnotationLink{}, domain.ErrNotFound{Entity: domain.EntityPlate, ID: l.ParentID}
		}
	case domain.EntityImage:
		if _, ok := tx.state.images[l.ParentID]; !ok {
			return AnnotationLink{}, domain.ErrNotFound{Entity: domain.EntityImage, ID: l.ParentID}
		}
	default:
		return AnnotationLink{}, fmt.Errorf("cannot link annotations to %s", l.ParentType)
	}
	l.ID = tx.newID()
	tx.state.links[l.ID] = l
	return l, nil
}

type transactionView struct {
	state *memoryState
}

func (v transactionView) FindUser(name string) (User, bool) {
	u, ok := v.state.users[name]
	if !ok {
		return User{}, false
	}
	return cloneUser(u), true
}

func (v transactionView) FindPlate(id int64) (Plate, bool) {
	p, ok := v.state.plates[id]
	return p, ok
}

func (v transactionView) FindWell(id int64) (Well, bool) {
	w, ok := v.state.wells[id]
	if !ok {
		return Well{}, false
	}
	return cloneWell(w), true
}

func (v transactionView) FindImage(id int64) (Image, bool) {
	img, ok := v.state.images[id]
	return img, ok
}

func (v transactionView) FindOriginalFile(id int64) (OriginalFile, bool) {
	f, ok := v.state.files[id]
	return f, ok
}

func (v transactionView) FindFileAnnotation(id int64) (FileAnnotation, bool) {
	a, ok := v.state.annotations[id]
	return a, ok
}

// ListRepositories returns repositories ordered by id, so the first entry is
// the oldest registered location.
func (v transactionView) ListRepositories() []Repository {
	out := make([]Repository, 0, len(v.state.repositories))
	for _, r := range v.state.repositories {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListPlates() []Plate {
	out := make([]Plate, 0, len(v.state.plates))
	for _, p := range v.state.plates {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListWells returns the plate's wells in row-major plate order.
func (v transactionView) ListWells(plateID int64) []Well {
	var out []Well
	for _, w := range v.state.wells {
		if w.PlateID == plateID {
			out = append(out, cloneWell(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		if out[i].Column != out[j].Column {
			return out[i].Column < out[j].Column
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) ListLinks(parentType domain.EntityType, parentID int64) []AnnotationLink {
	var out []AnnotationLink
	for _, l := range v.state.links {
		if l.ParentType == parentType && l.ParentID == parentID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
