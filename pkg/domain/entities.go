// Package domain defines the repository entities read and written by
// plateflow: the plate/well/image hierarchy, pixel planes, and the file
// annotations that attach result tables to plates.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the type of record stored in the catalog.
type EntityType string

// Supported entity type identifiers used for lookups and persistence buckets.
const (
	// EntityPlate identifies a microtiter plate.
	EntityPlate EntityType = "Plate"
	// EntityWell identifies a single well on a plate.
	EntityWell EntityType = "Well"
	// EntityImage identifies an acquired image.
	EntityImage EntityType = "Image"
	// EntityOriginalFile identifies a stored file such as a table's backing file.
	EntityOriginalFile EntityType = "OriginalFile"
	// EntityFileAnnotation identifies a namespaced file annotation.
	EntityFileAnnotation EntityType = "FileAnnotation"
	// EntityRepository identifies a storage location for new files.
	EntityRepository EntityType = "Repository"
	EntityUser       EntityType = "Experimenter"
)

// NSBulkAnnotations is the namespace that marks a file annotation as a bulk
// annotation table attached to a container.
const NSBulkAnnotations = "openmicroscopy.org/omero/bulk_annotations"

// PixelType enumerates the supported raw pixel encodings.
type PixelType string

// Supported pixel types.
const (
	PixelUint8  PixelType = "uint8"
	PixelUint16 PixelType = "uint16"
)

// MaxValue returns the largest sample value representable by the pixel type.
func (p PixelType) MaxValue() uint16 {
	if p == PixelUint8 {
		return 0xff
	}
	return 0xffff
}

// Valid reports whether the pixel type is supported.
func (p PixelType) Valid() bool {
	return p == PixelUint8 || p == PixelUint16
}

// Plate is a container of wells.
type Plate struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Rows      int       `json:"rows,omitempty"`
	Columns   int       `json:"columns,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Well holds the images acquired for one plate position. ImageIDs are ordered
// by acquisition (well sample index).
type Well struct {
	ID       int64   `json:"id"`
	PlateID  int64   `json:"plate_id"`
	Row      int     `json:"row"`
	Column   int     `json:"column"`
	ImageIDs []int64 `json:"image_ids"`
}

// Label renders the conventional A1-style position label.
func (w Well) Label() string {
	return fmt.Sprintf("%c%d", 'A'+rune(w.Row), w.Column+1)
}

// Image describes an acquired multi-dimensional image.
type Image struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	SizeX     int       `json:"size_x"`
	SizeY     int       `json:"size_y"`
	SizeZ     int       `json:"size_z"`
	SizeC     int       `json:"size_c"`
	SizeT     int       `json:"size_t"`
	PixelType PixelType `json:"pixel_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Plane is a single 2-D slice of an image at (z, c, t). Data is row-major.
type Plane struct {
	ImageID   int64     `json:"image_id"`
	Z         int       `json:"z"`
	C         int       `json:"c"`
	T         int       `json:"t"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	PixelType PixelType `json:"pixel_type"`
	Data      []uint16  `json:"-"`
}

// At returns the sample at (x, y).
func (p Plane) At(x, y int) uint16 {
	return p.Data[y*p.Width+x]
}

// Repository describes a storage location that can hold new original files.
type Repository struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// OriginalFile references stored bytes such as a table's backing file.
type OriginalFile struct {
	ID           int64     `json:"id"`
	RepositoryID int64     `json:"repository_id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	Mimetype     string    `json:"mimetype"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileAnnotation attaches an original file to other objects under a namespace.
type FileAnnotation struct {
	ID        int64     `json:"id"`
	Namespace string    `json:"namespace"`
	FileID    int64     `json:"file_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AnnotationLink joins an annotation to a parent object.
type AnnotationLink struct {
	ID           int64      `json:"id"`
	ParentType   EntityType `json:"parent_type"`
	ParentID     int64      `json:"parent_id"`
	AnnotationID int64      `json:"annotation_id"`
}

// User is an experimenter allowed to open sessions.
type User struct {
	Name         string `json:"name"`
	PasswordHash []byte `json:"password_hash"`
}
