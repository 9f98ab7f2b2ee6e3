package gateway

import (
	"context"
	"fmt"
	"math/rand"

	"plateflow/internal/blob"
	"plateflow/pkg/domain"
)

// Manifest describes catalog content to import: users, repositories and
// plates with synthetic pixel data.
type Manifest struct {
	Users        []UserSpec  `yaml:"users"`
	Repositories []string    `yaml:"repositories"`
	Plates       []PlateSpec `yaml:"plates"`
}

// UserSpec is an experimenter account.
type UserSpec struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// PlateSpec is a plate and its wells.
type PlateSpec struct {
	Name    string     `yaml:"name"`
	Rows    int        `yaml:"rows"`
	Columns int        `yaml:"columns"`
	Wells   []WellSpec `yaml:"wells"`
}

// WellSpec places images at a plate position.
type WellSpec struct {
	Row    int         `yaml:"row"`
	Column int         `yaml:"column"`
	Images []ImageSpec `yaml:"images"`
}

// ImageSpec describes a synthetic image. Channel 0 receives Spots bright
// disks on a dark background; other channels receive a dimmer copy.
type ImageSpec struct {
	Name      string           `yaml:"name"`
	SizeX     int              `yaml:"size_x"`
	SizeY     int              `yaml:"size_y"`
	SizeC     int              `yaml:"size_c"`
	PixelType domain.PixelType `yaml:"pixel_type"`
	Spots     int              `yaml:"spots"`
	Seed      int64            `yaml:"seed"`
}

// SeedResult reports what Seed created.
type SeedResult struct {
	Plates []domain.Plate
	Images int
}

// Seed writes the manifest into the catalog and the planes into blobs.
// Catalog records are created in a single transaction before any pixels are
// written.
func Seed(ctx context.Context, store domain.PersistentStore, blobs blob.Store, m Manifest) (SeedResult, error) {
	var res SeedResult
	var planes []domain.Plane
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, u := range m.Users {
			hash, err := HashPassword(u.Password)
			if err != nil {
				return fmt.Errorf("hash password for %s: %w", u.Name, err)
			}
			if _, err := tx.CreateUser(domain.User{Name: u.Name, PasswordHash: hash}); err != nil {
				return err
			}
		}
		for _, name := range m.Repositories {
			if _, err := tx.CreateRepository(domain.Repository{Name: name}); err != nil {
				return err
			}
		}
		for _, ps := range m.Plates {
			plate, err := tx.CreatePlate(domain.Plate{Name: ps.Name, Rows: ps.Rows, Columns: ps.Columns})
			if err != nil {
				return err
			}
			res.Plates = append(res.Plates, plate)
			for _, ws := range ps.Wells {
				well, err := tx.CreateWell(domain.Well{PlateID: plate.ID, Row: ws.Row, Column: ws.Column})
				if err != nil {
					return err
				}
				for _, is := range ws.Images {
					img, err := tx.CreateImage(domain.Image{Name: is.Name, SizeX: is.SizeX, SizeY: is.SizeY, SizeC: is.SizeC, PixelType: is.PixelType})
					if err != nil {
						return err
					}
					if _, err := tx.AttachImage(well.ID, img.ID); err != nil {
						return err
					}
					planes = append(planes, synthesize(img, is)...)
					res.Images++
				}
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed catalog: %w", err)
	}
	for _, p := range planes {
		if err := WritePlane(ctx, blobs, p); err != nil {
			return SeedResult{}, err
		}
	}
	return res, nil
}

func synthesize(img domain.Image, spec ImageSpec) []domain.Plane {
	rng := rand.New(rand.NewSource(spec.Seed + img.ID))
	maxValue := int(img.PixelType.MaxValue())
	background := make([]uint16, img.SizeX*img.SizeY)
	for i := range background {
		background[i] = uint16(rng.Intn(maxValue/50 + 1))
	}
	type spot struct{ x, y, r int }
	spots := make([]spot, spec.Spots)
	for i := range spots {
		r := 2 + rng.Intn(3)
		spots[i] = spot{x: r + rng.Intn(max(1, img.SizeX-2*r)), y: r + rng.Intn(max(1, img.SizeY-2*r)), r: r}
	}
	var planes []domain.Plane
	for z := 0; z < img.SizeZ; z++ {
		for c := 0; c < img.SizeC; c++ {
			for t := 0; t < img.SizeT; t++ {
				data := append([]uint16(nil), background...)
				level := maxValue * 3 / 4
				if c > 0 {
					level = maxValue / 3
				}
				for _, s := range spots {
					for y := s.y - s.r; y <= s.y+s.r; y++ {
						for x := s.x - s.r; x <= s.x+s.r; x++ {
							if x < 0 || y < 0 || x >= img.SizeX || y >= img.SizeY {
								continue
							}
							if (x-s.x)*(x-s.x)+(y-s.y)*(y-s.y) <= s.r*s.r {
								data[y*img.SizeX+x] = uint16(level)
							}
						}
					}
				}
				planes = append(planes, domain.Plane{ImageID: img.ID, Z: z, C: c, T: t, Width: img.SizeX, Height: img.SizeY, PixelType: img.PixelType, Data: data})
			}
		}
	}
	return planes
}
