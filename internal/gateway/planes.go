package gateway

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"plateflow/internal/blob"
	"plateflow/internal/imaging"
	"plateflow/pkg/domain"
)

// PlaneKey is the blob key holding the pixels of one image plane.
func PlaneKey(imageID int64, z, c, t int) string {
	return fmt.Sprintf("planes/%d/z%d-c%d-t%d.png", imageID, z, c, t)
}

// WritePlane stores the pixels of p. Used by importers and fixtures.
func WritePlane(ctx context.Context, store blob.Store, p domain.Plane) error {
	encoded, err := imaging.EncodePlane(p)
	if err != nil {
		return err
	}
	pixelType := p.PixelType
	if pixelType == "" {
		pixelType = domain.PixelUint16
	}
	_, err = store.Put(ctx, PlaneKey(p.ImageID, p.Z, p.C, p.T), bytes.NewReader(encoded), blob.PutOptions{
		ContentType: "image/png",
		Metadata:    map[string]string{"pixel_type": string(pixelType), "channel": strconv.Itoa(p.C)},
	})
	if err != nil {
		return fmt.Errorf("store plane %d/%d/%d of image %d: %w", p.Z, p.C, p.T, p.ImageID, err)
	}
	return nil
}
