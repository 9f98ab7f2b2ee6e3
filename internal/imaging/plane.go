// Package imaging converts pixel planes to and from 16-bit grayscale PNG,
// the on-disk form shared by the blob store and the analysis engine.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"plateflow/pkg/domain"
)

// EncodePlane renders a plane as a 16-bit grayscale PNG.
func EncodePlane(p domain.Plane) ([]byte, error) {
	if p.Width <= 0 || p.Height <= 0 || len(p.Data) != p.Width*p.Height {
		return nil, fmt.Errorf("plane %dx%d has %d samples", p.Width, p.Height, len(p.Data))
	}
	img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: p.At(x, y)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode plane: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePlane reads a PNG back into row-major samples.
func DecodePlane(r io.Reader) (width, height int, data []uint16, err error) {
	img, err := png.Decode(r)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("decode plane: %w", err)
	}
	b := img.Bounds()
	width, height = b.Dx(), b.Dy()
	data = make([]uint16, 0, width*height)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			data = append(data, color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
		}
	}
	return width, height, data, nil
}

// WritePlaneFile encodes p to path.
func WritePlaneFile(path string, p domain.Plane) error {
	encoded, err := EncodePlane(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write plane: %w", err)
	}
	return nil
}
