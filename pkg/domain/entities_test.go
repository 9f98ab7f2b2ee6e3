package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestWellLabel(t *testing.T) {
	cases := map[string]Well{"A1": {Row: 0, Column: 0}, "B3": {Row: 1, Column: 2}, "H12": {Row: 7, Column: 11}}
	for want, w := range cases {
		if got := w.Label(); got != want {
			t.Fatalf("Label() = %s, want %s", got, want)
		}
	}
}

func TestPixelType(t *testing.T) {
	if PixelUint8.MaxValue() != 0xff || PixelUint16.MaxValue() != 0xffff {
		t.Fatalf("unexpected max values")
	}
	if !PixelUint8.Valid() || !PixelUint16.Valid() || PixelType("float").Valid() {
		t.Fatalf("unexpected validity")
	}
}

func TestPlaneAt(t *testing.T) {
	p := Plane{Width: 3, Height: 2, Data: []uint16{0, 1, 2, 3, 4, 5}}
	if p.At(2, 1) != 5 || p.At(0, 1) != 3 {
		t.Fatalf("unexpected sample lookup")
	}
}

func TestErrNotFound(t *testing.T) {
	err := fmt.Errorf("lookup: %w", ErrNotFound{Entity: EntityPlate, ID: int64(3)})
	if !IsNotFound(err) {
		t.Fatalf("expected wrapped not found")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatalf("unexpected match")
	}
	if got := (ErrNotFound{Entity: EntityWell, ID: 9}).Error(); got != "Well 9 not found" {
		t.Fatalf("unexpected message %q", got)
	}
}
