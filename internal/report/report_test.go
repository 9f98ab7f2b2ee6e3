package report

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"math"
	"strings"
	"testing"

	"plateflow/internal/blob"
	"plateflow/internal/frame"
)

func TestCompute(t *testing.T) {
	h := Compute("x", []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 10)
	if h.Min != 0 || h.Max != 10 {
		t.Fatalf("unexpected range %v..%v", h.Min, h.Max)
	}
	total := 0
	for _, c := range h.Counts {
		total += c
	}
	if total != 11 || h.Counts[9] != 2 {
		t.Fatalf("unexpected counts %v", h.Counts)
	}
	flat := Compute("y", []float64{3, 3, 3}, 10)
	if flat.Counts[5] != 3 {
		t.Fatalf("constant column should fill the middle bucket: %v", flat.Counts)
	}
	if empty := Compute("z", nil, 0); len(empty.Counts) != DefaultBins {
		t.Fatalf("expected default bins, got %d", len(empty.Counts))
	}
}

func TestHistogramsIgnoreInfiniteValues(t *testing.T) {
	f, err := frame.ReadCSV(strings.NewReader("ObjectNumber,Intensity_Ratio\n1,0.5\n2,inf\n3,1.5\n4,-inf\n"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	hists := Histograms(f, DefaultBins, DefaultExclude)
	if len(hists) != 1 {
		t.Fatalf("expected one histogram, got %+v", hists)
	}
	h := hists[0]
	if h.Min != 0.5 || h.Max != 1.5 {
		t.Fatalf("infinite values must not widen the range: %v..%v", h.Min, h.Max)
	}
	if h.Counts[0] != 1 || h.Counts[DefaultBins-1] != 1 {
		t.Fatalf("unexpected counts %v", h.Counts)
	}
	allInf := Compute("x", []float64{math.Inf(1), math.Inf(-1)}, 4)
	for _, c := range allInf.Counts {
		if c != 0 {
			t.Fatalf("expected empty histogram, got %v", allInf.Counts)
		}
	}
	if _, err := RenderPNG(hists); err != nil {
		t.Fatalf("render: %v", err)
	}
}

func measurements(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(
		frame.NewInt("ImageNumber", []int64{1, 1, 1}),
		frame.NewInt("ObjectNumber", []int64{1, 2, 3}),
		frame.NewInt("AreaShape_Area", []int64{100, 150, 200}),
		frame.NewFloat("Intensity", []float64{0.1, math.NaN(), 0.3}),
		frame.NewInt("Classify_PH3Pos", []int64{0, 1, 0}),
		frame.NewInt("Image", []int64{7, 7, 8}),
		frame.NewInt("Well", []int64{3, 3, 4}),
	)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	return f
}

func TestHistogramsSkipExcludedColumns(t *testing.T) {
	hists := Histograms(measurements(t), DefaultBins, DefaultExclude)
	if len(hists) != 2 || hists[0].Column != "AreaShape_Area" || hists[1].Column != "Intensity" {
		t.Fatalf("unexpected histograms %+v", hists)
	}
	sum := 0
	for _, c := range hists[1].Counts {
		sum += c
	}
	if sum != 2 {
		t.Fatalf("NaN must not be binned: %v", hists[1].Counts)
	}
}

func TestRenderPNG(t *testing.T) {
	hists := []Histogram{Compute("a", []float64{1, 2}, 10), Compute("b", []float64{1}, 10), Compute("c", nil, 10)}
	data, err := RenderPNG(hists)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2*cellWidth || b.Dy() != 2*cellHeight {
		t.Fatalf("unexpected grid size %v", b)
	}
	if _, err := RenderPNG(nil); err != nil {
		t.Fatalf("render empty: %v", err)
	}
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	all := measurements(t)
	summary, err := all.GroupMean("Image")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	infos, err := Write(ctx, store, "runs/r1", all, summary, DefaultExclude)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(infos))
	}
	_, rc, err := store.Get(ctx, "runs/r1/summary.csv")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	defer func() { _ = rc.Close() }()
	body, _ := io.ReadAll(rc)
	if !strings.HasPrefix(string(body), "Image,ImageNumber,ObjectNumber,AreaShape_Area,Intensity,Classify_PH3Pos,Well\n") {
		t.Fatalf("unexpected summary %q", body)
	}
	listed, err := store.List(ctx, "runs/r1/")
	if err != nil || len(listed) != 3 {
		t.Fatalf("expected 3 listed artifacts, got %d (%v)", len(listed), err)
	}
	if _, err := Write(ctx, store, "runs/r1", all, summary, DefaultExclude); !errors.Is(err, ErrReportExists) {
		t.Fatalf("expected ErrReportExists, got %v", err)
	}
	if _, err := store.Put(ctx, "runs/r2/notes.txt", strings.NewReader("x"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := Write(ctx, store, "runs/r2/", all, summary, DefaultExclude); !errors.Is(err, ErrReportExists) {
		t.Fatalf("expected ErrReportExists for a used prefix, got %v", err)
	}
	if _, _, err := store.Get(ctx, "runs/r2/summary.csv"); err == nil {
		t.Fatalf("nothing may be written under a used prefix")
	}
}
