// Package report renders the diagnostic artifacts of a run: the descriptive
// summary, the per-image means and a histogram grid over the measurements.
// The artifacts are for offline inspection and are not uploaded.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"path"
	"strings"

	"plateflow/internal/blob"
	"plateflow/internal/frame"
)

// DefaultBins is the number of buckets per histogram.
const DefaultBins = 10

// DefaultExclude lists identifier and classification columns that are not
// plotted.
var DefaultExclude = []string{
	"Image", "ImageNumber", "Well", "ObjectNumber", "Number_Object_Number",
	"Classify_PH3Neg", "Classify_PH3Pos",
}

// ErrReportExists is returned when the report prefix already holds artifacts.
var ErrReportExists = errors.New("report: prefix already holds artifacts")

// Artifact names written by Write.
const (
	DescribeFile   = "describe.csv"
	SummaryFile    = "summary.csv"
	HistogramsFile = "histograms.png"
)

const (
	cellWidth  = 200
	cellHeight = 150
	cellMargin = 10
)

// Histogram is the equal-width binning of one column.
type Histogram struct {
	Column string
	Min    float64
	Max    float64
	Counts []int
}

// Compute bins values into bins equal-width buckets over [min, max]. The
// maximum falls into the last bucket; a constant column puts every value in
// the middle bucket. NaN and ±Inf are not counted.
func Compute(column string, values []float64, bins int) Histogram {
	if bins < 1 {
		bins = DefaultBins
	}
	h := Histogram{Column: column, Counts: make([]int, bins)}
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	values = finite
	if len(values) == 0 {
		return h
	}
	h.Min, h.Max = values[0], values[0]
	for _, v := range values[1:] {
		h.Min = math.Min(h.Min, v)
		h.Max = math.Max(h.Max, v)
	}
	width := (h.Max - h.Min) / float64(bins)
	for _, v := range values {
		i := bins / 2
		if width > 0 {
			i = int((v - h.Min) / width)
			i = min(max(i, 0), bins-1)
		}
		h.Counts[i]++
	}
	return h
}

// Histograms computes one histogram per numeric column of f not named in
// exclude, in column order.
func Histograms(f *frame.Frame, bins int, exclude []string) []Histogram {
	plotted := f.Drop(exclude...)
	var out []Histogram
	for _, s := range plotted.Series() {
		if !s.Numeric() {
			continue
		}
		vals, err := plotted.Values(s.Name)
		if err != nil {
			continue
		}
		out = append(out, Compute(s.Name, vals, bins))
	}
	return out
}

// RenderPNG draws the histograms as a near-square grid of bar charts.
func RenderPNG(hists []Histogram) ([]byte, error) {
	cols := int(math.Ceil(math.Sqrt(float64(len(hists)))))
	if cols < 1 {
		cols = 1
	}
	rows := (len(hists) + cols - 1) / cols
	if rows < 1 {
		rows = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, cols*cellWidth, rows*cellHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	axis := &image.Uniform{color.RGBA{64, 64, 64, 255}}
	bar := &image.Uniform{color.RGBA{0, 102, 204, 255}}
	for n, h := range hists {
		ox := (n % cols) * cellWidth
		oy := (n / cols) * cellHeight
		base := oy + cellHeight - cellMargin
		draw.Draw(img, image.Rect(ox+cellMargin, base, ox+cellWidth-cellMargin, base+1), axis, image.Point{}, draw.Src)
		peak := 0
		for _, c := range h.Counts {
			peak = max(peak, c)
		}
		if peak == 0 || len(h.Counts) == 0 {
			continue
		}
		barWidth := (cellWidth - 2*cellMargin) / len(h.Counts)
		if barWidth < 2 {
			barWidth = 2
		}
		for i, c := range h.Counts {
			x0 := ox + cellMargin + i*barWidth
			x1 := x0 + barWidth - 1
			top := base - int(float64(cellHeight-3*cellMargin)*float64(c)/float64(peak))
			draw.Draw(img, image.Rect(x0, top, x1, base), bar, image.Point{}, draw.Src)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write stores describe.csv, summary.csv and histograms.png under prefix,
// which must not hold any objects yet.
// all is the concatenated per-object table; summary is the per-image means.
func Write(ctx context.Context, store blob.Store, prefix string, all, summary *frame.Frame, exclude []string) ([]blob.Info, error) {
	existing, err := store.List(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: %s holds %d objects", ErrReportExists, prefix, len(existing))
	}
	var describe bytes.Buffer
	if err := all.Describe().WriteCSV(&describe); err != nil {
		return nil, fmt.Errorf("encode describe: %w", err)
	}
	var means bytes.Buffer
	if err := summary.WriteCSV(&means); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	grid, err := RenderPNG(Histograms(all, DefaultBins, exclude))
	if err != nil {
		return nil, fmt.Errorf("render histograms: %w", err)
	}
	artifacts := []struct {
		name, contentType string
		data              []byte
	}{
		{DescribeFile, "text/csv", describe.Bytes()},
		{SummaryFile, "text/csv", means.Bytes()},
		{HistogramsFile, "image/png", grid},
	}
	infos := make([]blob.Info, 0, len(artifacts))
	for _, a := range artifacts {
		info, err := store.Put(ctx, path.Join(prefix, a.name), bytes.NewReader(a.data), blob.PutOptions{ContentType: a.contentType})
		if err != nil {
			return infos, fmt.Errorf("store %s: %w", a.name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
