// Package analysis runs the prepared pipeline over the first wells of a
// plate, one image per well, and collects the per-object measurements the
// engine exports.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"plateflow/internal/engine"
	"plateflow/internal/executor"
	"plateflow/internal/frame"
	"plateflow/internal/pipeline"
	"plateflow/pkg/domain"
)

// DefaultWellLimit is the number of wells analysed per plate.
const DefaultWellLimit = 5

// ResultsFile is the per-object export written by the pipeline.
const ResultsFile = "Nuclei.csv"

// Columns added to every per-image result.
const (
	ColumnImage     = "Image"
	ColumnWell      = "Well"
	ColumnCellCount = "Cell_Count"
)

var (
	// ErrUnmappedChannel is returned in strict mode for a channel without a label.
	ErrUnmappedChannel = errors.New("analysis: channel has no label")
	// ErrMissingResults is returned when the engine produced no results file.
	ErrMissingResults = errors.New("analysis: engine produced no results")
	// ErrNoImages is returned when an analysed well holds no image.
	ErrNoImages = errors.New("analysis: well has no images")
)

// ChannelPolicy decides how channels without a configured label are named.
type ChannelPolicy string

// Channel policies.
const (
	// PolicyStrict fails on unmapped channels.
	PolicyStrict ChannelPolicy = "strict"
	// PolicyLegacy labels unmapped channels with the image name.
	PolicyLegacy ChannelPolicy = "legacy"
)

// DefaultChannels maps channel index to the image names the pipeline expects.
func DefaultChannels() map[int]string {
	return map[int]string{0: "OrigBlue", 1: "OrigGreen"}
}

// Source is the read side of a repository session.
type Source interface {
	Wells(ctx context.Context, plateID int64) ([]domain.Well, error)
	WellImage(ctx context.Context, well domain.Well, index int) (domain.Image, error)
	Plane(ctx context.Context, img domain.Image, z, c, t int) (domain.Plane, error)
}

// Engine runs a pipeline inside a workspace.
type Engine interface {
	Run(ctx context.Context, p *pipeline.Pipeline, ws *engine.Workspace) (*executor.Result, error)
}

// Observer is notified after each image is analysed.
type Observer func(well domain.Well, img domain.Image, objects int)

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithWellLimit overrides DefaultWellLimit. Values below one are ignored.
func WithWellLimit(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.wellLimit = n
		}
	}
}

// WithChannels replaces the channel label table.
func WithChannels(labels map[int]string) Option {
	return func(a *Analyzer) {
		a.channels = make(map[int]string, len(labels))
		for c, name := range labels {
			a.channels[c] = name
		}
	}
}

// WithChannelPolicy selects how unmapped channels are handled.
func WithChannelPolicy(p ChannelPolicy) Option {
	return func(a *Analyzer) {
		if p != "" {
			a.policy = p
		}
	}
}

// WithWorkDir sets the parent directory of per-image workspaces.
func WithWorkDir(dir string) Option {
	return func(a *Analyzer) { a.workDir = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.log = l
		}
	}
}

// WithObserver registers a callback invoked per analysed image.
func WithObserver(fn Observer) Option {
	return func(a *Analyzer) { a.observe = fn }
}

// Analyzer runs the per-well loop.
type Analyzer struct {
	source    Source
	engine    Engine
	wellLimit int
	channels  map[int]string
	policy    ChannelPolicy
	workDir   string
	log       *slog.Logger
	observe   Observer
}

// New builds an Analyzer reading from src and running eng.
func New(src Source, eng Engine, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		source:    src,
		engine:    eng,
		wellLimit: DefaultWellLimit,
		channels:  DefaultChannels(),
		policy:    PolicyStrict,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy != PolicyStrict && a.policy != PolicyLegacy {
		return nil, fmt.Errorf("analysis: unknown channel policy %q", a.policy)
	}
	seen := make(map[string]int, len(a.channels))
	for c, name := range a.channels {
		if c < 0 || name == "" {
			return nil, fmt.Errorf("analysis: invalid channel label %d=%q", c, name)
		}
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("analysis: label %q used for channels %d and %d", name, prev, c)
		}
		seen[name] = c
	}
	return a, nil
}

// Labels returns the label of every channel of img in channel order.
func (a *Analyzer) Labels(img domain.Image) ([]string, error) {
	labels := make([]string, img.SizeC)
	for c := 0; c < img.SizeC; c++ {
		name, ok := a.channels[c]
		if !ok {
			if a.policy == PolicyStrict {
				return nil, fmt.Errorf("%w: image %d channel %d", ErrUnmappedChannel, img.ID, c)
			}
			name = img.Name
		}
		labels[c] = name
	}
	return labels, nil
}

// Analyze processes the first wells of plate and returns one frame per
// analysed image. Any failure aborts the batch.
func (a *Analyzer) Analyze(ctx context.Context, plate domain.Plate, p *pipeline.Pipeline) ([]*frame.Frame, error) {
	wells, err := a.source.Wells(ctx, plate.ID)
	if err != nil {
		return nil, fmt.Errorf("list wells of plate %d: %w", plate.ID, err)
	}
	if len(wells) > a.wellLimit {
		wells = wells[:a.wellLimit]
	}
	a.log.Info("analysing plate", "plate", plate.ID, "wells", len(wells))
	results := make([]*frame.Frame, 0, len(wells))
	for _, well := range wells {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(well.ImageIDs) == 0 {
			return nil, fmt.Errorf("%w: well %d (%s)", ErrNoImages, well.ID, well.Label())
		}
		img, err := a.source.WellImage(ctx, well, 0)
		if err != nil {
			return nil, fmt.Errorf("well %d: %w", well.ID, err)
		}
		f, err := a.analyzeImage(ctx, well, img, p)
		if err != nil {
			return nil, fmt.Errorf("well %d image %d: %w", well.ID, img.ID, err)
		}
		a.log.Info("image analysed", "well", well.ID, "label", well.Label(), "image", img.ID, "objects", f.Len())
		if a.observe != nil {
			a.observe(well, img, f.Len())
		}
		results = append(results, f)
	}
	return results, nil
}

func (a *Analyzer) analyzeImage(ctx context.Context, well domain.Well, img domain.Image, p *pipeline.Pipeline) (*frame.Frame, error) {
	labels, err := a.Labels(img)
	if err != nil {
		return nil, err
	}
	ws, err := engine.NewWorkspace(a.workDir, "plateflow-"+strconv.FormatInt(img.ID, 10))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			a.log.Warn("remove workspace", "dir", ws.Dir, "error", err)
		}
	}()

	run := p.Copy()
	for c, label := range labels {
		plane, err := a.source.Plane(ctx, img, 0, c, 0)
		if err != nil {
			return nil, err
		}
		path, err := ws.WritePlane(fmt.Sprintf("c%d", c), plane)
		if err != nil {
			return nil, err
		}
		run.AddModule(pipeline.NewInjectImage(label, path), 1)
	}
	if _, err := a.engine.Run(ctx, run, ws); err != nil {
		return nil, err
	}
	out := ws.Output(ResultsFile)
	if _, err := os.Stat(out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingResults, ResultsFile)
		}
		return nil, err
	}
	f, err := frame.ReadCSVFile(out)
	if err != nil {
		return nil, err
	}
	f.SetConstInt(ColumnImage, img.ID)
	f.SetConstInt(ColumnWell, well.ID)
	f.SetConstInt(ColumnCellCount, int64(f.Len()))
	return f, nil
}
