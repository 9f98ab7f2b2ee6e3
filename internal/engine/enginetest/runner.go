// Package enginetest provides a stand-in for the external pipeline engine.
// It reads the pipeline the engine would receive, checks the injected planes
// and writes a synthetic Nuclei.csv with a chosen number of objects.
package enginetest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"plateflow/internal/executor"
	"plateflow/internal/pipeline"
)

// Header is the column layout of the synthetic Nuclei.csv.
var Header = []string{
	"ImageNumber", "ObjectNumber", "Number_Object_Number", "AreaShape_Area",
	"Intensity_MeanIntensity_OrigGreen", "Location_Center_X", "Location_Center_Y",
	"Classify_PH3Neg", "Classify_PH3Pos",
}

// Injection is one InjectImage module seen by the fake engine.
type Injection struct {
	Name       string
	Path       string
	FileExists bool
}

// Call records one engine invocation.
type Call struct {
	Program    string
	Args       []string
	Modules    []string
	Injections []Injection
	OutputDir  string
}

// Runner implements executor.Runner.
type Runner struct {
	// Counts gives the object count for the n-th call (0-based); missing
	// entries produce zero objects.
	Counts []int
	// SkipOutput makes the engine exit cleanly without writing Nuclei.csv.
	SkipOutput bool
	// Err fails every call.
	Err error

	mu    sync.Mutex
	calls []Call
}

// Calls returns the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Run parses the -p and -o arguments, records the call and writes output.
func (r *Runner) Run(ctx context.Context, program string, args []string, _ ...executor.Option) (*executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return &executor.Result{ExitCode: -1, Err: err}, err
	}
	r.mu.Lock()
	n := len(r.calls)
	r.mu.Unlock()
	if r.Err != nil {
		return &executor.Result{ExitCode: 1, Err: r.Err}, r.Err
	}
	pipelinePath, outputDir := flag(args, "-p"), flag(args, "-o")
	if pipelinePath == "" || outputDir == "" {
		err := errors.New("enginetest: -p and -o are required")
		return &executor.Result{ExitCode: 2, Err: err}, err
	}
	p, err := pipeline.Load(pipelinePath)
	if err != nil {
		return &executor.Result{ExitCode: 2, Err: err}, err
	}
	call := Call{Program: program, Args: append([]string(nil), args...), Modules: p.Names(), OutputDir: outputDir}
	for _, m := range p.Modules {
		if m.Name != pipeline.InjectImageModule {
			continue
		}
		name, _ := m.Setting("Name the image")
		path, _ := m.Setting("Image file")
		_, statErr := os.Stat(path)
		call.Injections = append(call.Injections, Injection{Name: name, Path: path, FileExists: statErr == nil})
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	if r.SkipOutput {
		return &executor.Result{}, nil
	}
	count := 0
	if n < len(r.Counts) {
		count = r.Counts[n]
	}
	if err := WriteNuclei(filepath.Join(outputDir, "Nuclei.csv"), count); err != nil {
		return &executor.Result{ExitCode: 1, Err: err}, err
	}
	return &executor.Result{Stdout: fmt.Sprintf("identified %d nuclei", count)}, nil
}

// WriteNuclei writes a measurement table with count object rows.
func WriteNuclei(path string, count int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write(Header)
	for i := 1; i <= count; i++ {
		pos := "0"
		if i%3 == 0 {
			pos = "1"
		}
		neg := "1"
		if pos == "1" {
			neg = "0"
		}
		_ = w.Write([]string{
			"1", strconv.Itoa(i), strconv.Itoa(i),
			strconv.Itoa(100 + 10*i),
			strconv.FormatFloat(0.01*float64(i), 'f', -1, 64),
			strconv.FormatFloat(5.5*float64(i), 'f', -1, 64),
			strconv.FormatFloat(3.25*float64(i), 'f', -1, 64),
			neg, pos,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func flag(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}
