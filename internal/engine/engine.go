// Package engine drives the external pipeline engine. The engine must be
// initialised explicitly with Init; every run gets its own workspace whose
// input planes, pipeline file and outputs are removed when the workspace is
// closed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"plateflow/internal/executor"
	"plateflow/internal/imaging"
	"plateflow/internal/pipeline"
	"plateflow/pkg/domain"
)

// Argument placeholders substituted in Options.Args.
const (
	PlaceholderPipeline = "{pipeline}"
	PlaceholderOutput   = "{output}"
	PlaceholderInput    = "{input}"
)

// DefaultBinary is the engine executable looked up on PATH.
const DefaultBinary = "cellprofiler"

// DefaultArgs runs a pipeline headless against the workspace directories.
var DefaultArgs = []string{"-c", "-r", "-p", PlaceholderPipeline, "-o", PlaceholderOutput, "-i", PlaceholderInput}

var (
	// ErrHeadlessRequired is returned when Init is asked for an interactive engine.
	ErrHeadlessRequired = errors.New("engine: only headless mode is supported")
	// ErrUnavailable is returned when the engine binary cannot be found.
	ErrUnavailable = errors.New("engine: binary not found")
)

// Options configures the engine.
type Options struct {
	Headless bool
	Binary   string
	Args     []string
	Timeout  time.Duration
	Retries  int
	Env      map[string]string
	Runner   executor.Runner // defaults to an os/exec runner
	Logger   *slog.Logger
}

// Engine runs pipelines.
type Engine struct {
	binary  string
	args    []string
	timeout time.Duration
	retries int
	env     map[string]string
	runner  executor.Runner
	log     *slog.Logger
}

// Init validates opts and returns a ready engine.
func Init(opts Options) (*Engine, error) {
	if !opts.Headless {
		return nil, ErrHeadlessRequired
	}
	e := &Engine{
		binary:  opts.Binary,
		args:    opts.Args,
		timeout: opts.Timeout,
		retries: opts.Retries,
		env:     map[string]string{"MPLBACKEND": "Agg"},
		runner:  opts.Runner,
		log:     opts.Logger,
	}
	if e.binary == "" {
		e.binary = DefaultBinary
	}
	if len(e.args) == 0 {
		e.args = DefaultArgs
	}
	for k, v := range opts.Env {
		e.env[k] = v
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.runner == nil {
		if _, err := exec.LookPath(e.binary); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, e.binary, err)
		}
		e.runner = executor.New()
	}
	e.log.Debug("engine initialised", "binary", e.binary, "args", strings.Join(e.args, " "), "timeout", e.timeout)
	return e, nil
}

// Workspace is a scoped directory holding one run's inputs and outputs.
type Workspace struct {
	Dir       string
	InputDir  string
	OutputDir string
}

// NewWorkspace creates a fresh workspace under parent (the system temp dir
// when empty).
func NewWorkspace(parent, prefix string) (*Workspace, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{Dir: dir, InputDir: filepath.Join(dir, "input"), OutputDir: filepath.Join(dir, "output")}
	for _, d := range []string{ws.InputDir, ws.OutputDir} {
		if err := os.Mkdir(d, 0o750); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	return ws, nil
}

// WritePlane stores a plane in the input directory as <name>.png and
// returns its path.
func (w *Workspace) WritePlane(name string, p domain.Plane) (string, error) {
	path := filepath.Join(w.InputDir, name+".png")
	if err := imaging.WritePlaneFile(path, p); err != nil {
		return "", err
	}
	return path, nil
}

// Output returns the path of a file the engine writes to the output directory.
func (w *Workspace) Output(name string) string {
	return filepath.Join(w.OutputDir, name)
}

// Close removes the workspace.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.Dir)
}

// Run saves p into ws and executes the engine on it.
func (e *Engine) Run(ctx context.Context, p *pipeline.Pipeline, ws *Workspace) (*executor.Result, error) {
	pipelinePath := filepath.Join(ws.Dir, "pipeline.cppipe")
	if err := p.Save(pipelinePath); err != nil {
		return nil, err
	}
	replacer := strings.NewReplacer(PlaceholderPipeline, pipelinePath, PlaceholderOutput, ws.OutputDir, PlaceholderInput, ws.InputDir)
	args := make([]string, len(e.args))
	for i, a := range e.args {
		args[i] = replacer.Replace(a)
	}
	opts := []executor.Option{executor.WithEnv(e.env), executor.WithWorkingDir(ws.Dir)}
	if e.timeout > 0 {
		opts = append(opts, executor.WithTimeout(e.timeout))
	}
	if e.retries > 0 {
		opts = append(opts, executor.WithRetry(e.retries, time.Second))
	}
	res, err := e.runner.Run(ctx, e.binary, args, opts...)
	if res != nil {
		e.log.Debug("engine output", "stdout", tail(res.Stdout), "stderr", tail(res.Stderr), "exit_code", res.ExitCode, "duration", res.Duration)
	}
	if err != nil {
		return res, fmt.Errorf("run pipeline: %w", err)
	}
	return res, nil
}

func tail(s string) string {
	const limit = 2048
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}
