// Package executor runs external programs with output capture, timeouts,
// retries and environment control.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Result holds the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Attempts int
	Duration time.Duration
	Err      error
}

// Runner runs a prepared command. The engine depends on this interface so
// tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error)
}

// Options configures execution.
type Options struct {
	Timeout    time.Duration // per attempt; zero disables
	MaxRetries int
	RetryDelay time.Duration
	RetryOn    func(error) bool

	WorkingDir string
	Env        map[string]string // appended to the current environment

	StdoutWriter io.Writer
	StderrWriter io.Writer
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns options with no retries and no timeout.
func DefaultOptions() *Options {
	return &Options{RetryDelay: time.Second, Env: map[string]string{}}
}

// CommandRunner is the os/exec backed Runner.
type CommandRunner struct {
	base []Option
}

// New returns a CommandRunner applying base options to every run.
func New(base ...Option) *CommandRunner {
	return &CommandRunner{base: base}
}

// Run executes program, retrying according to the options.
func (r *CommandRunner) Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error) {
	options := DefaultOptions()
	for _, opt := range append(append([]Option(nil), r.base...), opts...) {
		opt(options)
	}
	start := time.Now()
	var last *Result
	for attempt := 1; attempt <= options.MaxRetries+1; attempt++ {
		res, err := runOnce(ctx, program, args, options)
		res.Attempts = attempt
		res.Duration = time.Since(start)
		last = res
		if err == nil {
			return res, nil
		}
		if attempt > options.MaxRetries || (options.RetryOn != nil && !options.RetryOn(err)) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(options.RetryDelay):
		}
	}
	return last, last.Err
}

func runOnce(ctx context.Context, program string, args []string, options *Options) (*Result, error) {
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = options.WorkingDir
	// Children that inherit stdout must not hold Run open after a kill.
	cmd.WaitDelay = 2 * time.Second
	if len(options.Env) > 0 {
		keys := make([]string, 0, len(options.Env))
		for k := range options.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+options.Env[k])
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = writers(&stdout, options.StdoutWriter)
	cmd.Stderr = writers(&stderr, options.StderrWriter)

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %s: %w", program, options.Timeout, ctxErr)
	}
	res.Err = err
	return res, fmt.Errorf("command %s failed (exit %d): %w", program, res.ExitCode, err)
}

func writers(buf *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRetry configures retry behaviour.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// WithRetryCondition sets a predicate deciding whether an error is retried.
func WithRetryCondition(fn func(error) bool) Option {
	return func(o *Options) { o.RetryOn = fn }
}

// WithWorkingDir sets the working directory.
func WithWorkingDir(dir string) Option {
	return func(o *Options) { o.WorkingDir = dir }
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = map[string]string{}
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithStdoutWriter tees stdout to w.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *Options) { o.StdoutWriter = w }
}

// WithStderrWriter tees stderr to w.
func WithStderrWriter(w io.Writer) Option {
	return func(o *Options) { o.StderrWriter = w }
}
