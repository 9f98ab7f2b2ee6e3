// Command plateflow prompts for credentials and a plate id, then analyses the
// first wells of the plate and uploads the per-image summary table.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"plateflow/internal/config"
	"plateflow/internal/core"
	"plateflow/internal/gateway"
	"plateflow/internal/prompt"
)

var (
	exitFunc       = os.Exit
	askFunc        = prompt.Ask
	serviceOptions []core.Option
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Stdin, os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.FromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	answers, err := askFunc(ctx, cfg.Host, stdin, stdout)
	if err != nil {
		logger.Error("read credentials", "error", err)
		return 1
	}

	opts := []core.Option{core.WithLogger(logger)}
	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			logger.Error("open trace file", "path", cfg.TraceFile, "error", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}
	opts = append(opts, serviceOptions...)

	svc := core.NewService(cfg, opts...)
	rep, err := svc.Run(ctx, core.Request{
		Credentials: gateway.Credentials{Username: answers.Username, Password: answers.Password},
		PlateID:     answers.PlateID,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "plateflow: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "run %s: %d images, %d objects; table %s (file %d) linked to plate %d\n",
		rep.RunID, rep.Images, rep.Objects, rep.Upload.Table, rep.Upload.FileID, rep.Plate.ID)
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
