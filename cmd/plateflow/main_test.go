package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"plateflow/internal/blob"
	"plateflow/internal/catalog"
	"plateflow/internal/core"
	"plateflow/internal/engine/enginetest"
	"plateflow/internal/gateway"
	"plateflow/internal/prompt"
	"plateflow/pkg/domain"
)

func setup(t *testing.T) domain.Plate {
	t.Helper()
	name := "cmd-" + t.Name()
	store := catalog.Memory(name)
	t.Cleanup(func() { catalog.ResetMemory(name) })
	root := t.TempDir()
	blobs, err := blob.NewFilesystem(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	res, err := gateway.Seed(context.Background(), store, blobs, gateway.Manifest{
		Users:        []gateway.UserSpec{{Name: "analyst", Password: "pw"}},
		Repositories: []string{"ManagedRepository"},
		Plates: []gateway.PlateSpec{{Name: "p", Rows: 1, Columns: 2, Wells: []gateway.WellSpec{
			{Row: 0, Column: 0, Images: []gateway.ImageSpec{{Name: "a", SizeX: 8, SizeY: 8, SizeC: 2, Spots: 1}}},
			{Row: 0, Column: 1, Images: []gateway.ImageSpec{{Name: "b", SizeX: 8, SizeY: 8, SizeC: 2, Spots: 1}}},
		}}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Setenv("PLATEFLOW_CONFIG", "")
	t.Setenv("PLATEFLOW_HOST", "memory://"+name)
	t.Setenv("PLATEFLOW_BLOB_DRIVER", "fs")
	t.Setenv("PLATEFLOW_BLOB_FS_ROOT", filepath.Join(root, "blobs"))
	t.Setenv("PLATEFLOW_PIPELINE", filepath.Join("..", "..", "pipelines", "ExamplePercentPositive.cppipe"))
	t.Setenv("PLATEFLOW_WORK_DIR", filepath.Join(root, "work"))
	t.Setenv("PLATEFLOW_REPORT_DIR", filepath.Join(root, "reports"))
	t.Setenv("PLATEFLOW_TRACE_FILE", filepath.Join(root, "trace.jsonl"))
	t.Setenv("PLATEFLOW_ENGINE_TIMEOUT", "")
	t.Setenv("PLATEFLOW_ENGINE_RETRIES", "")
	t.Setenv("PLATEFLOW_METRICS_TEXTFILE", "")
	t.Setenv("PLATEFLOW_PUSHGATEWAY_URL", "")
	return res.Plates[0]
}

func stubPrompt(t *testing.T, a prompt.Answers, err error) {
	t.Helper()
	prev := askFunc
	askFunc = func(context.Context, string, io.Reader, io.Writer) (prompt.Answers, error) { return a, err }
	t.Cleanup(func() { askFunc = prev })
}

func stubEngine(t *testing.T, r *enginetest.Runner) {
	t.Helper()
	prev := serviceOptions
	serviceOptions = []core.Option{core.WithEngineRunner(r)}
	t.Cleanup(func() { serviceOptions = prev })
}

func TestCLISuccess(t *testing.T) {
	plate := setup(t)
	stubPrompt(t, prompt.Answers{Username: "analyst", Password: "pw", PlateID: plate.ID}, nil)
	stubEngine(t, &enginetest.Runner{Counts: []int{3, 4}})
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "2 images, 7 objects") || !strings.Contains(stdout.String(), "plate "+strconv.FormatInt(plate.ID, 10)) {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestCLIFailures(t *testing.T) {
	plate := setup(t)
	stubEngine(t, &enginetest.Runner{})

	stubPrompt(t, prompt.Answers{}, prompt.ErrCancelled)
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 on cancel, got %d", code)
	}

	stubPrompt(t, prompt.Answers{Username: "analyst", Password: "wrong", PlateID: plate.ID}, nil)
	stderr.Reset()
	if code := cli(context.Background(), strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 on bad password, got %d", code)
	}
	if !strings.Contains(stderr.String(), "authentication failed") {
		t.Fatalf("expected authentication error, got %q", stderr.String())
	}

	t.Setenv("PLATEFLOW_ENGINE_TIMEOUT", "never")
	if code := cli(context.Background(), strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 on bad config, got %d", code)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
