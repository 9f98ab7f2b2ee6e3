package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"plateflow/internal/blob"
	"plateflow/internal/catalog"
	"plateflow/internal/config"
	"plateflow/internal/engine/enginetest"
	"plateflow/internal/gateway"
	"plateflow/pkg/domain"
)

type fixture struct {
	cfg   config.Config
	plate domain.Plate
	creds gateway.Credentials
}

func newFixture(t *testing.T, wells int) fixture {
	t.Helper()
	ctx := context.Background()
	name := strings.ReplaceAll(t.Name(), "/", "-")
	store := catalog.Memory(name)
	t.Cleanup(func() { catalog.ResetMemory(name) })
	root := t.TempDir()
	blobs, err := blob.NewFilesystem(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	plate := gateway.PlateSpec{Name: "idr0002", Rows: 2, Columns: 4}
	for i := 0; i < wells; i++ {
		plate.Wells = append(plate.Wells, gateway.WellSpec{
			Row: i / 4, Column: i % 4,
			Images: []gateway.ImageSpec{{Name: "field", SizeX: 8, SizeY: 8, SizeC: 2, Spots: 2, Seed: int64(i)}},
		})
	}
	res, err := gateway.Seed(ctx, store, blobs, gateway.Manifest{
		Users:        []gateway.UserSpec{{Name: "analyst", Password: "pw"}},
		Repositories: []string{"ManagedRepository"},
		Plates:       []gateway.PlateSpec{plate},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := config.Default()
	cfg.Host = "memory://" + name
	cfg.Blob = blob.Options{Driver: blob.DriverFilesystem, FSRoot: filepath.Join(root, "blobs")}
	cfg.PipelinePath = filepath.Join("..", "..", "pipelines", "ExamplePercentPositive.cppipe")
	cfg.WorkDir = filepath.Join(root, "work")
	cfg.ReportDir = filepath.Join(root, "reports")
	cfg.MetricsTextfile = filepath.Join(root, "plateflow.prom")
	return fixture{cfg: cfg, plate: res.Plates[0], creds: gateway.Credentials{Username: "analyst", Password: "pw"}}
}

func TestRunEndToEnd(t *testing.T) {
	fx := newFixture(t, 6)
	runner := &enginetest.Runner{Counts: []int{10, 12, 8, 15, 9}}
	tracer := NewJSONTracer(nil)
	svc := NewService(fx.cfg, WithEngineRunner(runner), WithTracer(tracer))
	rep, err := svc.Run(context.Background(), Request{Credentials: fx.creds, PlateID: fx.plate.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.RunID == "" || rep.Images != 5 || rep.Objects != 54 || rep.SummaryRows != 5 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Upload.Rows != 5 || rep.Upload.Table != "idr0002_cellprofiler" {
		t.Fatalf("unexpected upload %+v", rep.Upload)
	}
	wantStages := []string{StageConnect, StagePrepare, StageAnalyze, StageAggregate, StageUpload}
	if len(rep.History) != len(wantStages) {
		t.Fatalf("unexpected history %+v", rep.History)
	}
	for i, rec := range rep.History {
		if rec.Stage != wantStages[i] || rec.Status != StepOK {
			t.Fatalf("history %d: %+v", i, rec)
		}
	}
	entries := tracer.Entries()
	if len(entries) != 5 || entries[0].RunID != rep.RunID {
		t.Fatalf("unexpected trace entries %+v", entries)
	}
	if len(rep.Reports) != 3 {
		t.Fatalf("expected 3 report artifacts, got %d", len(rep.Reports))
	}
	if _, err := os.Stat(filepath.Join(fx.cfg.ReportDir, rep.RunID, "histograms.png")); err != nil {
		t.Fatalf("histograms not written: %v", err)
	}
	metrics, err := os.ReadFile(fx.cfg.MetricsTextfile)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		"plateflow_objects_detected_total 54",
		"plateflow_wells_processed_total 5",
		"plateflow_uploaded_rows 5",
		`plateflow_stage_results_total{stage="upload",status="success"} 1`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Fatalf("metrics missing %q:\n%s", want, metrics)
		}
	}

	ctx := context.Background()
	sess, err := gateway.Connect(ctx, gateway.Endpoint{Host: fx.cfg.Host, Blob: fx.cfg.Blob}, fx.creds)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer func() { _ = sess.Close() }()
	anns, err := sess.Annotations(ctx, domain.EntityPlate, fx.plate.ID, domain.NSBulkAnnotations)
	if err != nil || len(anns) != 1 {
		t.Fatalf("expected one bulk annotation, got %v (%v)", anns, err)
	}
}

func TestRunAuthenticationFailure(t *testing.T) {
	fx := newFixture(t, 1)
	runner := &enginetest.Runner{}
	svc := NewService(fx.cfg, WithEngineRunner(runner))
	rep, err := svc.Run(context.Background(), Request{Credentials: gateway.Credentials{Username: "analyst", Password: "nope"}, PlateID: fx.plate.ID})
	if !errors.Is(err, gateway.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if len(rep.History) != 1 || rep.History[0].Status != StepFailed {
		t.Fatalf("unexpected history %+v", rep.History)
	}
	if len(runner.Calls()) != 0 {
		t.Fatalf("engine must not run")
	}
	metrics, err := os.ReadFile(fx.cfg.MetricsTextfile)
	if err != nil {
		t.Fatalf("metrics must be written on failure: %v", err)
	}
	if !strings.Contains(string(metrics), `plateflow_stage_results_total{stage="connect",status="error"} 1`) {
		t.Fatalf("missing failed stage metric:\n%s", metrics)
	}
}

func TestRunUnknownPlate(t *testing.T) {
	fx := newFixture(t, 1)
	fx.cfg.ReportDir = ReportsDisabled
	svc := NewService(fx.cfg, WithEngineRunner(&enginetest.Runner{}))
	_, err := svc.Run(context.Background(), Request{Credentials: fx.creds, PlateID: 9999})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), StageAnalyze+":") {
		t.Fatalf("error should name the stage: %v", err)
	}
}

func TestRunMissingPipeline(t *testing.T) {
	fx := newFixture(t, 1)
	fx.cfg.PipelinePath = filepath.Join(t.TempDir(), "missing.cppipe")
	rec := &countingRecorder{}
	svc := NewService(fx.cfg, WithEngineRunner(&enginetest.Runner{}), WithMetrics(rec))
	rep, err := svc.Run(context.Background(), Request{Credentials: fx.creds, PlateID: fx.plate.ID})
	if err == nil {
		t.Fatalf("expected missing pipeline error")
	}
	if last := rep.History[len(rep.History)-1]; last.Stage != StagePrepare || last.Status != StepFailed {
		t.Fatalf("unexpected last step %+v", last)
	}
	if rec.failures != 1 || rec.successes != 1 {
		t.Fatalf("unexpected recorder counts %+v", rec)
	}
}

type countingRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (c *countingRecorder) Observe(_ context.Context, _ string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.successes++
		return
	}
	c.failures++
}

func TestPushMetrics(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	rec := NewPrometheusRecorder()
	rec.ImageAnalysed(7)
	if err := rec.Push(context.Background(), srv.URL, "run-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || !strings.HasPrefix(path, "/metrics/job/"+PushJob+"/run_id/run-1") {
		t.Fatalf("unexpected request %s %s", method, path)
	}
	if len(body) == 0 {
		t.Fatalf("expected a metrics payload")
	}
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	ctx := WithRunID(context.Background(), "abc")
	_, span := tracer.Start(ctx, StageUpload)
	span.End(errors.New("boom"))
	entries := tracer.Entries()
	if len(entries) != 1 || entries[0].Status != "error" || entries[0].RunID != "abc" || entries[0].Error != "boom" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if !strings.Contains(buf.String(), `"stage":"upload"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
