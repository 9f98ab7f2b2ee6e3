// Package core runs the plate analysis workflow: connect, prepare the
// pipeline, analyse the first wells, aggregate and upload. Every stage is
// traced, measured and recorded in the run history.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"plateflow/internal/analysis"
	"plateflow/internal/blob"
	"plateflow/internal/config"
	"plateflow/internal/engine"
	"plateflow/internal/executor"
	"plateflow/internal/frame"
	"plateflow/internal/gateway"
	"plateflow/internal/pipeline"
	"plateflow/internal/report"
	"plateflow/internal/upload"
	"plateflow/pkg/domain"
)

// Workflow stages in execution order.
const (
	StageConnect   = "connect"
	StagePrepare   = "prepare"
	StageAnalyze   = "analyze"
	StageAggregate = "aggregate"
	StageUpload    = "upload"
)

// ReportsDisabled as ReportDir turns off report artifacts.
const ReportsDisabled = "-"

// StepStatus is the outcome of a stage.
type StepStatus string

// Stage outcomes.
const (
	StepOK     StepStatus = "ok"
	StepFailed StepStatus = "failed"
)

// StepRecord is one entry of the run history.
type StepRecord struct {
	Stage    string        `json:"stage"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Request identifies who runs the workflow and on which plate.
type Request struct {
	Credentials gateway.Credentials
	PlateID     int64
}

// RunReport summarises a run. It is returned even when the run fails.
type RunReport struct {
	RunID       string
	Plate       domain.Plate
	Images      int
	Objects     int
	SummaryRows int
	Upload      upload.Result
	Reports     []blob.Info
	History     []StepRecord
}

// Connector opens an authenticated session.
type Connector func(ctx context.Context, ep gateway.Endpoint, creds gateway.Credentials, opts ...gateway.Option) (*gateway.Session, error)

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracer sets the stage tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMetrics adds a recorder observing every stage.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.recorders = append(s.recorders, m)
		}
	}
}

// WithEngineRunner replaces the process runner used by the engine.
func WithEngineRunner(r executor.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithConnector replaces gateway.Connect.
func WithConnector(c Connector) Option {
	return func(s *Service) {
		if c != nil {
			s.connect = c
		}
	}
}

// Service runs the workflow.
type Service struct {
	cfg       config.Config
	log       *slog.Logger
	tracer    Tracer
	prom      *PrometheusRecorder
	recorders []MetricsRecorder
	runner    executor.Runner
	connect   Connector
	now       func() time.Time
}

// NewService builds a Service for cfg.
func NewService(cfg config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		log:     slog.Default(),
		tracer:  noopTracer{},
		prom:    NewPrometheusRecorder(),
		connect: gateway.Connect,
		now:     time.Now,
	}
	s.recorders = []MetricsRecorder{s.prom}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the run metrics recorder.
func (s *Service) Metrics() *PrometheusRecorder { return s.prom }

// Run executes the five stages in order. The first failing stage aborts the
// run; its error is returned wrapped with the stage name.
func (s *Service) Run(ctx context.Context, req Request) (rep RunReport, err error) {
	rep.RunID = uuid.NewString()
	ctx = WithRunID(ctx, rep.RunID)
	log := s.log.With("run_id", rep.RunID)
	log.Info("run started", "host", s.cfg.Host, "plate", req.PlateID, "user", req.Credentials.Username)
	defer func() {
		s.prom.Finished(s.now())
		s.exportMetrics(ctx, log, rep.RunID)
		if err != nil {
			log.Error("run failed", "error", err)
			return
		}
		log.Info("run finished", "images", rep.Images, "objects", rep.Objects, "rows", rep.Upload.Rows)
	}()

	var sess *gateway.Session
	if err := s.stage(ctx, log, &rep, StageConnect, func(ctx context.Context) error {
		ep := gateway.Endpoint{Host: s.cfg.Host, AllowInsecure: s.cfg.AllowInsecure, Blob: s.cfg.Blob}
		var err error
		sess, err = s.connect(ctx, ep, req.Credentials, gateway.WithLogger(log))
		return err
	}); err != nil {
		return rep, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("close session", "error", cerr)
		}
	}()

	var p *pipeline.Pipeline
	var eng *engine.Engine
	if err := s.stage(ctx, log, &rep, StagePrepare, func(context.Context) error {
		var err error
		if p, err = pipeline.Load(s.cfg.PipelinePath); err != nil {
			return err
		}
		if err = pipeline.Prepare(p, s.cfg.Strip, log); err != nil {
			return err
		}
		eng, err = engine.Init(engine.Options{
			Headless: true,
			Binary:   s.cfg.Engine.Binary,
			Args:     s.cfg.Engine.Args,
			Timeout:  s.cfg.Engine.Timeout,
			Retries:  s.cfg.Engine.Retries,
			Runner:   s.runner,
			Logger:   log,
		})
		return err
	}); err != nil {
		return rep, err
	}

	var results []*frame.Frame
	if err := s.stage(ctx, log, &rep, StageAnalyze, func(ctx context.Context) error {
		plate, err := sess.Plate(ctx, req.PlateID)
		if err != nil {
			return err
		}
		rep.Plate = plate
		a, err := analysis.New(sess, eng, s.analysisOptions(log)...)
		if err != nil {
			return err
		}
		results, err = a.Analyze(ctx, plate, p)
		for _, f := range results {
			rep.Images++
			rep.Objects += f.Len()
		}
		return err
	}); err != nil {
		return rep, err
	}

	var summary *frame.Frame
	if err := s.stage(ctx, log, &rep, StageAggregate, func(ctx context.Context) error {
		all := frame.Concat(results...)
		var err error
		if summary, err = all.GroupMean(analysis.ColumnImage); err != nil {
			return err
		}
		rep.SummaryRows = summary.Len()
		var describe strings.Builder
		if err := all.Describe().WriteCSV(&describe); err != nil {
			return err
		}
		log.Info("measurements", "rows", all.Len(), "columns", len(all.Columns()), "images", summary.Len())
		log.Debug("describe", "table", describe.String())
		rep.Reports, err = s.writeReports(ctx, rep.RunID, all, summary)
		return err
	}); err != nil {
		return rep, err
	}

	if err := s.stage(ctx, log, &rep, StageUpload, func(ctx context.Context) error {
		u, err := upload.New(sess,
			upload.WithTableName(s.cfg.Upload.TableName),
			upload.WithNamespace(s.cfg.Upload.Namespace),
			upload.WithPolicy(upload.Policy(s.cfg.Upload.ColumnPolicy)),
			upload.WithLogger(log),
		)
		if err != nil {
			return err
		}
		rep.Upload, err = u.Upload(ctx, rep.Plate, summary)
		if err == nil {
			s.prom.Uploaded(rep.Upload.Rows)
		}
		return err
	}); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *Service) stage(ctx context.Context, log *slog.Logger, rep *RunReport, name string, fn func(context.Context) error) error {
	started := s.now()
	spanCtx, span := s.tracer.Start(ctx, name)
	err := fn(spanCtx)
	span.End(err)
	elapsed := s.now().Sub(started)
	for _, m := range s.recorders {
		m.Observe(ctx, name, err == nil, elapsed)
	}
	rec := StepRecord{Stage: name, Status: StepOK, Started: started, Duration: elapsed}
	if err != nil {
		rec.Status = StepFailed
		rec.Error = err.Error()
	}
	rep.History = append(rep.History, rec)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info("stage complete", "stage", name, "duration", elapsed)
	return nil
}

func (s *Service) analysisOptions(log *slog.Logger) []analysis.Option {
	opts := []analysis.Option{
		analysis.WithWellLimit(s.cfg.Analysis.WellLimit),
		analysis.WithChannelPolicy(analysis.ChannelPolicy(s.cfg.Analysis.ChannelPolicy)),
		analysis.WithWorkDir(s.cfg.WorkDir),
		analysis.WithLogger(log),
		analysis.WithObserver(func(_ domain.Well, _ domain.Image, objects int) {
			s.prom.ImageAnalysed(objects)
		}),
	}
	if len(s.cfg.Analysis.Channels) > 0 {
		opts = append(opts, analysis.WithChannels(s.cfg.Analysis.Channels))
	}
	return opts
}

func (s *Service) writeReports(ctx context.Context, runID string, all, summary *frame.Frame) ([]blob.Info, error) {
	if s.cfg.ReportDir == "" || s.cfg.ReportDir == ReportsDisabled {
		return nil, nil
	}
	store, err := blob.NewFilesystem(s.cfg.ReportDir)
	if err != nil {
		return nil, fmt.Errorf("open report dir: %w", err)
	}
	exclude := s.cfg.HistogramExclude
	if len(exclude) == 0 {
		exclude = report.DefaultExclude
	}
	return report.Write(ctx, store, runID, all, summary, exclude)
}

func (s *Service) exportMetrics(ctx context.Context, log *slog.Logger, runID string) {
	if path := s.cfg.MetricsTextfile; path != "" {
		if err := s.prom.WriteTextfile(path); err != nil {
			log.Warn("metrics textfile", "path", path, "error", err)
		}
	}
	if url := s.cfg.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.prom.Push(pushCtx, url, runID); err != nil {
			log.Warn("metrics push", "url", url, "error", err)
		}
	}
}
