package core

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name used for run metrics.
const PushJob = "plateflow"

// PrometheusRecorder collects run metrics in a private registry. It is
// written once at the end of a run, either to a node-exporter textfile or
// to a Pushgateway.
type PrometheusRecorder struct {
	registry *prometheus.Registry
	stages   *prometheus.HistogramVec
	results  *prometheus.CounterVec
	wells    prometheus.Counter
	objects  prometheus.Counter
	rows     prometheus.Gauge
	lastRun  prometheus.Gauge
}

// NewPrometheusRecorder registers the plateflow collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plateflow",
			Name:      "stage_duration_seconds",
			Help:      "Duration of workflow stages.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plateflow",
			Name:      "stage_results_total",
			Help:      "Workflow stage outcomes.",
		}, []string{"stage", "status"}),
		wells: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plateflow",
			Name:      "wells_processed_total",
			Help:      "Wells whose first image was analysed.",
		}),
		objects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plateflow",
			Name:      "objects_detected_total",
			Help:      "Objects reported by the pipeline engine.",
		}),
		rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plateflow",
			Name:      "uploaded_rows",
			Help:      "Rows in the most recently uploaded table.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plateflow",
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the last run.",
		}),
	}
	r.registry.MustRegister(r.stages, r.results, r.wells, r.objects, r.rows, r.lastRun)
	return r
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, stage string, success bool, duration time.Duration) {
	if stage == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.stages.WithLabelValues(stage).Observe(duration.Seconds())
	r.results.WithLabelValues(stage, status).Inc()
}

// ImageAnalysed counts one analysed well and its objects.
func (r *PrometheusRecorder) ImageAnalysed(objects int) {
	r.wells.Inc()
	r.objects.Add(float64(objects))
}

// Uploaded records the uploaded row count.
func (r *PrometheusRecorder) Uploaded(rows int) { r.rows.Set(float64(rows)) }

// Finished stamps the run completion time.
func (r *PrometheusRecorder) Finished(at time.Time) { r.lastRun.Set(float64(at.Unix())) }

// WriteTextfile writes the metrics in the text exposition format, replacing
// path atomically.
func (r *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the metrics to a Pushgateway grouped by run id.
func (r *PrometheusRecorder) Push(ctx context.Context, url, runID string) error {
	pusher := push.New(url, PushJob).Gatherer(r.registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
