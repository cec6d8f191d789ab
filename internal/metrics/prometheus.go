package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports run snapshots as Prometheus metrics.
//
// Labels: pipeline, status (success|error)
type Prometheus struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	ttft     *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	toolTime *prometheus.HistogramVec
	stages   *prometheus.HistogramVec
}

// NewPrometheus registers the run metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_pipeline_runs_total",
			Help: "Total number of pipeline runs by pipeline and status",
		}, []string{"pipeline", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crucible_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"pipeline"}),
		ttft: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crucible_pipeline_ttft_seconds",
			Help:    "Time to first streamed token in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"pipeline"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_pipeline_tokens_total",
			Help: "Total number of streamed tokens by pipeline",
		}, []string{"pipeline"}),
		toolTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crucible_pipeline_tool_seconds",
			Help:    "Time spent executing tools per run in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"pipeline"}),
		stages: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crucible_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"pipeline", "stage"}),
	}
}

// Record implements Recorder.
func (p *Prometheus) Record(s Snapshot) {
	status := "success"
	if !s.Success {
		status = "error"
	}
	p.runs.WithLabelValues(s.PipelineID, status).Inc()
	p.duration.WithLabelValues(s.PipelineID).Observe(s.Total.Seconds())
	if s.Tokens > 0 {
		p.ttft.WithLabelValues(s.PipelineID).Observe(s.TTFT.Seconds())
		p.tokens.WithLabelValues(s.PipelineID).Add(float64(s.Tokens))
	}
	p.toolTime.WithLabelValues(s.PipelineID).Observe(s.ToolTime.Seconds())
	for _, st := range s.Stages {
		p.stages.WithLabelValues(s.PipelineID, st.Name).Observe(st.Duration.Seconds())
	}
}
