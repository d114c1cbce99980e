// Package metrics exposes optimization run metrics to Prometheus, either
// scraped over HTTP or pushed to a Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

const namespace = "retune"

// Stage names a pipeline step for the step timer
type Stage string

const (
	StageLoad     Stage = "load"
	StageSegment  Stage = "segment"
	StageSearch   Stage = "search"
	StageOOS      Stage = "oos"
	StageStress   Stage = "stress"
	StageGate     Stage = "gate"
	StageDeploy   Stage = "deploy"
	StagePersist  Stage = "persist"
	StageRollback Stage = "rollback"
)

// Step results
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultTimeout = "timeout"
)

// Config configures metric export
type Config struct {
	Enabled     bool          `yaml:"enabled" json:"enabled" default:"true"`
	PushURL     string        `yaml:"push_url" json:"push_url"`
	Job         string        `yaml:"job" json:"job" default:"retune"`
	PushTimeout time.Duration `yaml:"push_timeout" json:"push_timeout" default:"10s"`
}

// Registry holds every run metric on its own prometheus registry
type Registry struct {
	reg *prometheus.Registry

	StepDuration  *prometheus.HistogramVec
	Trials        *prometheus.CounterVec
	Duplicates    prometheus.Counter
	BadRegions    prometheus.Counter
	GateDecisions *prometheus.CounterVec
	GateChecks    *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	BestObjective prometheus.Gauge
	OOSSharpe     *prometheus.GaugeVec
	StressP99DD   prometheus.Gauge
	LastRun       prometheus.Gauge
}

// NewRegistry creates a registry with all run metrics registered. Process
// and Go runtime collectors are included when withRuntime is set.
func NewRegistry(withRuntime bool) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of each run stage in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"stage", "result"},
		),

		Trials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trials_total",
				Help:      "Trials evaluated by outcome",
			},
			[]string{"segment", "status"},
		),

		Duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trial_duplicates_total",
				Help:      "Proposals skipped because the vector was already evaluated",
			},
		),

		BadRegions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bad_regions_total",
				Help:      "Parameter vectors flagged as bad regions",
			},
		),

		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Deployment gate decisions",
			},
			[]string{"decision", "mode"},
		),

		GateChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_check_failures_total",
				Help:      "Failed deployment gate checks by name",
			},
			[]string{"check"},
		),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidate_transitions_total",
				Help:      "Candidate status transitions",
			},
			[]string{"to"},
		),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Optimization runs by outcome",
			},
			[]string{"outcome"},
		),

		BestObjective: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "best_objective",
				Help:      "Best train objective of the last run",
			},
		),

		OOSSharpe: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "oos_sharpe",
				Help:      "Aggregate out-of-sample Sharpe of the last run",
			},
			[]string{"role"},
		),

		StressP99DD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stress_p99_drawdown",
				Help:      "99th percentile Monte Carlo drawdown of the last candidate",
			},
		),

		LastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
	}

	r.reg.MustRegister(
		r.StepDuration,
		r.Trials,
		r.Duplicates,
		r.BadRegions,
		r.GateDecisions,
		r.GateChecks,
		r.Transitions,
		r.Runs,
		r.BestObjective,
		r.OOSSharpe,
		r.StressP99DD,
		r.LastRun,
	)
	if withRuntime {
		r.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// StepTimer times one stage
type StepTimer struct {
	registry *Registry
	stage    Stage
	start    time.Time
}

// StartStep begins timing a stage
func (r *Registry) StartStep(stage Stage) *StepTimer {
	return &StepTimer{registry: r, stage: stage, start: time.Now()}
}

// Stop records the stage duration under result
func (st *StepTimer) Stop(result string) time.Duration {
	d := time.Since(st.start)
	st.registry.StepDuration.WithLabelValues(string(st.stage), result).Observe(d.Seconds())
	log.Debug().
		Str("stage", string(st.stage)).
		Str("result", result).
		Dur("duration", d).
		Msg("Stage completed")
	return d
}

// ObserveGate records a gate decision and each failed check
func (r *Registry) ObserveGate(approved bool, mode string, failedChecks []string) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	r.GateDecisions.WithLabelValues(decision, mode).Inc()
	for _, name := range failedChecks {
		r.GateChecks.WithLabelValues(name).Inc()
	}
}

// Push sends the registry to the Pushgateway at url, grouped by run id
func (r *Registry) Push(ctx context.Context, cfg Config, runID string) error {
	if cfg.PushURL == "" {
		return nil
	}
	client := &http.Client{Timeout: cfg.PushTimeout}
	job := cfg.Job
	if job == "" {
		job = namespace
	}
	p := push.New(cfg.PushURL, job).
		Gatherer(r.reg).
		Grouping("run_id", runID).
		Client(client)
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", cfg.PushURL, err)
	}
	log.Info().Str("url", cfg.PushURL).Str("run_id", runID).Msg("Metrics pushed")
	return nil
}

// Snapshot flattens every sample into name{labels} -> value for summaries
// and tests. Histograms report their sample count.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[sampleKey(mf.GetName(), m)] = sampleValue(mf.GetType(), m)
		}
	}
	return out, nil
}

func sampleKey(name string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return name
	}
	key := name + "{"
	for i, lp := range labels {
		if i > 0 {
			key += ","
		}
		key += lp.GetName() + "=" + lp.GetValue()
	}
	return key + "}"
}

func sampleValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	case dto.MetricType_SUMMARY:
		return float64(m.GetSummary().GetSampleCount())
	default:
		return m.GetUntyped().GetValue()
	}
}
