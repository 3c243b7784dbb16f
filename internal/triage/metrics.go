package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	IngestsTotal        *prometheus.CounterVec
	StageTotal          *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	PipelineDuration    *prometheus.HistogramVec
	DedupHitsTotal      prometheus.Counter
	DecisionsTotal      *prometheus.CounterVec
	DeadLettersTotal    *prometheus.CounterVec
	EnrichLookupsTotal  *prometheus.CounterVec
	BreakerOpensTotal   *prometheus.CounterVec
	WorkerClaimsTotal   *prometheus.CounterVec
	ReplayRunsTotal     *prometheus.CounterVec
	ReplayDuration      prometheus.Histogram
	CaseMergesTotal     *prometheus.CounterVec
	TicketsCreatedTotal prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_ingests_total",
			Help: "Total alert submissions by result (accepted, duplicate_key, rejected).",
		}, []string{"result"}),
		StageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_pipeline_stage_total",
			Help: "Total pipeline stage executions by stage and result.",
		}, []string{"stage", "result"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autotriage_pipeline_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
		}, []string{"stage"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autotriage_pipeline_duration_seconds",
			Help:    "End-to-end per-alert pipeline duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~20s
		}, []string{"status"}),
		DedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotriage_dedup_hits_total",
			Help: "Total alerts suppressed as duplicates.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_decisions_total",
			Help: "Total triage decisions by outcome.",
		}, []string{"decision"}),
		DeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_dead_letters_total",
			Help: "Total alerts dead-lettered by failing stage.",
		}, []string{"stage"}),
		EnrichLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_enrich_lookups_total",
			Help: "Total enrichment lookups by enricher and status.",
		}, []string{"enricher", "status"}),
		BreakerOpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_enrich_breaker_opens_total",
			Help: "Total circuit breaker open transitions by enricher.",
		}, []string{"enricher"}),
		WorkerClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_worker_claims_total",
			Help: "Total worker claim attempts by result (claimed, empty, error).",
		}, []string{"result"}),
		ReplayRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_replay_runs_total",
			Help: "Total replay experiment runs by result.",
		}, []string{"result"}),
		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autotriage_replay_duration_seconds",
			Help:    "Duration of replay experiment runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}),
		CaseMergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotriage_case_merges_total",
			Help: "Total correlation outcomes (created, merged).",
		}, []string{"outcome"}),
		TicketsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotriage_tickets_created_total",
			Help: "Total tickets created for cases.",
		}),
	}

	reg.MustRegister(
		m.IngestsTotal,
		m.StageTotal,
		m.StageDuration,
		m.PipelineDuration,
		m.DedupHitsTotal,
		m.DecisionsTotal,
		m.DeadLettersTotal,
		m.EnrichLookupsTotal,
		m.BreakerOpensTotal,
		m.WorkerClaimsTotal,
		m.ReplayRunsTotal,
		m.ReplayDuration,
		m.CaseMergesTotal,
		m.TicketsCreatedTotal,
	)

	return m
}

// The observe helpers are nil-safe so the pipeline and worker can run in
// tests without a Prometheus registry.

func (m *Metrics) observeIngest(result string) {
	if m != nil {
		m.IngestsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) observeStage(stage, result string, seconds float64) {
	if m != nil {
		m.StageTotal.WithLabelValues(stage, result).Inc()
		m.StageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func (m *Metrics) observePipeline(status Status, seconds float64) {
	if m != nil {
		m.PipelineDuration.WithLabelValues(string(status)).Observe(seconds)
	}
}

func (m *Metrics) observeDedupHit() {
	if m != nil {
		m.DedupHitsTotal.Inc()
	}
}

func (m *Metrics) observeDecision(d string) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(d).Inc()
	}
}

func (m *Metrics) observeDeadLetter(stage string) {
	if m != nil {
		m.DeadLettersTotal.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) observeClaim(result string) {
	if m != nil {
		m.WorkerClaimsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) observeReplay(result string, seconds float64) {
	if m != nil {
		m.ReplayRunsTotal.WithLabelValues(result).Inc()
		m.ReplayDuration.Observe(seconds)
	}
}

func (m *Metrics) observeCaseMerge(outcome string) {
	if m != nil {
		m.CaseMergesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) observeTicket() {
	if m != nil {
		m.TicketsCreatedTotal.Inc()
	}
}

// EnrichHooks returns enrichment hooks that increment the lookup and breaker
// counters. Safe on a nil receiver so tests can run without a registry.
func (m *Metrics) EnrichHooks() enrich.Hooks {
	if m == nil {
		return enrich.Hooks{}
	}
	return enrich.Hooks{
		OnLookup: func(enricher string, status enrich.Status) {
			m.EnrichLookupsTotal.WithLabelValues(enricher, string(status)).Inc()
		},
		OnBreakerOpen: func(enricher string) {
			m.BreakerOpensTotal.WithLabelValues(enricher).Inc()
		},
	}
}
