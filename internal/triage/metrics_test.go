package triage

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
)

func TestNewMetrics_Registers(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeIngest("accepted")
	m.observeStage("normalize", "ok", 0.002)
	m.observePipeline(StatusProcessed, 0.05)
	m.observeDecision("CREATE_TICKET")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, want := range []string{
		"autotriage_ingests_total",
		"autotriage_pipeline_stage_total",
		"autotriage_pipeline_duration_seconds",
		"autotriage_decisions_total",
	} {
		if !seen[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.observeIngest("accepted")
	m.observeStage("score", "ok", 0.001)
	m.observeDedupHit()
	m.observeDeadLetter("enrich")
	m.observeTicket()

	hooks := m.EnrichHooks()
	if hooks.OnLookup != nil || hooks.OnBreakerOpen != nil {
		t.Error("nil metrics hooks should be empty")
	}
}

func TestEnrichHooks_Count(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	hooks := m.EnrichHooks()
	if hooks.OnLookup == nil || hooks.OnBreakerOpen == nil {
		t.Fatal("hooks not wired")
	}
	hooks.OnLookup("ip_reputation", enrich.StatusOK)
	hooks.OnLookup("ip_reputation", enrich.StatusCacheHit)
	hooks.OnBreakerOpen("whois")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var lookups, opens float64
	for _, f := range families {
		switch f.GetName() {
		case "autotriage_enrich_lookups_total":
			for _, metric := range f.GetMetric() {
				lookups += metric.GetCounter().GetValue()
			}
		case "autotriage_enrich_breaker_opens_total":
			for _, metric := range f.GetMetric() {
				opens += metric.GetCounter().GetValue()
			}
		}
	}
	if lookups != 2 {
		t.Errorf("lookup count = %v, want 2", lookups)
	}
	if opens != 1 {
		t.Errorf("breaker open count = %v, want 1", opens)
	}
}
