package enrich

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

func writeDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"allowlists.yml": `
ips: [10.0.0.5]
domains: [Updates.Example.Com]
users: [svc-backup]
hosts: [scanner-01]
`,
		"asset_inventory.csv": "host,owner,criticality,environment\nweb-01,web,high,prod\ndc-01,infra,critical,prod\n",
		"mock_reputation.csv": "ip,rep,score\n203.0.113.54,bad,95\n198.51.100.23,suspicious,62\n",
		"mock_geoasn.csv":     "ip,country,city,asn,org\n203.0.113.54,RU,Moscow,AS12345,BP Hosting\n",
		"mock_whois.csv":      "domain,registrar,created,category\nlogin-micros0ft.com,CheapNames,2026-08-01,phishing\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestBuild(t *testing.T) {
	t.Parallel()

	enrichers, err := Build(writeDataDir(t), DefaultEnabled())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(enrichers) != 5 {
		t.Fatalf("enrichers = %d, want 5", len(enrichers))
	}
}

func TestBuild_MissingDataDir(t *testing.T) {
	t.Parallel()

	if _, err := Build(filepath.Join(t.TempDir(), "missing"), DefaultEnabled()); err == nil {
		t.Fatal("Build() error = nil, want missing data file error")
	}
}

func TestBuild_UnknownNamesSkipped(t *testing.T) {
	t.Parallel()

	enrichers, err := Build(writeDataDir(t), []string{"allowlist", "nonexistent"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(enrichers) != 1 {
		t.Fatalf("enrichers = %d, want 1", len(enrichers))
	}
	if enrichers[0].Name() != "allowlist" {
		t.Errorf("name = %q, want allowlist", enrichers[0].Name())
	}
}

func TestAllowlist(t *testing.T) {
	t.Parallel()

	a, err := NewAllowlist(writeDataDir(t))
	if err != nil {
		t.Fatalf("NewAllowlist() error = %v", err)
	}

	al := &alert.Alert{Entities: []alert.Entity{
		{Type: alert.EntityHost, Value: "scanner-01"},
		{Type: alert.EntityDomain, Value: "UPDATES.example.com"},
		{Type: alert.EntitySrcIP, Value: "192.0.2.99"},
	}}
	keys := a.Keys(al)
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want 3", keys)
	}

	tests := []struct {
		key  string
		want bool
	}{
		{"host:scanner-01", true},
		{"domain:UPDATES.example.com", true}, // domain matching is case-insensitive
		{"ip:10.0.0.5", true},
		{"ip:192.0.2.99", false},
		{"user:svc-backup", true},
		{"user:mallory", false},
	}
	for _, tt := range tests {
		data, err := a.EnrichOne(context.Background(), tt.key)
		if err != nil {
			t.Fatalf("EnrichOne(%q) error = %v", tt.key, err)
		}
		if got := data["allowlisted"]; got != tt.want {
			t.Errorf("EnrichOne(%q) allowlisted = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestAssetContext(t *testing.T) {
	t.Parallel()

	a, err := NewAssetContext(writeDataDir(t))
	if err != nil {
		t.Fatalf("NewAssetContext() error = %v", err)
	}

	data, err := a.EnrichOne(context.Background(), "web-01")
	if err != nil {
		t.Fatalf("EnrichOne() error = %v", err)
	}
	if got := data["criticality"]; got != "high" {
		t.Errorf("criticality = %v, want high", got)
	}

	miss, err := a.EnrichOne(context.Background(), "unknown-host")
	if err != nil {
		t.Fatalf("EnrichOne() error = %v", err)
	}
	if miss != nil {
		t.Errorf("unknown host = %v, want nil (miss)", miss)
	}
}

func TestWhois_LowercasesDomains(t *testing.T) {
	t.Parallel()

	w, err := NewWhois(writeDataDir(t))
	if err != nil {
		t.Fatalf("NewWhois() error = %v", err)
	}
	al := &alert.Alert{Entities: []alert.Entity{{Type: alert.EntityDomain, Value: "LOGIN-MICROS0FT.COM"}}}
	keys := w.Keys(al)
	if len(keys) != 1 || keys[0] != "login-micros0ft.com" {
		t.Fatalf("keys = %v, want lowercased domain", keys)
	}
	data, err := w.EnrichOne(context.Background(), keys[0])
	if err != nil {
		t.Fatalf("EnrichOne() error = %v", err)
	}
	if got := data["category"]; got != "phishing" {
		t.Errorf("category = %v, want phishing", got)
	}
}

func TestIPReputation_KeysCoverBothDirections(t *testing.T) {
	t.Parallel()

	r, err := NewIPReputation(writeDataDir(t))
	if err != nil {
		t.Fatalf("NewIPReputation() error = %v", err)
	}
	al := &alert.Alert{Entities: []alert.Entity{
		{Type: alert.EntitySrcIP, Value: "203.0.113.54"},
		{Type: alert.EntityDstIP, Value: "198.51.100.23"},
		{Type: alert.EntityHost, Value: "web-01"},
	}}
	keys := r.Keys(al)
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want the two IPs", keys)
	}
}

func TestDefaultParams(t *testing.T) {
	t.Parallel()

	p := normalized(Params{})
	want := Params{TTL: time.Hour, RatePerMinute: 120, FailureThreshold: 5, Cooldown: 30 * time.Second}
	if p != want {
		t.Errorf("normalized zero params = %+v, want %+v", p, want)
	}
}
