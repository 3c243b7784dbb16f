package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

func normalizeRaw(t *testing.T, raw string) *Result {
	t.Helper()
	res, err := NewRegistry().Normalize(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	return res
}

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"explicit vendor_a", `{"vendor":"vendor_a"}`, "vendor_a"},
		{"explicit vendor_b", `{"source":"vendor_b"}`, "vendor_b"},
		{"vendor_b by shape", `{"event":{},"entities":{}}`, "vendor_b"},
		{"explicit vendor_c", `{"vendor":"vendor_c"}`, "vendor_c"},
		{"vendor_c by finding", `{"finding":{"title":"x"}}`, "vendor_c"},
		{"vendor_c marker beats vendor_b shape", `{"vendor":"vendor_c","finding":{"title":"x"},"event":{},"entities":{}}`, "vendor_c"},
		{"vendor_a marker beats vendor_c shape", `{"vendor":"vendor_a","finding":{"title":"x"}}`, "vendor_a"},
		{"unknown falls back", `{"whatever":1}`, "vendor_a"},
	}

	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var payload map[string]any
			if err := json.Unmarshal([]byte(tt.raw), &payload); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := r.Detect(payload); got != tt.want {
				t.Errorf("Detect() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize_VendorA(t *testing.T) {
	t.Parallel()

	res := normalizeRaw(t, `{
		"vendor":"vendor_a","time":"2026-08-01T10:00:00Z","rule":"R-100",
		"severity":7,"src_ip":"192.0.2.10","user":"alice","host":"web-01",
		"title":"Suspicious login","type":"auth"
	}`)
	al := res.Alert

	if al.Vendor != "vendor_a" {
		t.Errorf("vendor = %q, want %q", al.Vendor, "vendor_a")
	}
	if al.Severity != 70 {
		t.Errorf("severity = %d, want 70", al.Severity)
	}
	if al.RuleID != "R-100" {
		t.Errorf("rule id = %q, want %q", al.RuleID, "R-100")
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !al.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", al.Timestamp, want)
	}
	if len(al.Entities) != 3 {
		t.Fatalf("entities = %v, want 3 entries", al.Entities)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
}

func TestNormalize_VendorA_MissingTitleWarns(t *testing.T) {
	t.Parallel()

	res := normalizeRaw(t, `{"vendor":"vendor_a","time":"2026-08-01T10:00:00Z","severity":3}`)
	if res.Alert.Title != "vendor_a alert" {
		t.Errorf("title = %q, want default", res.Alert.Title)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", res.Warnings)
	}
}

func TestNormalize_VendorA_BadTime(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().Normalize(json.RawMessage(`{"vendor":"vendor_a","time":"not-a-time"}`))
	if err == nil {
		t.Fatal("Normalize() error = nil, want parse error")
	}
}

func TestNormalize_VendorB(t *testing.T) {
	t.Parallel()

	res := normalizeRaw(t, `{
		"source":"vendor_b",
		"event":{"ts":1754042400,"name":"Beacon detected","severity":55,"rule_id":"VB-7"},
		"entities":{"ip":"198.51.100.23","user":"bob","host":"ws-1042"}
	}`)
	al := res.Alert

	if al.Vendor != "vendor_b" {
		t.Errorf("vendor = %q, want %q", al.Vendor, "vendor_b")
	}
	if al.Severity != 55 {
		t.Errorf("severity = %d, want 55", al.Severity)
	}
	if got := al.Timestamp; got != time.Unix(1754042400, 0).UTC() {
		t.Errorf("timestamp = %v, want %v", got, time.Unix(1754042400, 0).UTC())
	}
	var srcIP string
	for _, e := range al.Entities {
		if e.Type == alert.EntitySrcIP {
			srcIP = e.Value
		}
	}
	if srcIP != "198.51.100.23" {
		t.Errorf("src ip entity = %q, want %q", srcIP, "198.51.100.23")
	}
}

func TestNormalize_VendorC_PriorityMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		priority     string
		wantSeverity int
		wantWarnings int
	}{
		{"low", 20, 0},
		{"medium", 55, 0},
		{"HIGH", 80, 0},
		{"critical", 95, 0},
		{"bogus", 30, 1},
	}

	for _, tt := range tests {
		t.Run(tt.priority, func(t *testing.T) {
			t.Parallel()
			raw := `{"vendor":"vendor_c","observed_at":"2026-08-01T10:00:00Z",
				"finding":{"title":"Phish","priority":"` + tt.priority + `"},
				"principal":{"user":"carol"},"ioc":{"domain":"login-micros0ft.com"}}`
			res := normalizeRaw(t, raw)
			if res.Alert.Severity != tt.wantSeverity {
				t.Errorf("severity = %d, want %d", res.Alert.Severity, tt.wantSeverity)
			}
			if len(res.Warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v, want %d", res.Warnings, tt.wantWarnings)
			}
		})
	}
}

func TestNormalize_VendorC_MissingPriorityDefaultsLow(t *testing.T) {
	t.Parallel()

	res := normalizeRaw(t, `{"vendor":"vendor_c","observed_at":"2026-08-01T10:00:00Z",
		"finding":{"title":"Unprioritized finding"}}`)
	if res.Alert.Severity != 20 {
		t.Errorf("severity = %d, want 20 (missing priority means low)", res.Alert.Severity)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none for an absent priority", res.Warnings)
	}
}

func TestNormalize_RawRetained(t *testing.T) {
	t.Parallel()

	raw := `{"vendor":"vendor_a","time":"2026-08-01T10:00:00Z","title":"x"}`
	res := normalizeRaw(t, raw)
	if string(res.Alert.Raw) != raw {
		t.Errorf("raw = %s, want original payload", res.Alert.Raw)
	}
}

func TestNormalize_NotAnObject(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry().Normalize(json.RawMessage(`[1,2,3]`)); err == nil {
		t.Fatal("Normalize() error = nil, want shape error")
	}
}
