// Package cfg holds the service configuration, bound to flags and filled
// from AUTOTRIAGE_-prefixed environment variables by main.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config is the full service configuration.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	DataDir               string
	RulesDir              string
	DedupWindowSeconds    int
	CorrelationWindowSecs int
	EnabledEnrichers      string
	WorkerCount           int
	WorkerPollMs          int
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.DataDir, "data-dir", "data", "directory with enrichment data files")
	fs.StringVar(&c.RulesDir, "rules-dir", "rules", "directory with scoring/thresholds/routing rule files")
	fs.IntVar(&c.DedupWindowSeconds, "dedup-window-seconds", 600, "fingerprint dedup window in seconds")
	fs.IntVar(&c.CorrelationWindowSecs, "correlation-window-seconds", 3600, "entity correlation window in seconds")
	fs.StringVar(&c.EnabledEnrichers, "enabled-enrichers", "", "comma-separated enricher names (empty = all built-in)")
	fs.IntVar(&c.WorkerCount, "worker-count", 1, "pipeline worker goroutines (1..64)")
	fs.IntVar(&c.WorkerPollMs, "worker-poll-ms", 250, "worker idle poll interval in milliseconds")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.RulesDir == "" {
		errs = append(errs, errors.New("RULES_DIR is required"))
	}
	if c.DedupWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW_SECONDS %d (must be positive)", c.DedupWindowSeconds))
	}
	if c.CorrelationWindowSecs <= 0 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_WINDOW_SECONDS %d (must be positive)", c.CorrelationWindowSecs))
	}
	if c.WorkerCount <= 0 || c.WorkerCount > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKER_COUNT %d (must be 1..64)", c.WorkerCount))
	}
	if c.WorkerPollMs <= 0 {
		errs = append(errs, fmt.Errorf("invalid WORKER_POLL_MS %d (must be positive)", c.WorkerPollMs))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnricherList parses the comma-separated enricher names; empty means "use
// the built-in default set".
func (c *Config) EnricherList() []string {
	if strings.TrimSpace(c.EnabledEnrichers) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(c.EnabledEnrichers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Sanitized returns the configuration for the /config echo endpoint with
// secrets redacted.
func (c *Config) Sanitized() map[string]any {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	return map[string]any{
		"http_port":                  c.APIPort,
		"api_token":                  redact(c.APIToken),
		"database_url":               redact(c.DatabaseURL),
		"data_dir":                   c.DataDir,
		"rules_dir":                  c.RulesDir,
		"dedup_window_seconds":       c.DedupWindowSeconds,
		"correlation_window_seconds": c.CorrelationWindowSecs,
		"enabled_enrichers":          c.EnricherList(),
		"worker_count":               c.WorkerCount,
		"worker_poll_ms":             c.WorkerPollMs,
		"drain_seconds":              c.DrainSeconds,
		"shutdown_budget_seconds":    c.ShutdownBudgetSeconds,
		"slack_webhook_url":          redact(c.SlackWebhookURL),
	}
}
