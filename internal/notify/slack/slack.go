// Package slack sends case escalation notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

const (
	maxEntities = 8
	httpTimeout = 10 * time.Second
)

// Notifier sends escalated cases to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts an escalated case to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, c *triage.Case, entities []alert.Entity) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(c, entities))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(c *triage.Case, entities []alert.Entity) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(c),
			{"type": "divider"},
			fieldsBlock(c),
			entitiesBlock(entities),
		},
	}
}

func headerBlock(c *triage.Case) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf(":rotating_light: Case Escalated: %s", c.Summary),
		},
	}
}

func fieldsBlock(c *triage.Case) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Case:* %s", c.ID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %d", c.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.2f", c.Confidence)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Queue:* %s", c.Queue)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func entitiesBlock(entities []alert.Entity) map[string]any {
	var parts []string
	for i, e := range entities {
		if i >= maxEntities {
			parts = append(parts, fmt.Sprintf("… and %d more", len(entities)-maxEntities))
			break
		}
		parts = append(parts, fmt.Sprintf("`%s:%s`", e.Type, e.Value))
	}
	text := strings.Join(parts, " ")
	if text == "" {
		text = "_no entities_"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Entities*\n" + text,
		},
	}
}
