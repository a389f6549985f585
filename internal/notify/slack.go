// Package notify delivers operator alerts to Slack and outbound email
// through SendGrid.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"lead-pipeline/internal/models"
)

var severityPrefix = map[models.Severity]string{
	models.SeverityInfo:     "[INFO]",
	models.SeverityWarning:  "[WARN]",
	models.SeverityError:    "[ERROR]",
	models.SeverityCritical: "[CRITICAL]",
}

// Slack posts alerts to an incoming webhook. With no webhook configured
// alerts are logged and dropped.
type Slack struct {
	webhook string
	http    *http.Client
	logger  *slog.Logger
}

func NewSlack(webhook string, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{webhook: webhook, http: &http.Client{Timeout: 5 * time.Second}, logger: logger}
}

func (s *Slack) Alert(ctx context.Context, a models.Alert) error {
	if s.webhook == "" {
		s.logger.Info("slack webhook not configured, alert dropped", "title", a.Title, "severity", a.Severity)
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": FormatAlert(a)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

// FormatAlert renders the Slack message text: severity prefix, title,
// message, then one "*key:* value" line per non-nil field in key order.
func FormatAlert(a models.Alert) string {
	sev := a.Severity
	if sev == "" {
		sev = models.SeverityInfo
	}
	prefix, ok := severityPrefix[sev]
	if !ok {
		prefix = "[INFO]"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n%s", prefix, strings.ToUpper(string(sev)), a.Title)
	if a.Message != "" {
		b.WriteString("\n" + a.Message)
	}
	keys := make([]string, 0, len(a.Fields))
	for k, v := range a.Fields {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n*%s:* %v", k, a.Fields[k])
	}
	return b.String()
}
