package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lead-pipeline/internal/models"
)

const providerSendGrid = "sendgrid"

// SendGrid sends plain-text email through the v3 mail/send API.
type SendGrid struct {
	apiKey   string
	baseURL  string
	from     string
	fromName string
	http     *http.Client
	logger   *slog.Logger
}

func NewSendGrid(apiKey, baseURL, from, fromName string, logger *slog.Logger) *SendGrid {
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGrid{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		from:     from,
		fromName: fromName,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMessage struct {
	Personalizations []struct {
		To []sgAddress `json:"to"`
	} `json:"personalizations"`
	From    sgAddress   `json:"from"`
	Subject string      `json:"subject"`
	Content []sgContent `json:"content"`
}

// Send returns the provider response. A non-202 answer comes back as a
// result with its status code and body, not as an error; an error means
// the request never completed.
func (s *SendGrid) Send(ctx context.Context, email models.OutboundEmail) (models.SendResult, error) {
	res := models.SendResult{Provider: providerSendGrid}
	if s.apiKey == "" || s.from == "" {
		err := errors.New("sendgrid api key or from address not configured")
		res.Error = err.Error()
		return res, err
	}

	msg := sgMessage{
		From:    sgAddress{Email: s.from, Name: s.fromName},
		Subject: email.Subject,
		Content: []sgContent{{Type: "text/plain", Value: email.Body}},
	}
	msg.Personalizations = make([]struct {
		To []sgAddress `json:"to"`
	}, 1)
	msg.Personalizations[0].To = []sgAddress{{Email: email.To, Name: email.ToName}}

	body, err := json.Marshal(msg)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		res.Error = err.Error()
		s.logger.Error("sendgrid send failed", "err", err)
		return res, fmt.Errorf("sendgrid: %w", err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.MessageID = resp.Header.Get("X-Message-Id")
	res.Headers = make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		res.Headers[k] = resp.Header.Get(k)
	}
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		res.Error = strings.TrimSpace(string(raw))
		if res.Error == "" {
			res.Error = http.StatusText(resp.StatusCode)
		}
		s.logger.Warn("sendgrid rejected email", "status", resp.StatusCode, "body", res.Error)
	}
	return res, nil
}
