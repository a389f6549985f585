// Package llm talks to an OpenAI-compatible chat-completions endpoint and
// turns its JSON answers into lead qualifications and email drafts.
package llm

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

	"github.com/google/uuid"
)

// ErrMalformedOutput is returned when the model never produced JSON matching
// the expected schema.
var ErrMalformedOutput = errors.New("malformed model output")

// Config for the chat-completions client.
type Config struct {
	APIKey  string
	BaseURL string // default https://api.openai.com/v1
	Timeout time.Duration
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completion is the first choice of a response plus its usage.
type Completion struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
}

// Completer is the single call the qualifier and drafter need.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (Completion, error)
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

func (c *Client) Complete(ctx context.Context, req ChatRequest) (Completion, error) {
	rid := uuid.NewString()
	start := time.Now()

	body := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	raw, err := c.post(ctx, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		c.logger.Error("llm.complete.http_error", "req_id", rid, "model", req.Model, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return Completion{}, err
	}

	var cc struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(cc.Choices) == 0 {
		return Completion{}, errors.New("no choices in completion response")
	}

	out := Completion{
		Content:   strings.TrimSpace(cc.Choices[0].Message.Content),
		Model:     req.Model,
		TokensIn:  cc.Usage.PromptTokens,
		TokensOut: cc.Usage.CompletionTokens,
	}
	c.logger.Info("llm.complete.ok", "req_id", rid, "model", req.Model,
		"tokens_in", out.TokensIn, "tokens_out", out.TokensOut,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm http error: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(buf)))
	}
	return buf, nil
}
