package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"lead-pipeline/internal/models"
)

var emailValidator = mustCompile("email.json", emailSchema)

const maxSubjectLen = 100

// Drafter writes the first outreach email for a qualified lead.
type Drafter struct {
	llm    Completer
	opts   Options
	logger *slog.Logger
}

func NewDrafter(c Completer, opts Options, logger *slog.Logger) *Drafter {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Offer == "" {
		opts.Offer = defaultOffer
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1500
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drafter{llm: c, opts: opts, logger: logger}
}

type draftJSON struct {
	Subject  string `json:"email_subject"`
	Body     string `json:"email_body"`
	FollowUp string `json:"follow_up_task"`
}

func (d *Drafter) Draft(ctx context.Context, lead models.Lead, q models.Qualification, enrichment map[string]any) (models.EmailDraft, error) {
	prompt := draftPrompt(d.opts.Offer, fieldsOf(lead), q.Score, q.Reason, q.PersonalizationPoints, enrichment)
	var tokensIn, tokensOut int
	var lastErr error
	for attempt := 0; attempt <= d.opts.Retries; attempt++ {
		c, err := d.llm.Complete(ctx, ChatRequest{
			Model:       d.opts.Model,
			Messages:    []Message{{Role: "system", Content: draftSystem}, {Role: "user", Content: prompt}},
			MaxTokens:   d.opts.MaxTokens,
			Temperature: d.opts.Temperature,
		})
		if err != nil {
			return models.EmailDraft{}, err
		}
		tokensIn += c.TokensIn
		tokensOut += c.TokensOut

		var out draftJSON
		if err := decodeValidated(emailValidator, c.Content, &out); err != nil {
			lastErr = err
			d.logger.Warn("draft output rejected", "attempt", attempt+1, "err", err)
			prompt += retryNudge
			continue
		}
		subject := out.Subject
		if len(subject) > maxSubjectLen {
			subject = subject[:maxSubjectLen-3] + "..."
		}
		return models.EmailDraft{
			Subject:      subject,
			Body:         personalize(out.Body, lead.Name),
			FollowUpTask: out.FollowUp,
			TokensIn:     tokensIn,
			TokensOut:    tokensOut,
			Model:        d.opts.Model,
		}, nil
	}
	return models.EmailDraft{}, fmt.Errorf("draft after %d attempts: %w", d.opts.Retries+1, lastErr)
}

var namePlaceholders = []string{"{{name}}", "[Name]", "{name}", "[name]", "{Name}"}

// personalize fills name placeholders the model left in the body.
func personalize(body, name string) string {
	fill := name
	if strings.TrimSpace(fill) == "" {
		fill = "there"
	}
	for _, p := range namePlaceholders {
		body = strings.ReplaceAll(body, p, fill)
	}
	if strings.TrimSpace(name) != "" {
		body = strings.ReplaceAll(body, "Hi there", "Hi "+name)
	}
	return body
}
