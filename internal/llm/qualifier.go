package llm

import (
	"context"
	"fmt"
	"log/slog"

	"lead-pipeline/internal/models"
)

// Options shared by the qualifier and the drafter.
type Options struct {
	Model       string
	Offer       string
	Retries     int // extra attempts on malformed output
	MaxTokens   int
	Temperature float64
}

type leadFields struct {
	Name, Email, Company, Website, Message, Source string
}

func fieldsOf(l models.Lead) leadFields {
	return leadFields{Name: l.Name, Email: l.Email, Company: l.Company, Website: l.Website, Message: l.Message, Source: l.Source}
}

var qualificationValidator = mustCompile("qualification.json", qualificationSchema)

// Qualifier scores leads against the rubric.
type Qualifier struct {
	llm    Completer
	opts   Options
	logger *slog.Logger
}

func NewQualifier(c Completer, opts Options, logger *slog.Logger) *Qualifier {
	if opts.Model == "" {
		opts.Model = "gpt-4o"
	}
	if opts.Offer == "" {
		opts.Offer = defaultOffer
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 2000
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Qualifier{llm: c, opts: opts, logger: logger}
}

type qualificationJSON struct {
	Score           int      `json:"qualification_score"`
	Label           string   `json:"qualification_label"`
	KeyReason       string   `json:"key_reason"`
	Points          []string `json:"personalization_points"`
	CompanyFitScore int      `json:"company_fit_score"`
	IntentScore     int      `json:"intent_score"`
	EngagementScore int      `json:"engagement_score"`
	TimingScore     int      `json:"timing_score"`
}

// Qualify returns the verdict with tokens summed over every attempt. A
// transport error ends the call at once; malformed output is retried with
// a stricter prompt.
func (q *Qualifier) Qualify(ctx context.Context, lead models.Lead, enrichment map[string]any) (models.Qualification, error) {
	prompt := qualificationPrompt(q.opts.Offer, fieldsOf(lead), enrichment)
	var tokensIn, tokensOut int
	var lastErr error
	for attempt := 0; attempt <= q.opts.Retries; attempt++ {
		c, err := q.llm.Complete(ctx, ChatRequest{
			Model:       q.opts.Model,
			Messages:    []Message{{Role: "system", Content: qualifySystem}, {Role: "user", Content: prompt}},
			MaxTokens:   q.opts.MaxTokens,
			Temperature: q.opts.Temperature,
		})
		if err != nil {
			return models.Qualification{}, err
		}
		tokensIn += c.TokensIn
		tokensOut += c.TokensOut

		var out qualificationJSON
		if err := decodeValidated(qualificationValidator, c.Content, &out); err != nil {
			lastErr = err
			q.logger.Warn("qualification output rejected", "attempt", attempt+1, "err", err)
			prompt += retryNudge
			continue
		}
		label := NormalizeLabel(out.Score, out.Label)
		q.logger.Info("lead qualified", "label", label, "score", out.Score)
		return models.Qualification{
			Score:                 out.Score,
			Label:                 label,
			Reason:                out.KeyReason,
			PersonalizationPoints: out.Points,
			CompanyFitScore:       out.CompanyFitScore,
			IntentScore:           out.IntentScore,
			EngagementScore:       out.EngagementScore,
			TimingScore:           out.TimingScore,
			TokensIn:              tokensIn,
			TokensOut:             tokensOut,
			Model:                 q.opts.Model,
		}, nil
	}
	return models.Qualification{}, fmt.Errorf("qualify after %d attempts: %w", q.opts.Retries+1, lastErr)
}

// NormalizeLabel keeps the model's label consistent with its score: 70 and
// up is always qualified, below 40 always disqualified, and the middle band
// may be qualified or review.
func NormalizeLabel(score int, label string) string {
	switch {
	case score >= 70:
		return models.LabelQualified
	case score >= 40:
		if label == models.LabelQualified {
			return label
		}
		return models.LabelReview
	default:
		return models.LabelDisqualified
	}
}
