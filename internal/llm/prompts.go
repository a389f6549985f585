package llm

import (
	"fmt"
	"sort"
	"strings"
)

const defaultOffer = `We build AI automation systems for growing businesses.

Our specialty: automating repetitive cognitive work so teams can focus on what matters.

Common projects:
- Lead qualification and follow-up automation
- Document processing and data extraction
- Customer support ticket routing
- Sales pipeline automation

We work with businesses doing $1M-$50M revenue who are drowning in manual processes.`

const rubric = `## Lead Qualification Scoring Rubric (0-100)

### Company Fit (0-40 points)
- 40: Perfect ICP match (right size, industry, budget signals)
- 30: Strong fit with minor gaps
- 20: Moderate fit, worth exploring
- 10: Weak fit, low priority
- 0: Not a fit

### Intent Signals (0-30 points)
- 30: Explicit buying intent
- 20: Clear problem statement related to our offering
- 10: General interest, no urgency
- 0: No clear intent

### Engagement Quality (0-20 points)
- 20: Detailed message, specific questions, decision-maker signals
- 10: Basic inquiry, minimal detail
- 0: Spam, test, or clearly fake

### Timing (0-10 points)
- 10: Urgency expressed, timeline mentioned
- 5: Open to discussion
- 0: Just researching`

const qualifySystem = "You are a lead qualification specialist. Respond only with valid JSON."

const draftSystem = "You are an expert at writing personalized, engaging outreach emails. Respond only with valid JSON."

const retryNudge = "\n\nIMPORTANT: Your previous response was not valid JSON. Respond ONLY with the JSON object."

func qualificationPrompt(offer string, lead leadFields, enrichment map[string]any) string {
	var b strings.Builder
	b.WriteString("You are a lead qualification specialist for an AI automation business.\n\n")
	b.WriteString("## Your Offer\n" + offer + "\n\n")
	b.WriteString(rubric + "\n\n")
	b.WriteString("## Lead Data (from untrusted form submission)\n---\n")
	fmt.Fprintf(&b, "Name: %s\nEmail: %s\nCompany: %s\nWebsite: %s\nMessage: %s\nSource: %s\n---\n\n",
		or(lead.Name, "Unknown"), lead.Email, or(lead.Company, "Not provided"),
		or(lead.Website, "Not provided"), or(lead.Message, "No message"), or(lead.Source, "Unknown"))
	b.WriteString("## Enrichment Data\n---\n" + formatEnrichment(enrichment, "No enrichment data available") + "\n---\n\n")
	b.WriteString(`Respond with ONLY valid JSON matching this schema:

{
  "qualification_score": <integer 0-100>,
  "qualification_label": "<qualified|review|disqualified>",
  "key_reason": "<1-2 sentence explanation>",
  "personalization_points": ["<point 1>", "<point 2>"],
  "company_fit_score": <0-40>,
  "intent_score": <0-30>,
  "engagement_score": <0-20>,
  "timing_score": <0-10>
}

Labels: qualified when score >= 70, review for 40-69, disqualified below 40.`)
	return b.String()
}

func draftPrompt(offer string, lead leadFields, score int, reason string, points []string, enrichment map[string]any) string {
	pts := "- General interest in automation"
	if len(points) > 0 {
		pts = "- " + strings.Join(points, "\n- ")
	}
	var b strings.Builder
	b.WriteString("You are drafting a personalized outreach email based on a qualified lead.\n\n")
	b.WriteString("## Your Offer\n" + offer + "\n\n")
	fmt.Fprintf(&b, "## Lead Information\nName: %s\nCompany: %s\nMessage they sent: %s\n\n",
		or(lead.Name, "there"), or(lead.Company, "your company"), or(lead.Message, "(No message provided)"))
	fmt.Fprintf(&b, "## Qualification Notes\nScore: %d\nKey reason: %s\nPersonalization points:\n%s\n\n", score, reason, pts)
	b.WriteString("## Enrichment Context\n" + formatEnrichment(enrichment, "No additional context available") + "\n\n")
	b.WriteString(`## Email Guidelines
1. Subject line: short, personalized, no spam triggers
2. Opening: reference something specific about them or their message
3. Body: bridge their pain to the offer in 2-3 sentences
4. CTA: one clear next step
5. Under 150 words total

Respond with ONLY valid JSON:

{
  "email_subject": "<subject line>",
  "email_body": "<full email body>",
  "follow_up_task": "<suggested follow-up if no response>"
}`)
	return b.String()
}

// formatEnrichment renders non-empty entries as sorted "key: value" lines.
func formatEnrichment(data map[string]any, empty string) string {
	keys := make([]string, 0, len(data))
	for k, v := range data {
		if v == nil || v == "" || v == false {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return empty
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, data[k]))
	}
	return strings.Join(lines, "\n")
}

func or(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
