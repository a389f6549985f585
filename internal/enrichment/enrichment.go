// Package enrichment scrapes a lead's company website for context that the
// qualifier can use. Everything here is best effort.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxBodyBytes = 200_000

var industryKeywords = []struct{ keyword, industry string }{
	{"fintech", "Financial Services"},
	{"bank", "Financial Services"},
	{"payment", "Financial Services"},
	{"health", "Healthcare"},
	{"medical", "Healthcare"},
	{"clinic", "Healthcare"},
	{"ecommerce", "Ecommerce"},
	{"e-commerce", "Ecommerce"},
	{"retail", "Retail"},
	{"saas", "Software"},
	{"software", "Software"},
	{"agency", "Agency"},
	{"marketing", "Marketing"},
	{"construction", "Construction"},
	{"logistics", "Logistics"},
	{"manufacturing", "Manufacturing"},
}

var (
	titleRe     = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaDescRes = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<meta[^>]+name=["']description["'][^>]*content=["'](.*?)["']`),
		regexp.MustCompile(`(?is)<meta[^>]+property=["']og:description["'][^>]*content=["'](.*?)["']`),
	}
	linkedinRe  = regexp.MustCompile(`(?i)https?://(?:www\.)?linkedin\.com/company/([a-zA-Z0-9\-_/]+)`)
	employeesRe = regexp.MustCompile(`(?i)(\d{1,6})\s*\+?\s*employees`)
	aiWordRe    = regexp.MustCompile(`(?i)\bai\b`)
)

// Scraper implements pipeline.Enricher.
type Scraper struct {
	http   *http.Client
	cache  redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewScraper builds a scraper. cache may be nil.
func NewScraper(timeout, ttl time.Duration, cache redis.Cmdable, logger *slog.Logger) *Scraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{http: &http.Client{Timeout: timeout}, cache: cache, ttl: ttl, logger: logger}
}

// Enrich returns the scraped context for website. An unreachable site yields
// the basic context with source "basic" and no error.
func (s *Scraper) Enrich(ctx context.Context, website string) (map[string]any, error) {
	website = strings.TrimSpace(website)
	if website == "" {
		return map[string]any{}, nil
	}
	domain := Domain(website)
	if domain == "" {
		return nil, fmt.Errorf("invalid website %q", website)
	}
	root := RootURL(website)

	data, ok := s.cached(ctx, root)
	if !ok {
		var err error
		data, err = s.scrape(ctx, root)
		if err != nil {
			return nil, err
		}
		s.store(ctx, root, data)
	}
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["domain"] = domain
	return out, nil
}

func (s *Scraper) scrape(ctx context.Context, root string) (map[string]any, error) {
	page, err := s.fetch(ctx, root)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Info("enrichment fetch failed", "url", root, "err", err)
		return map[string]any{"source": "basic", "industry": "Unknown", "size": "Unknown"}, nil
	}

	title := extractTitle(page)
	desc := extractMetaDescription(page)
	if desc == "" {
		desc = title
	}
	size := EstimateCompanySize(page)
	out := map[string]any{
		"source":       "scrape",
		"industry":     InferIndustry(title + " " + desc),
		"size":         size,
		"company_size": size,
	}
	if title != "" {
		out["title"] = title
	}
	if desc != "" {
		out["description"] = desc
	}
	if slug := linkedinSlug(page); slug != "" {
		out["linkedin_company"] = slug
		out["linkedin_url"] = "https://www.linkedin.com/company/" + slug
	}
	return out, nil
}

func (s *Scraper) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "lead-pipeline/1.0")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func cacheKey(root string) string { return "enrich:" + root }

func (s *Scraper) cached(ctx context.Context, root string) (map[string]any, bool) {
	if s.cache == nil || s.ttl <= 0 {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(root)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("enrichment cache read failed", "err", err)
		}
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false
	}
	return data, true
}

func (s *Scraper) store(ctx context.Context, root string, data map[string]any) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(root), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("enrichment cache write failed", "err", err)
	}
}

// Domain returns the lowercased host of a website, port included.
func Domain(website string) string {
	w := strings.TrimSpace(website)
	w = strings.TrimPrefix(strings.TrimPrefix(w, "https://"), "http://")
	if i := strings.IndexAny(w, "/?#"); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}

// RootURL keeps an explicit http scheme and otherwise assumes https.
func RootURL(website string) string {
	scheme := "https://"
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(website)), "http://") {
		scheme = "http://"
	}
	return scheme + Domain(website)
}

func extractTitle(page string) string {
	if m := titleRe.FindStringSubmatch(page); m != nil {
		return strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return ""
}

func extractMetaDescription(page string) string {
	for _, re := range metaDescRes {
		if m := re.FindStringSubmatch(page); m != nil {
			return strings.TrimSpace(html.UnescapeString(m[1]))
		}
	}
	return ""
}

func linkedinSlug(page string) string {
	m := linkedinRe.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	return strings.Split(strings.Trim(m[1], "/"), "/")[0]
}

// EstimateCompanySize buckets the first "N employees" mention.
func EstimateCompanySize(page string) string {
	m := employeesRe.FindStringSubmatch(page)
	if m == nil {
		return "Unknown"
	}
	n, _ := strconv.Atoi(m[1])
	switch {
	case n < 10:
		return "1-9"
	case n < 50:
		return "10-49"
	case n < 200:
		return "50-199"
	case n < 1000:
		return "200-999"
	default:
		return "1000+"
	}
}

// InferIndustry returns the industry of the first keyword found in text.
func InferIndustry(text string) string {
	lower := strings.ToLower(text)
	for _, k := range industryKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.industry
		}
	}
	if aiWordRe.MatchString(text) {
		return "Software"
	}
	return "Unknown"
}
