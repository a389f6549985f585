package enrichment

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><head>
<title>Acme &amp; Co | Freight Platform</title>
<meta name="description" content="Freight logistics for growing shippers">
</head><body>
<p>Over 120+ employees worldwide.</p>
<a href="https://www.linkedin.com/company/acme-co/about">LinkedIn</a>
</body></html>`

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEnrich_ScrapesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, page)
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewScraper(time.Second, time.Hour, rdb, quietLogger())

	got, err := s.Enrich(context.Background(), srv.URL+"/pricing")
	require.NoError(t, err)
	assert.Equal(t, "scrape", got["source"])
	assert.Equal(t, "Acme & Co | Freight Platform", got["title"])
	assert.Equal(t, "Freight logistics for growing shippers", got["description"])
	assert.Equal(t, "Logistics", got["industry"])
	assert.Equal(t, "50-199", got["size"])
	assert.Equal(t, "acme-co", got["linkedin_company"])
	assert.Equal(t, Domain(srv.URL), got["domain"])

	again, err := s.Enrich(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, int32(1), hits.Load())

	mr.FastForward(2 * time.Hour)
	_, err = s.Enrich(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEnrich_UnreachableSiteIsBasic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewScraper(time.Second, 0, nil, quietLogger())
	got, err := s.Enrich(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "basic", got["source"])
	assert.Equal(t, "Unknown", got["industry"])
}

func TestEnrich_EmptyWebsite(t *testing.T) {
	s := NewScraper(time.Second, 0, nil, quietLogger())
	got, err := s.Enrich(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDomainAndRootURL(t *testing.T) {
	assert.Equal(t, "acme.io", Domain("https://Acme.io/about?x=1"))
	assert.Equal(t, "acme.io", Domain("acme.io"))
	assert.Equal(t, "https://acme.io", RootURL("acme.io/team"))
	assert.Equal(t, "http://acme.io", RootURL("http://acme.io"))
}

func TestEstimateCompanySize(t *testing.T) {
	assert.Equal(t, "1-9", EstimateCompanySize("we are 4 employees"))
	assert.Equal(t, "10-49", EstimateCompanySize("12 employees"))
	assert.Equal(t, "1000+", EstimateCompanySize("2500 Employees"))
	assert.Equal(t, "Unknown", EstimateCompanySize("a small team"))
}

func TestInferIndustry(t *testing.T) {
	assert.Equal(t, "Healthcare", InferIndustry("Modern medical billing"))
	assert.Equal(t, "Software", InferIndustry("AI for accountants"))
	assert.Equal(t, "Unknown", InferIndustry("Email the team"))
}
