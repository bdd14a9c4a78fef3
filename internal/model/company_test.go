package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeClassification(t *testing.T) {
	cases := []struct {
		in   string
		want Classification
	}{
		{"earnings", ClassEarnings},
		{"product", ClassProduct},
		{"legal", ClassLegal},
		{"market", ClassMarket},
		{"executive", ClassExecutive},
		{"other", ClassOther},
		{"merger", ClassOther},
		{"Earnings", ClassOther},
		{"", ClassOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeClassification(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeImpact(t *testing.T) {
	cases := []struct {
		in   string
		want Impact
	}{
		{"high", ImpactHigh},
		{"medium", ImpactMedium},
		{"low", ImpactLow},
		{"severe", ImpactMedium},
		{"", ImpactMedium},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeImpact(tc.in), "input %q", tc.in)
	}
}

func TestNewsArticle_Enriched(t *testing.T) {
	a := NewsArticle{Fingerprint: "fp", Symbol: "ACME", Title: "t"}
	assert.False(t, a.Enriched())

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.SetEnrichment(Enrichment{
		SentimentScore: 0.4,
		SentimentLabel: "positive",
		Classification: ClassEarnings,
		Insight:        Insight{Summary: "beat estimates"},
	}, at)

	assert.True(t, a.Enriched())
	assert.Equal(t, 0.4, *a.SentimentScore)
	assert.Equal(t, "positive", *a.SentimentLabel)
	assert.Equal(t, ClassEarnings, *a.Classification)
	assert.Equal(t, "beat estimates", a.Insight.Summary)
	assert.Equal(t, at, *a.EnrichedAt)
}

func TestNewsArticle_SetEnrichmentCopies(t *testing.T) {
	e := Enrichment{SentimentScore: -0.2, Classification: ClassLegal, Insight: Insight{Summary: "lawsuit"}}
	var a NewsArticle
	a.SetEnrichment(e, time.Now())

	// Mutating the source enrichment must not reach the article.
	e.SentimentScore = 0.9
	e.Insight.Summary = "changed"
	assert.Equal(t, -0.2, *a.SentimentScore)
	assert.Equal(t, "lawsuit", a.Insight.Summary)
}
