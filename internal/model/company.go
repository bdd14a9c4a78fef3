package model

import "time"

// Company holds the structured profile for a tracked ticker symbol.
// Created on first successful ingestion, updated on each subsequent one,
// never deleted by the pipeline.
type Company struct {
	Symbol           string     `json:"symbol"`
	Name             string     `json:"name"`
	Sector           string     `json:"sector,omitempty"`
	Industry         string     `json:"industry,omitempty"`
	Description      string     `json:"description,omitempty"`
	EnrichedSummary  string     `json:"enriched_summary,omitempty"`
	MarketCap        *float64   `json:"market_cap,omitempty"`
	PERatio          *float64   `json:"pe_ratio,omitempty"`
	DividendYield    *float64   `json:"dividend_yield,omitempty"`
	FiftyTwoWeekHigh *float64   `json:"fifty_two_week_high,omitempty"`
	FiftyTwoWeekLow  *float64   `json:"fifty_two_week_low,omitempty"`
	LastEnrichedAt   *time.Time `json:"last_enriched_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StockObservation is one daily OHLCV bar for a company. Unique per
// symbol+date; a re-ingest for the same date overwrites.
type StockObservation struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Classification is the closed label set for enriched articles.
type Classification string

const (
	ClassEarnings  Classification = "earnings"
	ClassProduct   Classification = "product"
	ClassLegal     Classification = "legal"
	ClassMarket    Classification = "market"
	ClassExecutive Classification = "executive"
	ClassOther     Classification = "other"
)

// AllClassifications returns the closed label set.
func AllClassifications() []Classification {
	return []Classification{
		ClassEarnings, ClassProduct, ClassLegal,
		ClassMarket, ClassExecutive, ClassOther,
	}
}

// NormalizeClassification maps arbitrary model output onto the closed set.
// Anything unrecognized becomes ClassOther.
func NormalizeClassification(s string) Classification {
	c := Classification(s)
	for _, known := range AllClassifications() {
		if c == known {
			return c
		}
	}
	return ClassOther
}

// Impact is the closed market-impact set for enriched articles.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// NormalizeImpact maps arbitrary model output onto the closed impact set.
// Anything unrecognized becomes ImpactMedium.
func NormalizeImpact(s string) Impact {
	switch Impact(s) {
	case ImpactHigh, ImpactMedium, ImpactLow:
		return Impact(s)
	}
	return ImpactMedium
}

// Insight is the structured payload extracted by the LLM for one article.
type Insight struct {
	Summary       string   `json:"summary"`
	Risks         []string `json:"risks"`
	Opportunities []string `json:"opportunities"`
	ActionItems   []string `json:"action_items"`
}

// Enrichment is the complete LLM-derived analysis for one article. It is
// persisted as a unit: an article either carries all of these fields or
// none of them.
type Enrichment struct {
	SentimentScore float64        `json:"sentiment_score"`
	SentimentLabel string         `json:"sentiment_label"`
	Classification Classification `json:"classification"`
	MarketImpact   Impact         `json:"market_impact"`
	Insight        Insight        `json:"insight"`
}

// NewsArticle is a persisted article, deduplicated by fingerprint. The
// enrichment pointers are nil until enrichment completes, then all set
// together with EnrichedAt.
type NewsArticle struct {
	Fingerprint    string          `json:"fingerprint"`
	Symbol         string          `json:"symbol"`
	Title          string          `json:"title"`
	Source         string          `json:"source,omitempty"`
	URL            string          `json:"url,omitempty"`
	Author         string          `json:"author,omitempty"`
	PublishedAt    time.Time       `json:"published_at"`
	Content        string          `json:"content"`
	SentimentScore *float64        `json:"sentiment_score,omitempty"`
	SentimentLabel *string         `json:"sentiment_label,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	MarketImpact   *Impact         `json:"market_impact,omitempty"`
	Insight        *Insight        `json:"insight,omitempty"`
	EnrichedAt     *time.Time      `json:"enriched_at,omitempty"`
}

// Enriched reports whether the article carries a complete enrichment.
func (a *NewsArticle) Enriched() bool {
	return a.SentimentScore != nil && a.Classification != nil && a.Insight != nil
}

// SetEnrichment applies a complete enrichment to the article.
func (a *NewsArticle) SetEnrichment(e Enrichment, at time.Time) {
	score := e.SentimentScore
	label := e.SentimentLabel
	class := e.Classification
	impact := e.MarketImpact
	insight := e.Insight
	a.SentimentScore = &score
	a.SentimentLabel = &label
	a.Classification = &class
	a.MarketImpact = &impact
	a.Insight = &insight
	a.EnrichedAt = &at
}

// CompanyView is the read-side aggregate returned to callers: the company
// profile plus its recent observations and articles.
type CompanyView struct {
	Company            Company            `json:"company"`
	Observations       []StockObservation `json:"observations"`
	Articles           []NewsArticle      `json:"articles"`
	AggregateSentiment *float64           `json:"aggregate_sentiment,omitempty"`
}

// CompanyInsight is a cross-company aggregation row: average sentiment and
// recent classifications over a company's enriched articles.
type CompanyInsight struct {
	Symbol          string   `json:"symbol"`
	Name            string   `json:"name"`
	AvgSentiment    float64  `json:"avg_sentiment"`
	ArticleCount    int      `json:"article_count"`
	Classifications []string `json:"classifications"`
	TopSummary      string   `json:"top_summary,omitempty"`
}
