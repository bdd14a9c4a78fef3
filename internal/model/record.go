package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CompanyProfile is the normalized structured-provider payload before it is
// merged into a persisted Company.
type CompanyProfile struct {
	Symbol           string
	Name             string
	Sector           string
	Industry         string
	Description      string
	MarketCap        *float64
	PERatio          *float64
	DividendYield    *float64
	FiftyTwoWeekHigh *float64
	FiftyTwoWeekLow  *float64
}

// RawBar is one unvalidated OHLCV row as parsed from the structured provider.
type RawBar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// RawArticle is one unvalidated article as parsed from the unstructured
// provider.
type RawArticle struct {
	Title       string
	Source      string
	URL         string
	Author      string
	PublishedAt time.Time
	Content     string
}

// CleanBar is a validated OHLCV row. Only the cleaning stage produces these,
// so downstream code cannot receive an unvalidated bar by construction.
type CleanBar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// CleanArticle is a validated, normalized article with its dedup fingerprint
// assigned. Only the cleaning stage produces these.
type CleanArticle struct {
	Fingerprint string
	Title       string
	Source      string
	URL         string
	Author      string
	PublishedAt time.Time
	Content     string
}

// Fingerprint derives the deterministic dedup key for an article from its
// normalized title, source, and publish date. Repeated ingestion of
// overlapping news windows maps the same article to the same key.
func Fingerprint(title, source string, publishedAt time.Time) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	h := sha256.Sum256([]byte(norm(title) + "|" + norm(source) + "|" + publishedAt.UTC().Format("2006-01-02")))
	return hex.EncodeToString(h[:])
}

// IngestionBatch is everything one ingestion run persists for a company.
// The store applies it as a single transaction, including the company's
// last-enriched timestamp when set, so the timestamp cannot outlive a
// batch that failed to land.
type IngestionBatch struct {
	Company      Company
	Observations []StockObservation
	Articles     []NewsArticle

	// EnrichedAt, when non-nil, updates the company's last_enriched_at
	// inside the same transaction.
	EnrichedAt *time.Time
}
