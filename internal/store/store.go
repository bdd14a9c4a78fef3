package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-intel/internal/model"
)

// ApplyResult reports what an ingestion transaction changed.
type ApplyResult struct {
	BarsUpserted     int `json:"bars_upserted"`
	ArticlesInserted int `json:"articles_inserted"`
	ArticlesExisting int `json:"articles_existing"`
}

// ViewOptions bounds the read-side aggregate.
type ViewOptions struct {
	ObservationLimit int
	ArticleLimit     int
}

// Store defines the persistence interface for the ingestion pipeline.
// ApplyIngestion is atomic: either the whole batch lands or none of it.
type Store interface {
	ApplyIngestion(ctx context.Context, batch model.IngestionBatch) (*ApplyResult, error)

	GetCompany(ctx context.Context, symbol string) (*model.Company, error)
	GetCompanyView(ctx context.Context, symbol string, opts ViewOptions) (*model.CompanyView, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)

	ListUnenrichedArticles(ctx context.Context, symbol string, limit int) ([]model.NewsArticle, error)
	UpdateArticleEnrichment(ctx context.Context, fingerprint string, e model.Enrichment, at time.Time) error
	MarkEnriched(ctx context.Context, symbol string, at time.Time) error

	Insights(ctx context.Context) ([]model.CompanyInsight, error)

	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by lookups for unknown symbols or fingerprints.
// Callers test with errors.Is.
var ErrNotFound = eris.New("store: not found")
