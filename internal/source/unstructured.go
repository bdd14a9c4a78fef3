package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-intel/internal/gate"
	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/resilience"
	"github.com/sells-group/company-intel/pkg/newsapi"
)

// ProviderNewsAPI is the gate and breaker key for the unstructured provider.
const ProviderNewsAPI = "newsapi"

// UnstructuredOptions tunes the news search window.
type UnstructuredOptions struct {
	Language    string
	Lookback    time.Duration
	MaxArticles int
}

// UnstructuredSource fetches recent news articles about a company.
type UnstructuredSource struct {
	client  newsapi.Client
	gate    *gate.Gate
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	opts    UnstructuredOptions

	nowFunc func() time.Time
}

// NewUnstructured creates an UnstructuredSource.
func NewUnstructured(client newsapi.Client, g *gate.Gate, breaker *resilience.Breaker, retry resilience.RetryConfig, opts UnstructuredOptions) *UnstructuredSource {
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if opts.MaxArticles <= 0 {
		opts.MaxArticles = 100
	}
	return &UnstructuredSource{
		client:  client,
		gate:    g,
		breaker: breaker,
		retry:   retry,
		opts:    opts,
		nowFunc: time.Now,
	}
}

// Fetch returns raw articles mentioning the company, deduplicated within
// the result set. The company name is the search term when known, the
// ticker symbol otherwise.
func (s *UnstructuredSource) Fetch(ctx context.Context, symbol, companyName string) ([]model.RawArticle, error) {
	query := companyName
	if query == "" {
		query = symbol
	}

	now := s.nowFunc().UTC()
	from := now.Add(-s.opts.Lookback)

	// Day granularity keeps the cache key stable across calls inside the
	// same ingestion window.
	cacheKey := "everything:" + query + ":" + from.Format("2006-01-02")

	data, cached, err := s.gate.Do(ctx, ProviderNewsAPI, cacheKey, func(ctx context.Context) ([]byte, error) {
		articles, err := s.callEverything(ctx, query, from, now)
		if err != nil {
			return nil, err
		}
		return json.Marshal(articles)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		zap.L().Debug("unstructured: search served from cache",
			zap.String("symbol", symbol), zap.String("query", query))
	}

	var results []newsapi.Article
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "source: decode cached articles"))
	}
	return normalizeArticles(results), nil
}

func (s *UnstructuredSource) callEverything(ctx context.Context, query string, from, to time.Time) ([]newsapi.Article, error) {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger(ProviderNewsAPI, "everything")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]newsapi.Article, error) {
		return resilience.BreakerVal(ctx, s.breaker, func(ctx context.Context) ([]newsapi.Article, error) {
			return s.client.Everything(ctx, newsapi.EverythingQuery{
				Query:      query,
				From:       from,
				To:         to,
				Language:   s.opts.Language,
				SortBy:     "publishedAt",
				MaxResults: s.opts.MaxArticles,
			})
		})
	})
}

// normalizeArticles maps provider results onto raw records, dropping
// repeats of the same story within the batch.
func normalizeArticles(results []newsapi.Article) []model.RawArticle {
	seen := make(map[string]bool, len(results))
	articles := make([]model.RawArticle, 0, len(results))
	for _, r := range results {
		key := model.Fingerprint(r.Title, r.Source.Name, r.PublishedAt)
		if seen[key] {
			continue
		}
		seen[key] = true

		content := r.Content
		if content == "" {
			content = r.Description
		}
		articles = append(articles, model.RawArticle{
			Title:       r.Title,
			Source:      r.Source.Name,
			URL:         r.URL,
			Author:      r.Author,
			PublishedAt: r.PublishedAt.UTC(),
			Content:     content,
		})
	}
	return articles
}
