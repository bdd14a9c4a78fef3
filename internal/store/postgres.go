package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/company-intel/internal/db"
	"github.com/sells-group/company-intel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	symbol           TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	sector           TEXT NOT NULL DEFAULT '',
	industry         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	enriched_summary TEXT NOT NULL DEFAULT '',
	market_cap       DOUBLE PRECISION,
	pe_ratio         DOUBLE PRECISION,
	dividend_yield   DOUBLE PRECISION,
	week52_high      DOUBLE PRECISION,
	week52_low       DOUBLE PRECISION,
	last_enriched_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stock_observations (
	symbol TEXT NOT NULL REFERENCES companies(symbol),
	date   TIMESTAMPTZ NOT NULL,
	open   DOUBLE PRECISION NOT NULL,
	high   DOUBLE PRECISION NOT NULL,
	low    DOUBLE PRECISION NOT NULL,
	close  DOUBLE PRECISION NOT NULL,
	volume BIGINT NOT NULL,
	PRIMARY KEY (symbol, date)
);

CREATE TABLE IF NOT EXISTS news_articles (
	fingerprint     TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL REFERENCES companies(symbol),
	title           TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	author          TEXT NOT NULL DEFAULT '',
	published_at    TIMESTAMPTZ NOT NULL,
	content         TEXT NOT NULL,
	sentiment_score DOUBLE PRECISION,
	sentiment_label TEXT,
	classification  TEXT,
	market_impact   TEXT,
	insight         JSONB,
	enriched_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_observations_symbol_date ON stock_observations(symbol, date DESC);
CREATE INDEX IF NOT EXISTS idx_articles_symbol_published ON news_articles(symbol, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_unenriched ON news_articles(symbol) WHERE enriched_at IS NULL;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ApplyIngestion writes the whole batch in one transaction. Observation
// rows for a known symbol go through the COPY-based bulk upsert as a
// savepoint inside it; a brand-new symbol takes the plain COPY path.
func (s *PostgresStore) ApplyIngestion(ctx context.Context, batch model.IngestionBatch) (*ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin ingestion")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	c := batch.Company

	var companyExists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM companies WHERE symbol = $1)`, c.Symbol,
	).Scan(&companyExists)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: check company %s", c.Symbol)
	}

	var enrichedAt *time.Time
	if batch.EnrichedAt != nil {
		t := batch.EnrichedAt.UTC()
		enrichedAt = &t
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO companies (symbol, name, sector, industry, description,
			enriched_summary, market_cap, pe_ratio, dividend_yield, week52_high,
			week52_low, last_enriched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (symbol) DO UPDATE SET
			name = EXCLUDED.name,
			sector = EXCLUDED.sector,
			industry = EXCLUDED.industry,
			description = EXCLUDED.description,
			enriched_summary = COALESCE(NULLIF(EXCLUDED.enriched_summary, ''), companies.enriched_summary),
			market_cap = EXCLUDED.market_cap,
			pe_ratio = EXCLUDED.pe_ratio,
			dividend_yield = EXCLUDED.dividend_yield,
			week52_high = EXCLUDED.week52_high,
			week52_low = EXCLUDED.week52_low,
			last_enriched_at = COALESCE(EXCLUDED.last_enriched_at, companies.last_enriched_at),
			updated_at = EXCLUDED.updated_at`,
		c.Symbol, c.Name, c.Sector, c.Industry, c.Description,
		c.EnrichedSummary, c.MarketCap, c.PERatio, c.DividendYield, c.FiftyTwoWeekHigh,
		c.FiftyTwoWeekLow, enrichedAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert company %s", c.Symbol)
	}

	result := &ApplyResult{}

	if len(batch.Observations) > 0 {
		rows := make([][]any, 0, len(batch.Observations))
		for _, o := range batch.Observations {
			rows = append(rows, []any{o.Symbol, o.Date.UTC(), o.Open, o.High, o.Low, o.Close, o.Volume})
		}
		obsColumns := []string{"symbol", "date", "open", "high", "low", "close", "volume"}

		var n int64
		if companyExists {
			n, err = db.BulkUpsert(ctx, tx, db.UpsertConfig{
				Table:        "stock_observations",
				Columns:      obsColumns,
				ConflictKeys: []string{"symbol", "date"},
			}, rows)
		} else {
			// First ingest for this symbol: no rows to conflict with, so
			// plain COPY beats the temp-table upsert.
			n, err = db.CopyFrom(ctx, tx, "stock_observations", obsColumns, rows)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert observations %s", c.Symbol)
		}
		result.BarsUpserted = int(n)
	}

	for _, a := range batch.Articles {
		insightJSON, err := marshalInsight(a.Insight)
		if err != nil {
			return nil, err
		}

		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM news_articles WHERE fingerprint = $1)`, a.Fingerprint,
		).Scan(&exists)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: check article %s", a.Fingerprint)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO news_articles (fingerprint, symbol, title, source, url, author,
				published_at, content, sentiment_score, sentiment_label, classification,
				market_impact, insight, enriched_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (fingerprint) DO UPDATE SET
				sentiment_score = COALESCE(news_articles.sentiment_score, EXCLUDED.sentiment_score),
				sentiment_label = COALESCE(news_articles.sentiment_label, EXCLUDED.sentiment_label),
				classification  = COALESCE(news_articles.classification, EXCLUDED.classification),
				market_impact   = COALESCE(news_articles.market_impact, EXCLUDED.market_impact),
				insight         = COALESCE(news_articles.insight, EXCLUDED.insight),
				enriched_at     = COALESCE(news_articles.enriched_at, EXCLUDED.enriched_at)`,
			a.Fingerprint, a.Symbol, a.Title, a.Source, a.URL, a.Author,
			a.PublishedAt.UTC(), a.Content, a.SentimentScore, a.SentimentLabel,
			classificationString(a.Classification), marketImpactString(a.MarketImpact), insightJSON, a.EnrichedAt, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert article %s", a.Fingerprint)
		}
		if exists {
			result.ArticlesExisting++
		} else {
			result.ArticlesInserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit ingestion")
	}
	return result, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, symbol string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, name, sector, industry, description, enriched_summary, market_cap,
			pe_ratio, dividend_yield, week52_high, week52_low, last_enriched_at, created_at, updated_at
		FROM companies WHERE symbol = $1`, symbol,
	).Scan(&c.Symbol, &c.Name, &c.Sector, &c.Industry, &c.Description, &c.EnrichedSummary,
		&c.MarketCap, &c.PERatio, &c.DividendYield, &c.FiftyTwoWeekHigh, &c.FiftyTwoWeekLow,
		&c.LastEnrichedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: company %s", symbol)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", symbol)
	}
	return &c, nil
}

func (s *PostgresStore) GetCompanyView(ctx context.Context, symbol string, opts ViewOptions) (*model.CompanyView, error) {
	company, err := s.GetCompany(ctx, symbol)
	if err != nil {
		return nil, err
	}
	view := &model.CompanyView{Company: *company}

	obsLimit := opts.ObservationLimit
	if obsLimit <= 0 {
		obsLimit = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, date, open, high, low, close, volume
		FROM stock_observations WHERE symbol = $1
		ORDER BY date DESC LIMIT $2`, symbol, obsLimit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list observations %s", symbol)
	}
	defer rows.Close()
	for rows.Next() {
		var o model.StockObservation
		if err := rows.Scan(&o.Symbol, &o.Date, &o.Open, &o.High, &o.Low, &o.Close, &o.Volume); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		view.Observations = append(view.Observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate observations")
	}

	artLimit := opts.ArticleLimit
	if artLimit <= 0 {
		artLimit = 50
	}
	view.Articles, err = s.queryArticles(ctx, `
		SELECT fingerprint, symbol, title, source, url, author, published_at, content,
			sentiment_score, sentiment_label, classification, market_impact, insight, enriched_at
		FROM news_articles WHERE symbol = $1
		ORDER BY published_at DESC LIMIT $2`, symbol, artLimit)
	if err != nil {
		return nil, err
	}

	var avg *float64
	err = s.pool.QueryRow(ctx,
		`SELECT AVG(sentiment_score) FROM news_articles WHERE symbol = $1 AND sentiment_score IS NOT NULL`,
		symbol,
	).Scan(&avg)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: aggregate sentiment %s", symbol)
	}
	view.AggregateSentiment = avg
	return view, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, name, sector, industry, description, enriched_summary, market_cap,
			pe_ratio, dividend_yield, week52_high, week52_low, last_enriched_at, created_at, updated_at
		FROM companies ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		err := rows.Scan(&c.Symbol, &c.Name, &c.Sector, &c.Industry, &c.Description, &c.EnrichedSummary,
			&c.MarketCap, &c.PERatio, &c.DividendYield, &c.FiftyTwoWeekHigh, &c.FiftyTwoWeekLow,
			&c.LastEnrichedAt, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "postgres: iterate companies")
}

func (s *PostgresStore) ListUnenrichedArticles(ctx context.Context, symbol string, limit int) ([]model.NewsArticle, error) {
	if limit <= 0 {
		limit = 100
	}
	if symbol != "" {
		return s.queryArticles(ctx, `
			SELECT fingerprint, symbol, title, source, url, author, published_at, content,
				sentiment_score, sentiment_label, classification, market_impact, insight, enriched_at
			FROM news_articles WHERE enriched_at IS NULL AND symbol = $1
			ORDER BY published_at DESC LIMIT $2`, symbol, limit)
	}
	return s.queryArticles(ctx, `
		SELECT fingerprint, symbol, title, source, url, author, published_at, content,
			sentiment_score, sentiment_label, classification, market_impact, insight, enriched_at
		FROM news_articles WHERE enriched_at IS NULL
		ORDER BY published_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) UpdateArticleEnrichment(ctx context.Context, fingerprint string, e model.Enrichment, at time.Time) error {
	insightJSON, err := json.Marshal(e.Insight)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal insight")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE news_articles
		SET sentiment_score = $1, sentiment_label = $2, classification = $3, market_impact = $4, insight = $5, enriched_at = $6
		WHERE fingerprint = $7`,
		e.SentimentScore, e.SentimentLabel, string(e.Classification), string(e.MarketImpact), insightJSON, at.UTC(), fingerprint,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update enrichment %s", fingerprint)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: article %s", fingerprint)
	}
	return nil
}

func (s *PostgresStore) MarkEnriched(ctx context.Context, symbol string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET last_enriched_at = $1, updated_at = $2 WHERE symbol = $3`,
		at.UTC(), time.Now().UTC(), symbol,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark enriched %s", symbol)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: company %s", symbol)
	}
	return nil
}

func (s *PostgresStore) Insights(ctx context.Context) ([]model.CompanyInsight, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.symbol, c.name, AVG(a.sentiment_score), COUNT(a.fingerprint)
		FROM companies c
		JOIN news_articles a ON a.symbol = c.symbol AND a.enriched_at IS NOT NULL
		GROUP BY c.symbol, c.name
		ORDER BY c.symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insights")
	}
	defer rows.Close()

	var insights []model.CompanyInsight
	for rows.Next() {
		var ci model.CompanyInsight
		if err := rows.Scan(&ci.Symbol, &ci.Name, &ci.AvgSentiment, &ci.ArticleCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan insight")
		}
		insights = append(insights, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate insights")
	}

	for i := range insights {
		if err := s.fillInsightDetail(ctx, &insights[i]); err != nil {
			return nil, err
		}
	}
	return insights, nil
}

func (s *PostgresStore) fillInsightDetail(ctx context.Context, ci *model.CompanyInsight) error {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT classification FROM news_articles
		WHERE symbol = $1 AND classification IS NOT NULL
		ORDER BY classification`, ci.Symbol)
	if err != nil {
		return eris.Wrapf(err, "postgres: classifications %s", ci.Symbol)
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return eris.Wrap(err, "postgres: scan classification")
		}
		ci.Classifications = append(ci.Classifications, c)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate classifications")
	}

	var insightJSON []byte
	err = s.pool.QueryRow(ctx, `
		SELECT insight FROM news_articles
		WHERE symbol = $1 AND enriched_at IS NOT NULL
		ORDER BY CASE WHEN market_impact = 'high' THEN 0 ELSE 1 END, published_at DESC
		LIMIT 1`, ci.Symbol,
	).Scan(&insightJSON)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: latest insight %s", ci.Symbol)
	}
	if len(insightJSON) > 0 {
		var ins model.Insight
		if err := json.Unmarshal(insightJSON, &ins); err != nil {
			return eris.Wrap(err, "postgres: unmarshal insight")
		}
		ci.TopSummary = ins.Summary
	}
	return nil
}

func (s *PostgresStore) queryArticles(ctx context.Context, query string, args ...any) ([]model.NewsArticle, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query articles")
	}
	defer rows.Close()

	var articles []model.NewsArticle
	for rows.Next() {
		var a model.NewsArticle
		var classification *string
		var impact *string
		var insightJSON []byte

		err := rows.Scan(&a.Fingerprint, &a.Symbol, &a.Title, &a.Source, &a.URL, &a.Author,
			&a.PublishedAt, &a.Content, &a.SentimentScore, &a.SentimentLabel,
			&classification, &impact, &insightJSON, &a.EnrichedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan article")
		}

		if classification != nil {
			c := model.Classification(*classification)
			a.Classification = &c
		}
		if impact != nil {
			m := model.Impact(*impact)
			a.MarketImpact = &m
		}
		if len(insightJSON) > 0 {
			var ins model.Insight
			if err := json.Unmarshal(insightJSON, &ins); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal insight")
			}
			a.Insight = &ins
		}
		articles = append(articles, a)
	}
	return articles, eris.Wrap(rows.Err(), "postgres: iterate articles")
}
