package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/company-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	symbol           TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	sector           TEXT NOT NULL DEFAULT '',
	industry         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	enriched_summary TEXT NOT NULL DEFAULT '',
	market_cap       REAL,
	pe_ratio         REAL,
	dividend_yield   REAL,
	week52_high      REAL,
	week52_low       REAL,
	last_enriched_at DATETIME,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stock_observations (
	symbol TEXT NOT NULL REFERENCES companies(symbol),
	date   DATETIME NOT NULL,
	open   REAL NOT NULL,
	high   REAL NOT NULL,
	low    REAL NOT NULL,
	close  REAL NOT NULL,
	volume INTEGER NOT NULL,
	PRIMARY KEY (symbol, date)
);

CREATE TABLE IF NOT EXISTS news_articles (
	fingerprint     TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL REFERENCES companies(symbol),
	title           TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	author          TEXT NOT NULL DEFAULT '',
	published_at    DATETIME NOT NULL,
	content         TEXT NOT NULL,
	sentiment_score REAL,
	sentiment_label TEXT,
	classification  TEXT,
	market_impact   TEXT,
	insight         TEXT,
	enriched_at     DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_observations_symbol_date ON stock_observations(symbol, date DESC);
CREATE INDEX IF NOT EXISTS idx_articles_symbol_published ON news_articles(symbol, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_unenriched ON news_articles(symbol) WHERE enriched_at IS NULL;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ApplyIngestion writes the whole batch in one transaction. Company and
// observation rows are upserted; articles insert once per fingerprint,
// and an existing row only gains enrichment fields it lacked.
func (s *SQLiteStore) ApplyIngestion(ctx context.Context, batch model.IngestionBatch) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin ingestion")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	c := batch.Company

	var enrichedAt any
	if batch.EnrichedAt != nil {
		enrichedAt = batch.EnrichedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO companies (symbol, name, sector, industry, description,
			enriched_summary, market_cap, pe_ratio, dividend_yield, week52_high,
			week52_low, last_enriched_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			sector = excluded.sector,
			industry = excluded.industry,
			description = excluded.description,
			enriched_summary = COALESCE(NULLIF(excluded.enriched_summary, ''), companies.enriched_summary),
			market_cap = excluded.market_cap,
			pe_ratio = excluded.pe_ratio,
			dividend_yield = excluded.dividend_yield,
			week52_high = excluded.week52_high,
			week52_low = excluded.week52_low,
			last_enriched_at = COALESCE(excluded.last_enriched_at, companies.last_enriched_at),
			updated_at = excluded.updated_at`,
		c.Symbol, c.Name, c.Sector, c.Industry, c.Description,
		c.EnrichedSummary, c.MarketCap, c.PERatio, c.DividendYield, c.FiftyTwoWeekHigh,
		c.FiftyTwoWeekLow, enrichedAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert company %s", c.Symbol)
	}

	result := &ApplyResult{}

	for _, o := range batch.Observations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_observations (symbol, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume`,
			o.Symbol, o.Date.UTC(), o.Open, o.High, o.Low, o.Close, o.Volume,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert observation %s %s", o.Symbol, o.Date.Format("2006-01-02"))
		}
		result.BarsUpserted++
	}

	for _, a := range batch.Articles {
		insightJSON, err := marshalInsight(a.Insight)
		if err != nil {
			return nil, err
		}
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM news_articles WHERE fingerprint = ?)`, a.Fingerprint,
		).Scan(&exists)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: check article %s", a.Fingerprint)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO news_articles (fingerprint, symbol, title, source, url, author,
				published_at, content, sentiment_score, sentiment_label, classification,
				market_impact, insight, enriched_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				sentiment_score = COALESCE(news_articles.sentiment_score, excluded.sentiment_score),
				sentiment_label = COALESCE(news_articles.sentiment_label, excluded.sentiment_label),
				classification  = COALESCE(news_articles.classification, excluded.classification),
				market_impact   = COALESCE(news_articles.market_impact, excluded.market_impact),
				insight         = COALESCE(news_articles.insight, excluded.insight),
				enriched_at     = COALESCE(news_articles.enriched_at, excluded.enriched_at)`,
			a.Fingerprint, a.Symbol, a.Title, a.Source, a.URL, a.Author,
			a.PublishedAt.UTC(), a.Content, a.SentimentScore, a.SentimentLabel,
			classificationString(a.Classification), marketImpactString(a.MarketImpact), insightJSON, a.EnrichedAt, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert article %s", a.Fingerprint)
		}
		if exists {
			result.ArticlesExisting++
		} else {
			result.ArticlesInserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit ingestion")
	}
	return result, nil
}

func (s *SQLiteStore) GetCompany(ctx context.Context, symbol string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, name, sector, industry, description, enriched_summary, market_cap,
			pe_ratio, dividend_yield, week52_high, week52_low, last_enriched_at, created_at, updated_at
		FROM companies WHERE symbol = ?`, symbol)

	var c model.Company
	err := row.Scan(&c.Symbol, &c.Name, &c.Sector, &c.Industry, &c.Description, &c.EnrichedSummary,
		&c.MarketCap, &c.PERatio, &c.DividendYield, &c.FiftyTwoWeekHigh, &c.FiftyTwoWeekLow,
		&c.LastEnrichedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: company %s", symbol)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", symbol)
	}
	return &c, nil
}

func (s *SQLiteStore) GetCompanyView(ctx context.Context, symbol string, opts ViewOptions) (*model.CompanyView, error) {
	company, err := s.GetCompany(ctx, symbol)
	if err != nil {
		return nil, err
	}
	view := &model.CompanyView{Company: *company}

	obsLimit := opts.ObservationLimit
	if obsLimit <= 0 {
		obsLimit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, date, open, high, low, close, volume
		FROM stock_observations WHERE symbol = ?
		ORDER BY date DESC LIMIT ?`, symbol, obsLimit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list observations %s", symbol)
	}
	defer rows.Close()
	for rows.Next() {
		var o model.StockObservation
		if err := rows.Scan(&o.Symbol, &o.Date, &o.Open, &o.High, &o.Low, &o.Close, &o.Volume); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		view.Observations = append(view.Observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate observations")
	}

	artLimit := opts.ArticleLimit
	if artLimit <= 0 {
		artLimit = 50
	}
	view.Articles, err = s.queryArticles(ctx, `
		SELECT fingerprint, symbol, title, source, url, author, published_at, content,
			sentiment_score, sentiment_label, classification, market_impact, insight, enriched_at
		FROM news_articles WHERE symbol = ?
		ORDER BY published_at DESC LIMIT ?`, symbol, artLimit)
	if err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(sentiment_score) FROM news_articles WHERE symbol = ? AND sentiment_score IS NOT NULL`,
		symbol,
	).Scan(&avg)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: aggregate sentiment %s", symbol)
	}
	if avg.Valid {
		view.AggregateSentiment = &avg.Float64
	}
	return view, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, name, sector, industry, description, enriched_summary, market_cap,
			pe_ratio, dividend_yield, week52_high, week52_low, last_enriched_at, created_at, updated_at
		FROM companies ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		err := rows.Scan(&c.Symbol, &c.Name, &c.Sector, &c.Industry, &c.Description, &c.EnrichedSummary,
			&c.MarketCap, &c.PERatio, &c.DividendYield, &c.FiftyTwoWeekHigh, &c.FiftyTwoWeekLow,
			&c.LastEnrichedAt, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "sqlite: iterate companies")
}

func (s *SQLiteStore) ListUnenrichedArticles(ctx context.Context, symbol string, limit int) ([]model.NewsArticle, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT fingerprint, symbol, title, source, url, author, published_at, content,
			sentiment_score, sentiment_label, classification, market_impact, insight, enriched_at
		FROM news_articles WHERE enriched_at IS NULL`
	args := []any{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY published_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryArticles(ctx, query, args...)
}

func (s *SQLiteStore) UpdateArticleEnrichment(ctx context.Context, fingerprint string, e model.Enrichment, at time.Time) error {
	insightJSON, err := json.Marshal(e.Insight)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal insight")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE news_articles
		SET sentiment_score = ?, sentiment_label = ?, classification = ?, market_impact = ?, insight = ?, enriched_at = ?
		WHERE fingerprint = ?`,
		e.SentimentScore, e.SentimentLabel, string(e.Classification), string(e.MarketImpact), string(insightJSON), at.UTC(), fingerprint,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update enrichment %s", fingerprint)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: article %s", fingerprint)
	}
	return nil
}

func (s *SQLiteStore) MarkEnriched(ctx context.Context, symbol string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET last_enriched_at = ?, updated_at = ? WHERE symbol = ?`,
		at.UTC(), time.Now().UTC(), symbol,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark enriched %s", symbol)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: company %s", symbol)
	}
	return nil
}

func (s *SQLiteStore) Insights(ctx context.Context) ([]model.CompanyInsight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.symbol, c.name, AVG(a.sentiment_score), COUNT(a.fingerprint)
		FROM companies c
		JOIN news_articles a ON a.symbol = c.symbol AND a.enriched_at IS NOT NULL
		GROUP BY c.symbol, c.name
		ORDER BY c.symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insights")
	}
	defer rows.Close()

	var insights []model.CompanyInsight
	for rows.Next() {
		var ci model.CompanyInsight
		if err := rows.Scan(&ci.Symbol, &ci.Name, &ci.AvgSentiment, &ci.ArticleCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan insight")
		}
		insights = append(insights, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate insights")
	}

	for i := range insights {
		if err := s.fillInsightDetail(ctx, &insights[i]); err != nil {
			return nil, err
		}
	}
	return insights, nil
}

// fillInsightDetail adds the distinct classifications and the headline
// summary for one company. High-impact articles win; recency breaks ties.
func (s *SQLiteStore) fillInsightDetail(ctx context.Context, ci *model.CompanyInsight) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT classification FROM news_articles
		WHERE symbol = ? AND classification IS NOT NULL
		ORDER BY classification`, ci.Symbol)
	if err != nil {
		return eris.Wrapf(err, "sqlite: classifications %s", ci.Symbol)
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return eris.Wrap(err, "sqlite: scan classification")
		}
		ci.Classifications = append(ci.Classifications, c)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate classifications")
	}

	var insightJSON sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT insight FROM news_articles
		WHERE symbol = ? AND enriched_at IS NOT NULL
		ORDER BY CASE WHEN market_impact = 'high' THEN 0 ELSE 1 END, published_at DESC
		LIMIT 1`, ci.Symbol,
	).Scan(&insightJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: latest insight %s", ci.Symbol)
	}
	if insightJSON.Valid {
		var ins model.Insight
		if err := json.Unmarshal([]byte(insightJSON.String), &ins); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal insight")
		}
		ci.TopSummary = ins.Summary
	}
	return nil
}

// helpers

func (s *SQLiteStore) queryArticles(ctx context.Context, query string, args ...any) ([]model.NewsArticle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query articles")
	}
	defer rows.Close()

	var articles []model.NewsArticle
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, eris.Wrap(rows.Err(), "sqlite: iterate articles")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanArticle(row scannable) (*model.NewsArticle, error) {
	var a model.NewsArticle
	var classification sql.NullString
	var impact sql.NullString
	var insightJSON sql.NullString

	err := row.Scan(&a.Fingerprint, &a.Symbol, &a.Title, &a.Source, &a.URL, &a.Author,
		&a.PublishedAt, &a.Content, &a.SentimentScore, &a.SentimentLabel,
		&classification, &impact, &insightJSON, &a.EnrichedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan article")
	}

	if classification.Valid {
		c := model.Classification(classification.String)
		a.Classification = &c
	}
	if impact.Valid {
		m := model.Impact(impact.String)
		a.MarketImpact = &m
	}
	if insightJSON.Valid {
		var ins model.Insight
		if err := json.Unmarshal([]byte(insightJSON.String), &ins); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal insight")
		}
		a.Insight = &ins
	}
	return &a, nil
}

func marshalInsight(ins *model.Insight) (any, error) {
	if ins == nil {
		return nil, nil
	}
	b, err := json.Marshal(ins)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal insight")
	}
	return string(b), nil
}

func classificationString(c *model.Classification) any {
	if c == nil {
		return nil
	}
	return string(*c)
}

func marketImpactString(m *model.Impact) any {
	if m == nil {
		return nil
	}
	return string(*m)
}
