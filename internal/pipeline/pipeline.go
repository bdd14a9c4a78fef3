// Package pipeline coordinates one company ingestion: parallel structured
// and unstructured fetches, validation, LLM enrichment, and a single
// atomic store transaction, with a per-stage report of what happened.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/company-intel/internal/cost"
	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/resilience"
	"github.com/sells-group/company-intel/internal/store"
)

// Stage names as they appear in ingestion reports.
const (
	StageFetchStructured   = "fetch_structured"
	StageFetchUnstructured = "fetch_unstructured"
	StageCleaning          = "cleaning"
	StageEnriching         = "enriching"
	StageSummarizing       = "summarizing"
	StageStoring           = "storing"
)

// StructuredFetcher is the structured-provider side of a fetch.
type StructuredFetcher interface {
	Fetch(ctx context.Context, symbol string) (*model.CompanyProfile, []model.RawBar, error)
}

// UnstructuredFetcher is the news-provider side of a fetch.
type UnstructuredFetcher interface {
	Fetch(ctx context.Context, symbol, companyName string) ([]model.RawArticle, error)
}

// ArticleEnricher analyzes cleaned articles and writes the company-level
// summary.
type ArticleEnricher interface {
	Enrich(ctx context.Context, symbol, companyName string, articles []model.CleanArticle) (*EnrichResult, error)
	Summarize(ctx context.Context, profile *model.CompanyProfile, articles []model.CleanArticle) (string, model.TokenUsage, error)
}

// Options tunes coordinator behavior.
type Options struct {
	// FreshnessTTL skips ingestion entirely when the company was updated
	// within this window. Zero disables the skip.
	FreshnessTTL time.Duration

	// MaxBodyChars bounds article bodies before enrichment.
	MaxBodyChars int

	// Model is the Anthropic model name, used for cost estimation.
	Model string
}

// Pipeline runs ingestion requests. Concurrent requests for the same
// symbol are coalesced onto one run.
type Pipeline struct {
	structured   StructuredFetcher
	unstructured UnstructuredFetcher
	enricher     ArticleEnricher
	store        store.Store
	cleaner      *Cleaner
	costCalc     *cost.Calculator
	opts         Options

	flight  singleflight.Group
	nowFunc func() time.Time
}

// New creates a Pipeline.
func New(structured StructuredFetcher, unstructured UnstructuredFetcher, enricher ArticleEnricher, st store.Store, costCalc *cost.Calculator, opts Options) *Pipeline {
	return &Pipeline{
		structured:   structured,
		unstructured: unstructured,
		enricher:     enricher,
		store:        st,
		cleaner:      NewCleaner(opts.MaxBodyChars),
		costCalc:     costCalc,
		opts:         opts,
		nowFunc:      time.Now,
	}
}

// Ingest runs the full pipeline for one ticker symbol. The report is
// non-nil whenever the symbol is valid; the error mirrors report-level
// failure so callers can branch without inspecting the report.
func (p *Pipeline) Ingest(ctx context.Context, symbol string) (*model.IngestionReport, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, eris.New("pipeline: empty symbol")
	}

	type outcome struct {
		report *model.IngestionReport
		err    error
	}

	v, err, shared := p.flight.Do(symbol, func() (any, error) {
		report, runErr := p.run(ctx, symbol)
		return outcome{report: report, err: runErr}, nil
	})
	if err != nil {
		return nil, err
	}

	out := v.(outcome)
	if shared && out.report != nil {
		// Hand coalesced callers their own copy so annotations don't race.
		cp := *out.report
		cp.Coalesced = true
		zap.L().Info("pipeline: coalesced concurrent ingest",
			zap.String("symbol", symbol),
			zap.String("id", cp.ID),
		)
		return &cp, out.err
	}
	return out.report, out.err
}

func (p *Pipeline) run(ctx context.Context, symbol string) (*model.IngestionReport, error) {
	now := p.nowFunc().UTC()
	report := &model.IngestionReport{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		State:     model.IngestStateFetching,
		StartedAt: now,
	}

	if p.fresh(ctx, symbol, now) {
		report.State = model.IngestStateDone
		report.Success = true
		report.SkippedFresh = true
		completed := p.nowFunc().UTC()
		report.CompletedAt = &completed
		zap.L().Info("pipeline: skipping fresh company",
			zap.String("symbol", symbol),
			zap.Duration("freshness_ttl", p.opts.FreshnessTTL),
		)
		return report, nil
	}

	var stagesMu sync.Mutex
	trackStage := func(name string, fn func() (map[string]int, error)) error {
		start := time.Now()
		counts, err := fn()

		result := model.StageResult{
			Name:     name,
			Status:   model.StageStatusComplete,
			Duration: time.Since(start).Milliseconds(),
			Counts:   counts,
		}
		if err != nil {
			result.Status = model.StageStatusFailed
			result.Error = err.Error()
			result.ErrorKind = string(resilience.KindOf(err))
			zap.L().Error("pipeline: stage failed",
				zap.String("symbol", symbol),
				zap.String("stage", name),
				zap.String("kind", result.ErrorKind),
				zap.Int64("duration_ms", result.Duration),
				zap.Error(err),
			)
		} else {
			zap.L().Info("pipeline: stage complete",
				zap.String("symbol", symbol),
				zap.String("stage", name),
				zap.Int64("duration_ms", result.Duration),
				zap.Any("counts", counts),
			)
		}

		stagesMu.Lock()
		report.AddStage(result)
		stagesMu.Unlock()
		return err
	}

	fail := func(err error) (*model.IngestionReport, error) {
		report.State = model.IngestStateFailed
		if report.Error == "" {
			report.Error = err.Error()
		}
		completed := p.nowFunc().UTC()
		report.CompletedAt = &completed
		return report, err
	}

	// Fetching: both provider paths in parallel. The structured path is
	// required; a news failure only degrades the run.
	var (
		profile  *model.CompanyProfile
		rawBars  []model.RawBar
		rawArts  []model.RawArticle
		newsErr  error
		fetchErr error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetchErr = trackStage(StageFetchStructured, func() (map[string]int, error) {
			prof, bars, err := p.structured.Fetch(gCtx, symbol)
			if err != nil {
				return nil, err
			}
			profile = prof
			rawBars = bars
			return map[string]int{"bars": len(bars)}, nil
		})
		// Propagate so the group cancels the news fetch: without a
		// profile the run cannot succeed.
		return fetchErr
	})
	g.Go(func() error {
		newsErr = trackStage(StageFetchUnstructured, func() (map[string]int, error) {
			// The structured path may still be in flight; search by symbol.
			articles, err := p.unstructured.Fetch(gCtx, symbol, "")
			if err != nil {
				return nil, err
			}
			rawArts = articles
			return map[string]int{"articles": len(articles)}, nil
		})
		// Degraded, not fatal.
		return nil
	})
	_ = g.Wait()

	if fetchErr != nil {
		return fail(eris.Wrap(fetchErr, "pipeline: structured fetch"))
	}
	if newsErr != nil {
		rawArts = nil
		zap.L().Warn("pipeline: continuing without news",
			zap.String("symbol", symbol),
			zap.String("kind", string(resilience.KindOf(newsErr))),
			zap.Error(newsErr),
		)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	report.ArticlesFetched = len(rawArts)

	// Cleaning.
	report.State = model.IngestStateCleaning
	var (
		cleanBars []model.CleanBar
		cleanArts []model.CleanArticle
	)
	if err := trackStage(StageCleaning, func() (map[string]int, error) {
		var barsRejected, artsRejected int
		cleanBars, barsRejected = p.cleaner.CleanBars(symbol, rawBars)
		cleanArts, artsRejected = p.cleaner.CleanArticles(symbol, rawArts)
		report.BarsRejected = barsRejected
		return map[string]int{
			"bars":              len(cleanBars),
			"bars_rejected":     barsRejected,
			"articles":          len(cleanArts),
			"articles_rejected": artsRejected,
		}, nil
	}); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// Enriching.
	report.State = model.IngestStateEnriching
	var enriched *EnrichResult
	if err := trackStage(StageEnriching, func() (map[string]int, error) {
		res, err := p.enricher.Enrich(ctx, symbol, profile.Name, cleanArts)
		if res != nil {
			enriched = res
			report.ArticlesEnriched = res.Enriched
			report.ArticlesFailed = res.Failed
			report.TokenUsage = res.Usage
		}
		if err != nil {
			return nil, err
		}
		return map[string]int{"enriched": res.Enriched, "failed": res.Failed}, nil
	}); err != nil {
		p.finalizeCost(report)
		return fail(eris.Wrap(err, "pipeline: enrichment"))
	}
	if err := ctx.Err(); err != nil {
		p.finalizeCost(report)
		return fail(err)
	}

	// Summarizing: a failed summary degrades the run the same way a failed
	// news fetch does.
	report.State = model.IngestStateSummarizing
	var summary string
	_ = trackStage(StageSummarizing, func() (map[string]int, error) {
		s, usage, err := p.enricher.Summarize(ctx, profile, cleanArts)
		report.TokenUsage.Add(usage)
		if err != nil {
			return nil, err
		}
		summary = s
		return map[string]int{"headlines": min(len(cleanArts), summaryMaxHeadlines)}, nil
	})
	p.finalizeCost(report)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// Storing: one transaction for the whole batch, the last-enriched
	// timestamp included.
	report.State = model.IngestStateStoring
	if err := trackStage(StageStoring, func() (map[string]int, error) {
		company := companyFromProfile(profile, now)
		company.EnrichedSummary = summary
		batch := model.IngestionBatch{
			Company:      company,
			Observations: observationsFromBars(symbol, cleanBars),
			Articles:     enriched.Articles,
		}
		if enriched.Enriched > 0 {
			enrichedAt := p.nowFunc().UTC()
			batch.EnrichedAt = &enrichedAt
		}
		applied, err := p.store.ApplyIngestion(ctx, batch)
		if err != nil {
			return nil, err
		}
		report.BarsStored = applied.BarsUpserted
		report.ArticlesStored = applied.ArticlesInserted
		report.ArticlesSkipped = applied.ArticlesExisting
		return map[string]int{
			"bars":              applied.BarsUpserted,
			"articles_inserted": applied.ArticlesInserted,
			"articles_existing": applied.ArticlesExisting,
		}, nil
	}); err != nil {
		return fail(eris.Wrap(err, "pipeline: storage"))
	}

	report.State = model.IngestStateDone
	report.Success = true
	completed := p.nowFunc().UTC()
	report.CompletedAt = &completed

	zap.L().Info("pipeline: ingestion complete",
		zap.String("symbol", symbol),
		zap.String("id", report.ID),
		zap.Int("bars_stored", report.BarsStored),
		zap.Int("articles_stored", report.ArticlesStored),
		zap.Int("articles_enriched", report.ArticlesEnriched),
		zap.Float64("estimated_cost_usd", report.EstimatedCost),
	)
	return report, nil
}

// fresh reports whether the company was updated inside the freshness
// window, in which case ingestion is skipped.
func (p *Pipeline) fresh(ctx context.Context, symbol string, now time.Time) bool {
	if p.opts.FreshnessTTL <= 0 {
		return false
	}
	company, err := p.store.GetCompany(ctx, symbol)
	if err != nil {
		return false
	}
	return now.Sub(company.UpdatedAt) < p.opts.FreshnessTTL
}

func (p *Pipeline) finalizeCost(report *model.IngestionReport) {
	if p.costCalc == nil {
		return
	}
	u := report.TokenUsage
	report.EstimatedCost = p.costCalc.Claude(p.opts.Model,
		u.InputTokens, u.OutputTokens, u.CacheCreationTokens, u.CacheReadTokens)
}

func companyFromProfile(profile *model.CompanyProfile, now time.Time) model.Company {
	return model.Company{
		Symbol:           profile.Symbol,
		Name:             profile.Name,
		Sector:           profile.Sector,
		Industry:         profile.Industry,
		Description:      profile.Description,
		MarketCap:        profile.MarketCap,
		PERatio:          profile.PERatio,
		DividendYield:    profile.DividendYield,
		FiftyTwoWeekHigh: profile.FiftyTwoWeekHigh,
		FiftyTwoWeekLow:  profile.FiftyTwoWeekLow,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func observationsFromBars(symbol string, bars []model.CleanBar) []model.StockObservation {
	obs := make([]model.StockObservation, len(bars))
	for i, b := range bars {
		obs[i] = model.StockObservation{
			Symbol: symbol,
			Date:   b.Date,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		}
	}
	return obs
}
