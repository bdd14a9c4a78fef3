package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-intel/internal/cost"
	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/resilience"
	"github.com/sells-group/company-intel/internal/store"
)

type pipelineFixture struct {
	structured   *mockStructured
	unstructured *mockUnstructured
	enricher     *mockEnricher
	store        *mockStore
	pipeline     *Pipeline
}

func newPipelineFixture(opts Options) *pipelineFixture {
	f := &pipelineFixture{
		structured:   &mockStructured{},
		unstructured: &mockUnstructured{},
		enricher:     &mockEnricher{},
		store:        &mockStore{},
	}
	if opts.Model == "" {
		opts.Model = "claude-haiku-4-5-20251001"
	}
	f.pipeline = New(f.structured, f.unstructured, f.enricher, f.store, cost.NewCalculator(cost.DefaultRates()), opts)
	return f
}

func testProfile() *model.CompanyProfile {
	return &model.CompanyProfile{Symbol: "ACME", Name: "Acme Corp", Sector: "Technology"}
}

func testRawBars() []model.RawBar {
	return []model.RawBar{
		{Date: day("2026-08-27"), Open: 100, High: 105, Low: 98, Close: 103, Volume: 1000},
		// Inconsistent: rejected by cleaning.
		{Date: day("2026-08-28"), Open: 100, High: 99, Low: 101, Close: 100, Volume: 1000},
	}
}

func testRawArticles() []model.RawArticle {
	return []model.RawArticle{{
		Title:       "Acme beats estimates",
		Source:      "Reuters",
		URL:         "https://example.com/a",
		PublishedAt: day("2026-08-27"),
		Content:     "Quarterly revenue up 12%.",
	}}
}

func enrichedResult(symbol string) *EnrichResult {
	published := day("2026-08-27")
	art := model.NewsArticle{
		Fingerprint: model.Fingerprint("Acme beats estimates", "Reuters", published),
		Symbol:      symbol,
		Title:       "Acme beats estimates",
		Source:      "Reuters",
		PublishedAt: published,
		Content:     "Quarterly revenue up 12%.",
	}
	art.SetEnrichment(model.Enrichment{
		SentimentScore: 0.6,
		SentimentLabel: "positive",
		Classification: model.ClassEarnings,
		MarketImpact:   model.ImpactHigh,
		Insight:        model.Insight{Summary: "Acme beat estimates."},
	}, published)
	return &EnrichResult{
		Articles: []model.NewsArticle{art},
		Enriched: 1,
		Usage:    model.TokenUsage{InputTokens: 500, OutputTokens: 120},
	}
}

func TestIngest_HappyPath(t *testing.T) {
	f := newPipelineFixture(Options{})

	f.structured.On("Fetch", mock.Anything, "ACME").
		Return(testProfile(), testRawBars(), nil).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(testRawArticles(), nil).Once()
	f.enricher.On("Enrich", mock.Anything, "ACME", "Acme Corp", mock.Anything).
		Return(enrichedResult("ACME"), nil).Once()
	f.enricher.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return("Acme is a technology company with improving earnings momentum.",
			model.TokenUsage{InputTokens: 200, OutputTokens: 60}, nil).Once()
	f.store.On("ApplyIngestion", mock.Anything, mock.Anything).
		Return(&store.ApplyResult{BarsUpserted: 1, ArticlesInserted: 1}, nil).Once()

	report, err := f.pipeline.Ingest(context.Background(), "acme")
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, model.IngestStateDone, report.State)
	assert.Equal(t, "ACME", report.Symbol)
	assert.NotEmpty(t, report.ID)
	assert.NotNil(t, report.CompletedAt)

	assert.Equal(t, 1, report.BarsStored)
	assert.Equal(t, 1, report.BarsRejected)
	assert.Equal(t, 1, report.ArticlesFetched)
	assert.Equal(t, 1, report.ArticlesStored)
	assert.Equal(t, 1, report.ArticlesEnriched)
	assert.Equal(t, 700, report.TokenUsage.InputTokens)
	assert.Greater(t, report.EstimatedCost, 0.0)

	for _, stage := range []string{StageFetchStructured, StageFetchUnstructured, StageCleaning, StageEnriching, StageSummarizing, StageStoring} {
		sr := report.Stage(stage)
		require.NotNil(t, sr, stage)
		assert.Equal(t, model.StageStatusComplete, sr.Status, stage)
	}

	// The stored batch contains only the consistent bar, the company summary,
	// and the enrichment timestamp.
	batch := f.store.Calls[0].Arguments.Get(1).(model.IngestionBatch)
	assert.Equal(t, "ACME", batch.Company.Symbol)
	assert.Equal(t, "Acme is a technology company with improving earnings momentum.", batch.Company.EnrichedSummary)
	assert.NotNil(t, batch.EnrichedAt)
	assert.Len(t, batch.Observations, 1)
	assert.Len(t, batch.Articles, 1)

	f.structured.AssertExpectations(t)
	f.store.AssertExpectations(t)
}

func TestIngest_StructuredFailureFailsRun(t *testing.T) {
	f := newPipelineFixture(Options{})

	f.structured.On("Fetch", mock.Anything, "ACME").
		Return(nil, nil, resilience.NotFound(eris.New("alphavantage: unknown symbol"))).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(testRawArticles(), nil).Maybe()

	report, err := f.pipeline.Ingest(context.Background(), "ACME")
	require.Error(t, err)
	require.NotNil(t, report)

	assert.False(t, report.Success)
	assert.Equal(t, model.IngestStateFailed, report.State)
	assert.NotEmpty(t, report.Error)

	sr := report.Stage(StageFetchStructured)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageStatusFailed, sr.Status)
	assert.Equal(t, string(resilience.KindNotFound), sr.ErrorKind)

	f.store.AssertNotCalled(t, "ApplyIngestion", mock.Anything, mock.Anything)
}

func TestIngest_NewsFailureDegrades(t *testing.T) {
	f := newPipelineFixture(Options{})

	f.structured.On("Fetch", mock.Anything, "ACME").
		Return(testProfile(), testRawBars(), nil).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(nil, resilience.RateLimited(eris.New("newsapi: daily budget exhausted"))).Once()
	f.enricher.On("Enrich", mock.Anything, "ACME", "Acme Corp", mock.Anything).
		Return(&EnrichResult{}, nil).Once()
	f.enricher.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return("", model.TokenUsage{}, nil).Once()
	f.store.On("ApplyIngestion", mock.Anything, mock.Anything).
		Return(&store.ApplyResult{BarsUpserted: 1}, nil).Once()

	report, err := f.pipeline.Ingest(context.Background(), "ACME")
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 0, report.ArticlesFetched)

	sr := report.Stage(StageFetchUnstructured)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageStatusFailed, sr.Status)
	assert.Equal(t, string(resilience.KindRateLimited), sr.ErrorKind)

	// Nothing enriched, so the enrichment timestamp stays untouched.
	batch := f.store.Calls[0].Arguments.Get(1).(model.IngestionBatch)
	assert.Nil(t, batch.EnrichedAt)
}

func TestIngest_SummaryFailureDegrades(t *testing.T) {
	f := newPipelineFixture(Options{})

	f.structured.On("Fetch", mock.Anything, "ACME").
		Return(testProfile(), testRawBars(), nil).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(testRawArticles(), nil).Once()
	f.enricher.On("Enrich", mock.Anything, "ACME", "Acme Corp", mock.Anything).
		Return(enrichedResult("ACME"), nil).Once()
	f.enricher.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return("", model.TokenUsage{InputTokens: 150},
			resilience.WithKind(resilience.KindEnrichment, eris.New("anthropic: overloaded"))).Once()
	f.store.On("ApplyIngestion", mock.Anything, mock.Anything).
		Return(&store.ApplyResult{BarsUpserted: 1, ArticlesInserted: 1}, nil).Once()

	report, err := f.pipeline.Ingest(context.Background(), "ACME")
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, model.IngestStateDone, report.State)
	// Tokens spent on the failed attempt still count toward the run.
	assert.Equal(t, 650, report.TokenUsage.InputTokens)

	sr := report.Stage(StageSummarizing)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageStatusFailed, sr.Status)
	assert.Equal(t, string(resilience.KindEnrichment), sr.ErrorKind)

	// The run stores without a summary rather than failing outright.
	batch := f.store.Calls[0].Arguments.Get(1).(model.IngestionBatch)
	assert.Empty(t, batch.Company.EnrichedSummary)
	assert.NotNil(t, batch.EnrichedAt)
}

func TestIngest_SkipsFreshCompany(t *testing.T) {
	f := newPipelineFixture(Options{FreshnessTTL: time.Hour})

	f.store.On("GetCompany", mock.Anything, "ACME").
		Return(&model.Company{Symbol: "ACME", UpdatedAt: time.Now().UTC().Add(-10 * time.Minute)}, nil).Once()

	report, err := f.pipeline.Ingest(context.Background(), "ACME")
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.True(t, report.SkippedFresh)
	assert.Equal(t, model.IngestStateDone, report.State)
	assert.Empty(t, report.Stages)

	f.structured.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestIngest_StaleCompanyNotSkipped(t *testing.T) {
	f := newPipelineFixture(Options{FreshnessTTL: time.Hour})

	f.store.On("GetCompany", mock.Anything, "ACME").
		Return(&model.Company{Symbol: "ACME", UpdatedAt: time.Now().UTC().Add(-2 * time.Hour)}, nil).Once()
	f.structured.On("Fetch", mock.Anything, "ACME").
		Return(testProfile(), testRawBars(), nil).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(nil, nil).Once()
	f.enricher.On("Enrich", mock.Anything, "ACME", "Acme Corp", mock.Anything).
		Return(&EnrichResult{}, nil).Once()
	f.enricher.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return("", model.TokenUsage{}, nil).Once()
	f.store.On("ApplyIngestion", mock.Anything, mock.Anything).
		Return(&store.ApplyResult{BarsUpserted: 1}, nil).Once()

	report, err := f.pipeline.Ingest(context.Background(), "ACME")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.False(t, report.SkippedFresh)
}

func TestIngest_StorageFailure(t *testing.T) {
	f := newPipelineFixture(Options{})

	f.structured.On("Fetch", mock.Anything, "ACME").
		Return(testProfile(), testRawBars(), nil).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(nil, nil).Once()
	f.enricher.On("Enrich", mock.Anything, "ACME", "Acme Corp", mock.Anything).
		Return(&EnrichResult{}, nil).Once()
	f.enricher.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return("", model.TokenUsage{}, nil).Once()
	f.store.On("ApplyIngestion", mock.Anything, mock.Anything).
		Return(nil, eris.New("sqlite: database is locked")).Once()

	report, err := f.pipeline.Ingest(context.Background(), "ACME")
	require.Error(t, err)

	assert.False(t, report.Success)
	assert.Equal(t, model.IngestStateFailed, report.State)

	sr := report.Stage(StageStoring)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageStatusFailed, sr.Status)
}

func TestIngest_EmptySymbol(t *testing.T) {
	f := newPipelineFixture(Options{})
	_, err := f.pipeline.Ingest(context.Background(), "   ")
	assert.Error(t, err)
}

func TestIngest_CoalescesConcurrentRequests(t *testing.T) {
	f := newPipelineFixture(Options{})

	entered := make(chan struct{})
	release := make(chan struct{})

	f.structured.On("Fetch", mock.Anything, "ACME").
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(testProfile(), testRawBars(), nil).Once()
	f.unstructured.On("Fetch", mock.Anything, "ACME", "").
		Return(nil, nil).Once()
	f.enricher.On("Enrich", mock.Anything, "ACME", "Acme Corp", mock.Anything).
		Return(&EnrichResult{}, nil).Once()
	f.enricher.On("Summarize", mock.Anything, mock.Anything, mock.Anything).
		Return("", model.TokenUsage{}, nil).Once()
	f.store.On("ApplyIngestion", mock.Anything, mock.Anything).
		Return(&store.ApplyResult{BarsUpserted: 1}, nil).Once()

	var wg sync.WaitGroup
	reports := make([]*model.IngestionReport, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = f.pipeline.Ingest(context.Background(), "ACME")
	}()

	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = f.pipeline.Ingest(context.Background(), "ACME")
	}()

	// Give the second request time to join the in-flight run.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotNil(t, reports[0])
	require.NotNil(t, reports[1])
	assert.True(t, reports[0].Success)
	assert.True(t, reports[1].Success)

	// Exactly one run happened; exactly one caller sees the coalesced flag.
	f.structured.AssertNumberOfCalls(t, "Fetch", 1)
	assert.NotEqual(t, reports[0].Coalesced, reports[1].Coalesced)
	assert.Equal(t, reports[0].ID, reports[1].ID)
}
