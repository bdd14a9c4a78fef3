package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/store"
	"github.com/sells-group/company-intel/pkg/anthropic"
)

type mockStructured struct {
	mock.Mock
}

func (m *mockStructured) Fetch(ctx context.Context, symbol string) (*model.CompanyProfile, []model.RawBar, error) {
	args := m.Called(ctx, symbol)
	var profile *model.CompanyProfile
	if args.Get(0) != nil {
		profile = args.Get(0).(*model.CompanyProfile)
	}
	var bars []model.RawBar
	if args.Get(1) != nil {
		bars = args.Get(1).([]model.RawBar)
	}
	return profile, bars, args.Error(2)
}

type mockUnstructured struct {
	mock.Mock
}

func (m *mockUnstructured) Fetch(ctx context.Context, symbol, companyName string) ([]model.RawArticle, error) {
	args := m.Called(ctx, symbol, companyName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RawArticle), args.Error(1)
}

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Enrich(ctx context.Context, symbol, companyName string, articles []model.CleanArticle) (*EnrichResult, error) {
	args := m.Called(ctx, symbol, companyName, articles)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EnrichResult), args.Error(1)
}

func (m *mockEnricher) Summarize(ctx context.Context, profile *model.CompanyProfile, articles []model.CleanArticle) (string, model.TokenUsage, error) {
	args := m.Called(ctx, profile, articles)
	var usage model.TokenUsage
	if args.Get(1) != nil {
		usage = args.Get(1).(model.TokenUsage)
	}
	return args.String(0), usage, args.Error(2)
}

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ApplyIngestion(ctx context.Context, batch model.IngestionBatch) (*store.ApplyResult, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ApplyResult), args.Error(1)
}

func (m *mockStore) GetCompany(ctx context.Context, symbol string) (*model.Company, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Company), args.Error(1)
}

func (m *mockStore) GetCompanyView(ctx context.Context, symbol string, opts store.ViewOptions) (*model.CompanyView, error) {
	args := m.Called(ctx, symbol, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CompanyView), args.Error(1)
}

func (m *mockStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Company), args.Error(1)
}

func (m *mockStore) ListUnenrichedArticles(ctx context.Context, symbol string, limit int) ([]model.NewsArticle, error) {
	args := m.Called(ctx, symbol, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NewsArticle), args.Error(1)
}

func (m *mockStore) UpdateArticleEnrichment(ctx context.Context, fingerprint string, e model.Enrichment, at time.Time) error {
	args := m.Called(ctx, fingerprint, e, at)
	return args.Error(0)
}

func (m *mockStore) MarkEnriched(ctx context.Context, symbol string, at time.Time) error {
	args := m.Called(ctx, symbol, at)
	return args.Error(0)
}

func (m *mockStore) Insights(ctx context.Context) ([]model.CompanyInsight, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CompanyInsight), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
