package source

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/company-intel/pkg/alphavantage"
	"github.com/sells-group/company-intel/pkg/newsapi"
)

// --- Alpha Vantage Mock ---

type mockAlphaVantageClient struct {
	mock.Mock
}

func (m *mockAlphaVantageClient) Overview(ctx context.Context, symbol string) (*alphavantage.Overview, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*alphavantage.Overview), args.Error(1)
}

func (m *mockAlphaVantageClient) DailySeries(ctx context.Context, symbol string) (*alphavantage.DailySeries, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*alphavantage.DailySeries), args.Error(1)
}

// --- NewsAPI Mock ---

type mockNewsAPIClient struct {
	mock.Mock
}

func (m *mockNewsAPIClient) Everything(ctx context.Context, q newsapi.EverythingQuery) ([]newsapi.Article, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]newsapi.Article), args.Error(1)
}
