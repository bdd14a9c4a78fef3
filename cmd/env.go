package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/company-intel/internal/config"
	"github.com/sells-group/company-intel/internal/cost"
	"github.com/sells-group/company-intel/internal/gate"
	"github.com/sells-group/company-intel/internal/pipeline"
	"github.com/sells-group/company-intel/internal/resilience"
	"github.com/sells-group/company-intel/internal/source"
	"github.com/sells-group/company-intel/internal/store"
	"github.com/sells-group/company-intel/pkg/alphavantage"
	anthropicpkg "github.com/sells-group/company-intel/pkg/anthropic"
	"github.com/sells-group/company-intel/pkg/newsapi"
)

// env holds the initialized store, clients, and pipeline shared by the
// ingest/serve/reenrich commands.
type env struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Enricher *pipeline.Enricher
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "company_intel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, provider clients, gate, breakers, and the
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cacheTTL := time.Duration(cfg.RateLimit.CacheTTLSecs) * time.Second
	maxWait := time.Duration(cfg.RateLimit.MaxWaitSecs) * time.Second
	g := gate.New(map[string]gate.ProviderConfig{
		source.ProviderAlphaVantage: {
			Rate:     rate.Limit(cfg.RateLimit.StructuredPerMin / 60.0),
			Burst:    cfg.RateLimit.StructuredBurst,
			CacheTTL: cacheTTL,
			MaxWait:  maxWait,
		},
		source.ProviderNewsAPI: {
			Rate:     rate.Limit(cfg.RateLimit.UnstructuredPerDay / 86400.0),
			Burst:    cfg.RateLimit.UnstructuredBurst,
			CacheTTL: cacheTTL,
			MaxWait:  maxWait,
		},
	})

	breakers := resilience.NewProviderBreakers(resilience.BreakerConfig{})
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:     cfg.Retry.BackoffMultiple,
	}

	avClient := alphavantage.NewClient(cfg.AlphaVantage.Key, alphavantage.WithBaseURL(cfg.AlphaVantage.BaseURL))
	newsClient := newsapi.NewClient(cfg.NewsAPI.Key, newsapi.WithBaseURL(cfg.NewsAPI.BaseURL))
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	structured := source.NewStructured(avClient, g, breakers.Get(source.ProviderAlphaVantage), retryCfg, source.StructuredOptions{
		MaxBars: cfg.AlphaVantage.MaxBars,
	})
	unstructured := source.NewUnstructured(newsClient, g, breakers.Get(source.ProviderNewsAPI), retryCfg, source.UnstructuredOptions{
		Language:    cfg.NewsAPI.Language,
		Lookback:    time.Duration(cfg.NewsAPI.LookbackDay) * 24 * time.Hour,
		MaxArticles: cfg.NewsAPI.MaxArticles,
	})

	enricher := pipeline.NewEnricher(anthropicClient, cfg.Anthropic.Model, breakers.Get("anthropic"), cfg.Pipeline.EnrichConcurrency)

	p := pipeline.New(structured, unstructured, enricher, st, cost.NewCalculator(pricingRates(cfg.Pricing)), pipeline.Options{
		FreshnessTTL: time.Duration(cfg.Pipeline.FreshnessTTLSecs) * time.Second,
		MaxBodyChars: cfg.Pipeline.MaxBodyChars,
		Model:        cfg.Anthropic.Model,
	})

	return &env{Store: st, Pipeline: p, Enricher: enricher}, nil
}

// pricingRates merges configured overrides onto the default rate card.
func pricingRates(pc config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, mp := range pc.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	return rates
}
