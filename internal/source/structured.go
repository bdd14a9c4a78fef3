// Package source wraps the external data providers behind the rate gate,
// retry policy, and circuit breakers, and normalizes their payloads into
// raw records for the pipeline.
package source

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-intel/internal/gate"
	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/resilience"
	"github.com/sells-group/company-intel/pkg/alphavantage"
)

// ProviderAlphaVantage is the gate and breaker key for the structured provider.
const ProviderAlphaVantage = "alphavantage"

// defaultMaxBars bounds the daily series when no cap is configured.
const defaultMaxBars = 30

// StructuredOptions tunes the price-series window.
type StructuredOptions struct {
	// MaxBars caps the series at the most recent N trading days.
	MaxBars int
}

// StructuredSource fetches company fundamentals and daily price series.
type StructuredSource struct {
	client  alphavantage.Client
	gate    *gate.Gate
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	opts    StructuredOptions
}

// NewStructured creates a StructuredSource.
func NewStructured(client alphavantage.Client, g *gate.Gate, breaker *resilience.Breaker, retry resilience.RetryConfig, opts StructuredOptions) *StructuredSource {
	if opts.MaxBars <= 0 {
		opts.MaxBars = defaultMaxBars
	}
	return &StructuredSource{client: client, gate: g, breaker: breaker, retry: retry, opts: opts}
}

// Fetch returns the normalized company profile and raw daily bars for a
// symbol. Both calls go through the gate, so a recently-fetched payload is
// served from cache without spending a request token.
func (s *StructuredSource) Fetch(ctx context.Context, symbol string) (*model.CompanyProfile, []model.RawBar, error) {
	profile, err := s.fetchProfile(ctx, symbol)
	if err != nil {
		return nil, nil, err
	}
	bars, err := s.fetchBars(ctx, symbol)
	if err != nil {
		return nil, nil, err
	}
	return profile, bars, nil
}

func (s *StructuredSource) fetchProfile(ctx context.Context, symbol string) (*model.CompanyProfile, error) {
	data, cached, err := s.gate.Do(ctx, ProviderAlphaVantage, "overview:"+symbol, func(ctx context.Context) ([]byte, error) {
		ov, err := s.callOverview(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ov)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		zap.L().Debug("structured: overview served from cache", zap.String("symbol", symbol))
	}

	var ov alphavantage.Overview
	if err := json.Unmarshal(data, &ov); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "source: decode cached overview"))
	}
	return profileFromOverview(&ov)
}

func (s *StructuredSource) callOverview(ctx context.Context, symbol string) (*alphavantage.Overview, error) {
	return resilience.DoVal(ctx, s.retryCfg("overview"), func(ctx context.Context) (*alphavantage.Overview, error) {
		return resilience.BreakerVal(ctx, s.breaker, func(ctx context.Context) (*alphavantage.Overview, error) {
			return s.client.Overview(ctx, symbol)
		})
	})
}

func (s *StructuredSource) fetchBars(ctx context.Context, symbol string) ([]model.RawBar, error) {
	data, cached, err := s.gate.Do(ctx, ProviderAlphaVantage, "daily:"+symbol, func(ctx context.Context) ([]byte, error) {
		series, err := s.callDaily(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(series)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		zap.L().Debug("structured: daily series served from cache", zap.String("symbol", symbol))
	}

	var series alphavantage.DailySeries
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "source: decode cached daily series"))
	}
	return barsFromSeries(&series, s.opts.MaxBars)
}

func (s *StructuredSource) callDaily(ctx context.Context, symbol string) (*alphavantage.DailySeries, error) {
	return resilience.DoVal(ctx, s.retryCfg("daily"), func(ctx context.Context) (*alphavantage.DailySeries, error) {
		return resilience.BreakerVal(ctx, s.breaker, func(ctx context.Context) (*alphavantage.DailySeries, error) {
			return s.client.DailySeries(ctx, symbol)
		})
	})
}

func (s *StructuredSource) retryCfg(operation string) resilience.RetryConfig {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger(ProviderAlphaVantage, operation)
	return cfg
}

// profileFromOverview normalizes the raw overview. Identity fields are
// required; numeric fundamentals are optional and tolerate the provider's
// "None" placeholders, but a present-and-unparsable value is malformed.
func profileFromOverview(ov *alphavantage.Overview) (*model.CompanyProfile, error) {
	if ov.Symbol == "" || ov.Name == "" {
		return nil, resilience.Malformed(eris.New("source: overview missing symbol or name"))
	}

	p := &model.CompanyProfile{
		Symbol:      ov.Symbol,
		Name:        ov.Name,
		Sector:      ov.Sector,
		Industry:    ov.Industry,
		Description: ov.Description,
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  **float64
	}{
		{"MarketCapitalization", ov.MarketCapitalization, &p.MarketCap},
		{"PERatio", ov.PERatio, &p.PERatio},
		{"DividendYield", ov.DividendYield, &p.DividendYield},
		{"52WeekHigh", ov.WeekHigh52, &p.FiftyTwoWeekHigh},
		{"52WeekLow", ov.WeekLow52, &p.FiftyTwoWeekLow},
	} {
		v, err := parseOptionalFloat(f.name, f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return p, nil
}

// barsFromSeries normalizes the raw series into newest-first bars, capped
// at the most recent maxBars trading days.
func barsFromSeries(series *alphavantage.DailySeries, maxBars int) ([]model.RawBar, error) {
	bars := make([]model.RawBar, 0, len(series.Bars))
	for dateStr, raw := range series.Bars {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, resilience.Malformed(eris.Wrapf(err, "source: bar date %q", dateStr))
		}

		bar := model.RawBar{Date: date.UTC()}
		for _, f := range []struct {
			name string
			raw  string
			dst  *float64
		}{
			{"open", raw.Open, &bar.Open},
			{"high", raw.High, &bar.High},
			{"low", raw.Low, &bar.Low},
			{"close", raw.Close, &bar.Close},
		} {
			v, err := strconv.ParseFloat(f.raw, 64)
			if err != nil {
				return nil, resilience.Malformed(eris.Wrapf(err, "source: bar %s field %s=%q", dateStr, f.name, f.raw))
			}
			*f.dst = v
		}
		volume, err := strconv.ParseInt(raw.Volume, 10, 64)
		if err != nil {
			return nil, resilience.Malformed(eris.Wrapf(err, "source: bar %s field volume=%q", dateStr, raw.Volume))
		}
		bar.Volume = volume
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.After(bars[j].Date) })
	if maxBars > 0 && len(bars) > maxBars {
		bars = bars[:maxBars]
	}
	return bars, nil
}

// parseOptionalFloat parses a numeric fundamental. The provider sends
// "None", "-", or an empty string when a value is absent.
func parseOptionalFloat(field, raw string) (*float64, error) {
	switch raw {
	case "", "None", "-":
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, resilience.Malformed(eris.Wrapf(err, "source: overview field %s=%q", field, raw))
	}
	return &v, nil
}
