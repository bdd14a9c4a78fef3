// Package alphavantage is a minimal Alpha Vantage API client covering the
// company OVERVIEW and TIME_SERIES_DAILY functions.
package alphavantage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-intel/internal/resilience"
)

const defaultBaseURL = "https://www.alphavantage.co"

// Client performs Alpha Vantage queries.
type Client interface {
	Overview(ctx context.Context, symbol string) (*Overview, error)
	DailySeries(ctx context.Context, symbol string) (*DailySeries, error)
}

// Overview is the raw company fundamentals payload. Numeric fields arrive
// as strings ("None" or "-" when absent) and are parsed downstream.
type Overview struct {
	Symbol               string `json:"Symbol"`
	Name                 string `json:"Name"`
	Sector               string `json:"Sector"`
	Industry             string `json:"Industry"`
	Description          string `json:"Description"`
	MarketCapitalization string `json:"MarketCapitalization"`
	PERatio              string `json:"PERatio"`
	DividendYield        string `json:"DividendYield"`
	WeekHigh52           string `json:"52WeekHigh"`
	WeekLow52            string `json:"52WeekLow"`
}

// Bar is one raw daily OHLCV row.
type Bar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// DailySeries is the raw TIME_SERIES_DAILY payload, keyed by trading date
// in "2006-01-02" form.
type DailySeries struct {
	Bars map[string]Bar `json:"Time Series (Daily)"`
}

// envelope carries the provider's in-band error signals. Alpha Vantage
// reports rate limiting via "Note" (and "Information" on the free tier)
// with a 200 status.
type envelope struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *httpClient) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an Alpha Vantage API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Overview(ctx context.Context, symbol string) (*Overview, error) {
	body, err := c.query(ctx, url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {symbol},
	})
	if err != nil {
		return nil, err
	}

	var ov Overview
	if err := json.Unmarshal(body, &ov); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "alphavantage: decode overview"))
	}
	if ov.Symbol == "" {
		return nil, resilience.NotFound(eris.Errorf("alphavantage: no overview for %q", symbol))
	}
	return &ov, nil
}

func (c *httpClient) DailySeries(ctx context.Context, symbol string) (*DailySeries, error) {
	body, err := c.query(ctx, url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"symbol":     {symbol},
		"outputsize": {"compact"},
	})
	if err != nil {
		return nil, err
	}

	var series DailySeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "alphavantage: decode daily series"))
	}
	if len(series.Bars) == 0 {
		return nil, resilience.NotFound(eris.Errorf("alphavantage: no daily series for %q", symbol))
	}
	return &series, nil
}

func (c *httpClient) query(ctx context.Context, params url.Values) ([]byte, error) {
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "alphavantage: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "alphavantage: send request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "alphavantage: read response"))
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("alphavantage: unexpected status %d", resp.StatusCode)
		if kind := resilience.KindForHTTPStatus(resp.StatusCode); kind != "" {
			return nil, resilience.WithKind(kind, err)
		}
		return nil, err
	}

	// The provider signals quota exhaustion and unknown symbols in-band
	// with a 200 response.
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "alphavantage: decode response"))
	}
	if env.Note != "" || env.Information != "" {
		msg := env.Note
		if msg == "" {
			msg = env.Information
		}
		return nil, resilience.RateLimited(eris.Errorf("alphavantage: %s", msg))
	}
	if env.ErrorMessage != "" {
		return nil, resilience.NotFound(eris.Errorf("alphavantage: %s", env.ErrorMessage))
	}

	return body, nil
}
