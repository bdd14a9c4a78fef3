// Package newsapi is a NewsAPI.org client covering the /v2/everything
// endpoint with transparent pagination.
package newsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/company-intel/internal/resilience"
)

const (
	defaultBaseURL  = "https://newsapi.org"
	defaultPageSize = 100

	// maxPages bounds pagination; the developer tier caps results at 100
	// anyway, paid tiers rarely need more than a few hundred articles per
	// ingestion window.
	maxPages = 5
)

// Client searches NewsAPI articles.
type Client interface {
	Everything(ctx context.Context, q EverythingQuery) ([]Article, error)
}

// EverythingQuery holds the search parameters for /v2/everything.
type EverythingQuery struct {
	Query    string
	From     time.Time
	To       time.Time
	Language string
	SortBy   string
	// MaxResults bounds the total number of articles returned across
	// pages. Zero means one page.
	MaxResults int
}

// Source identifies the publisher of an article.
type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Article is one raw NewsAPI search result.
type Article struct {
	Source      Source    `json:"source"`
	Author      string    `json:"author"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
	Content     string    `json:"content"`
}

type everythingResponse struct {
	Status       string    `json:"status"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	TotalResults int       `json:"totalResults"`
	Articles     []Article `json:"articles"`
}

// Option configures the client.
type Option func(*restyClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *restyClient) {
		c.http.SetBaseURL(baseURL)
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *restyClient) {
		c.http.SetTimeout(d)
	}
}

type restyClient struct {
	http   *resty.Client
	apiKey string
}

// NewClient creates a NewsAPI client.
func NewClient(apiKey string, opts ...Option) Client {
	http := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(30 * time.Second)

	c := &restyClient{http: http, apiKey: apiKey}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Everything runs the search and follows pagination until MaxResults
// articles are collected or the result set is exhausted.
func (c *restyClient) Everything(ctx context.Context, q EverythingQuery) ([]Article, error) {
	pageSize := defaultPageSize
	if q.MaxResults > 0 && q.MaxResults < pageSize {
		pageSize = q.MaxResults
	}

	var articles []Article
	for page := 1; page <= maxPages; page++ {
		resp, err := c.page(ctx, q, page, pageSize)
		if err != nil {
			return nil, err
		}
		articles = append(articles, resp.Articles...)

		if len(resp.Articles) < pageSize || len(articles) >= resp.TotalResults {
			break
		}
		if q.MaxResults > 0 && len(articles) >= q.MaxResults {
			break
		}
	}

	if q.MaxResults > 0 && len(articles) > q.MaxResults {
		articles = articles[:q.MaxResults]
	}
	return articles, nil
}

func (c *restyClient) page(ctx context.Context, q EverythingQuery, page, pageSize int) (*everythingResponse, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", c.apiKey).
		SetQueryParam("q", q.Query).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("pageSize", strconv.Itoa(pageSize))

	if !q.From.IsZero() {
		req.SetQueryParam("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		req.SetQueryParam("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Language != "" {
		req.SetQueryParam("language", q.Language)
	}
	if q.SortBy != "" {
		req.SetQueryParam("sortBy", q.SortBy)
	}

	resp, err := req.Get("/v2/everything")
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "newsapi: send request"))
	}

	var body everythingResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, resilience.Malformed(eris.Wrap(err, "newsapi: decode response"))
	}

	if body.Status != "ok" {
		err := eris.Errorf("newsapi: %s: %s", body.Code, body.Message)
		if body.Code == "rateLimited" || resp.StatusCode() == http.StatusTooManyRequests {
			return nil, resilience.RateLimited(err)
		}
		if kind := resilience.KindForHTTPStatus(resp.StatusCode()); kind != "" {
			return nil, resilience.WithKind(kind, err)
		}
		return nil, err
	}
	return &body, nil
}
