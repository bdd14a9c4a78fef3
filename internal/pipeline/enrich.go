package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/resilience"
	"github.com/sells-group/company-intel/pkg/anthropic"
)

const enrichSystemPrompt = `You are a financial news analyst. Analyze the article and respond with a valid JSON object, nothing else:
{"sentiment_score": <-1.0 to 1.0>, "sentiment_label": "<positive|neutral|negative>", "classification": "<earnings|product|legal|market|executive|other>", "market_impact": "<high|medium|low>", "summary": "<2-3 sentence summary>", "risks": ["<risk>", ...], "opportunities": ["<opportunity>", ...], "action_items": ["<what investors should watch>", ...]}`

const enrichUserPrompt = `Company: %s (%s)
Headline: %s
Published: %s

Article body:
%s`

// correctiveReminder is appended on the second attempt after a malformed
// response.
const correctiveReminder = `Your previous response was not valid JSON matching the required schema. Respond with ONLY the JSON object, no markdown fences, no commentary.`

// defaultEnrichConcurrency bounds concurrent CreateMessage calls when no
// limit is configured.
const defaultEnrichConcurrency = 4

// enrichMaxTokens bounds the analysis response size.
const enrichMaxTokens = 1024

const summarySystemPrompt = `You are a financial analyst. Write a 2-3 sentence investment-focused company summary highlighting current market position and notable recent developments. Be concise and factual. Respond with the summary text only, no preamble.`

const summaryUserPrompt = `COMPANY: %s
SECTOR: %s
DESCRIPTION: %s

RECENT NEWS HEADLINES:
%s`

// summaryMaxTokens bounds the company summary response size.
const summaryMaxTokens = 300

// summaryMaxHeadlines caps how many recent headlines feed the summary.
const summaryMaxHeadlines = 5

// Enricher runs LLM analysis over cleaned articles. Failures are
// per-article: one malformed response never fails the batch, the article
// is persisted unenriched and retried on a later run.
type Enricher struct {
	client      anthropic.Client
	model       string
	breaker     *resilience.Breaker
	concurrency int

	nowFunc func() time.Time
}

// NewEnricher creates an Enricher using the given model.
func NewEnricher(client anthropic.Client, llmModel string, breaker *resilience.Breaker, concurrency int) *Enricher {
	if concurrency <= 0 {
		concurrency = defaultEnrichConcurrency
	}
	return &Enricher{
		client:      client,
		model:       llmModel,
		breaker:     breaker,
		concurrency: concurrency,
		nowFunc:     time.Now,
	}
}

// EnrichResult carries the enriched articles plus run accounting.
type EnrichResult struct {
	Articles []model.NewsArticle
	Enriched int
	Failed   int
	Usage    model.TokenUsage
}

// Enrich analyzes each article and returns persistable records. Articles
// whose analysis fails are returned with nil enrichment fields so the
// storage stage still persists them.
func (e *Enricher) Enrich(ctx context.Context, symbol, companyName string, articles []model.CleanArticle) (*EnrichResult, error) {
	result := &EnrichResult{
		Articles: make([]model.NewsArticle, len(articles)),
	}
	if len(articles) == 0 {
		return result, nil
	}

	systemBlocks := anthropic.BuildCachedSystemBlocks(enrichSystemPrompt)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	var mu sync.Mutex

	for i, art := range articles {
		i, art := i, art
		g.Go(func() error {
			record := model.NewsArticle{
				Fingerprint: art.Fingerprint,
				Symbol:      symbol,
				Title:       art.Title,
				Source:      art.Source,
				URL:         art.URL,
				Author:      art.Author,
				PublishedAt: art.PublishedAt,
				Content:     art.Content,
			}

			enrichment, usage, err := e.enrichOne(gCtx, symbol, companyName, art, systemBlocks)

			mu.Lock()
			defer mu.Unlock()
			result.Usage.Add(usage)
			if err != nil {
				result.Failed++
				zap.L().Warn("enrich: article analysis failed",
					zap.String("symbol", symbol),
					zap.String("fingerprint", art.Fingerprint),
					zap.String("kind", string(resilience.KindOf(err))),
					zap.Error(err),
				)
			} else {
				record.SetEnrichment(*enrichment, e.nowFunc().UTC())
				result.Enriched++
			}
			result.Articles[i] = record
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// Summarize writes a short investment-focused company summary from the
// profile and the run's cleaned headlines.
func (e *Enricher) Summarize(ctx context.Context, profile *model.CompanyProfile, articles []model.CleanArticle) (string, model.TokenUsage, error) {
	var usage model.TokenUsage

	var headlines []string
	for i, art := range articles {
		if i >= summaryMaxHeadlines {
			break
		}
		headlines = append(headlines, fmt.Sprintf("%d. %s", i+1, art.Title))
	}
	headlinesText := "No recent news available"
	if len(headlines) > 0 {
		headlinesText = strings.Join(headlines, "\n")
	}

	description := profile.Description
	if description == "" {
		description = "No description available"
	}
	prompt := fmt.Sprintf(summaryUserPrompt, profile.Name, profile.Sector, description, headlinesText)

	resp, err := resilience.BreakerVal(ctx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     e.model,
			MaxTokens: summaryMaxTokens,
			System:    anthropic.BuildCachedSystemBlocks(summarySystemPrompt),
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return "", usage, resilience.WithKind(resilience.KindEnrichment, err)
	}

	usage.Add(model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	})

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", usage, resilience.WithKind(resilience.KindEnrichment, eris.New("enrich: empty summary response"))
	}
	return summary, usage, nil
}

// EnrichOne analyzes a single persisted article. Used by the re-enrichment
// path for articles whose original analysis failed.
func (e *Enricher) EnrichOne(ctx context.Context, art model.NewsArticle) (*model.Enrichment, model.TokenUsage, error) {
	clean := model.CleanArticle{
		Fingerprint: art.Fingerprint,
		Title:       art.Title,
		Source:      art.Source,
		PublishedAt: art.PublishedAt,
		Content:     art.Content,
	}
	return e.enrichOne(ctx, art.Symbol, "", clean, anthropic.BuildCachedSystemBlocks(enrichSystemPrompt))
}

// enrichOne makes the model call with one corrective retry on malformed
// output.
func (e *Enricher) enrichOne(ctx context.Context, symbol, companyName string, art model.CleanArticle, system []anthropic.SystemBlock) (*model.Enrichment, model.TokenUsage, error) {
	var usage model.TokenUsage

	if companyName == "" {
		companyName = symbol
	}
	prompt := fmt.Sprintf(enrichUserPrompt,
		companyName, symbol, art.Title, art.PublishedAt.Format("2006-01-02"), art.Content)

	messages := []anthropic.Message{{Role: "user", Content: prompt}}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := resilience.BreakerVal(ctx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return e.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     e.model,
				MaxTokens: enrichMaxTokens,
				System:    system,
				Messages:  messages,
			})
		})
		if err != nil {
			return nil, usage, resilience.WithKind(resilience.KindEnrichment, err)
		}

		usage.Add(model.TokenUsage{
			InputTokens:         int(resp.Usage.InputTokens),
			OutputTokens:        int(resp.Usage.OutputTokens),
			CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
		})

		enrichment, parseErr := parseEnrichment(resp.Text())
		if parseErr == nil {
			return enrichment, usage, nil
		}

		if attempt == 0 {
			zap.L().Debug("enrich: malformed response, retrying with corrective prompt",
				zap.String("fingerprint", art.Fingerprint),
				zap.Error(parseErr),
			)
			messages = append(messages,
				anthropic.Message{Role: "assistant", Content: resp.Text()},
				anthropic.Message{Role: "user", Content: correctiveReminder},
			)
			continue
		}

		return nil, usage, resilience.WithKind(resilience.KindEnrichment,
			eris.Wrap(parseErr, "enrich: response invalid after corrective retry"))
	}

	// Unreachable: the loop always returns.
	return nil, usage, resilience.WithKind(resilience.KindEnrichment, eris.New("enrich: no attempts made"))
}

// parseEnrichment decodes and validates the model's JSON analysis.
// Sentiment is clamped to [-1, 1]; out-of-set classifications map to
// "other"; a missing summary is a hard failure since the insight would be
// useless without one.
func parseEnrichment(text string) (*model.Enrichment, error) {
	text = cleanJSON(text)

	var raw struct {
		SentimentScore *float64 `json:"sentiment_score"`
		SentimentLabel string   `json:"sentiment_label"`
		Classification string   `json:"classification"`
		MarketImpact   string   `json:"market_impact"`
		Summary        string   `json:"summary"`
		Risks          []string `json:"risks"`
		Opportunities  []string `json:"opportunities"`
		ActionItems    []string `json:"action_items"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, eris.Wrap(err, "enrich: decode analysis")
	}
	if raw.SentimentScore == nil {
		return nil, eris.New("enrich: missing sentiment_score")
	}
	if strings.TrimSpace(raw.Summary) == "" {
		return nil, eris.New("enrich: missing summary")
	}

	score := clamp(*raw.SentimentScore, -1, 1)
	label := strings.ToLower(strings.TrimSpace(raw.SentimentLabel))
	switch label {
	case "positive", "neutral", "negative":
	default:
		label = labelForScore(score)
	}

	return &model.Enrichment{
		SentimentScore: score,
		SentimentLabel: label,
		Classification: model.NormalizeClassification(strings.ToLower(strings.TrimSpace(raw.Classification))),
		MarketImpact:   model.NormalizeImpact(strings.ToLower(strings.TrimSpace(raw.MarketImpact))),
		Insight: model.Insight{
			Summary:       strings.TrimSpace(raw.Summary),
			Risks:         raw.Risks,
			Opportunities: raw.Opportunities,
			ActionItems:   raw.ActionItems,
		},
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func labelForScore(score float64) string {
	switch {
	case score > 0.15:
		return "positive"
	case score < -0.15:
		return "negative"
	default:
		return "neutral"
	}
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or surrounding commentary.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	text = strings.TrimSpace(text)

	// Salvage an embedded object from surrounding prose.
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start >= 0 && end > start {
			text = text[start : end+1]
		}
	}

	return text
}
