package pipeline

import (
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/company-intel/internal/model"
)

// Cleaner validates and normalizes raw provider records. It is pure: no
// I/O, no provider calls, fully deterministic.
type Cleaner struct {
	maxBodyChars int
}

// NewCleaner creates a Cleaner. maxBodyChars bounds article bodies; values
// <= 0 disable truncation.
func NewCleaner(maxBodyChars int) *Cleaner {
	return &Cleaner{maxBodyChars: maxBodyChars}
}

// CleanBars drops OHLCV rows that violate basic price consistency. Invalid
// rows are logged and counted, never propagated.
func (c *Cleaner) CleanBars(symbol string, raw []model.RawBar) ([]model.CleanBar, int) {
	clean := make([]model.CleanBar, 0, len(raw))
	rejected := 0

	for _, bar := range raw {
		if reason := validateBar(bar); reason != "" {
			rejected++
			zap.L().Warn("clean: rejected bar",
				zap.String("symbol", symbol),
				zap.String("date", bar.Date.Format("2006-01-02")),
				zap.String("reason", reason),
			)
			continue
		}
		clean = append(clean, model.CleanBar{
			Date:   bar.Date,
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		})
	}

	return clean, rejected
}

// validateBar returns a rejection reason, or "" when the bar is consistent.
func validateBar(bar model.RawBar) string {
	switch {
	case bar.Open < 0 || bar.High < 0 || bar.Low < 0 || bar.Close < 0:
		return "negative price"
	case bar.Volume < 0:
		return "negative volume"
	case bar.Date.IsZero():
		return "missing date"
	case bar.Low > bar.High:
		return "low above high"
	case bar.High < bar.Open || bar.High < bar.Close:
		return "high below open/close"
	case bar.Low > bar.Open || bar.Low > bar.Close:
		return "low above open/close"
	}
	return ""
}

// CleanArticles normalizes article whitespace, drops empty records, bounds
// body length, and assigns the dedup fingerprint. Articles whose body and
// description are both empty carry no signal for enrichment and are dropped.
func (c *Cleaner) CleanArticles(symbol string, raw []model.RawArticle) ([]model.CleanArticle, int) {
	clean := make([]model.CleanArticle, 0, len(raw))
	rejected := 0

	for _, art := range raw {
		title := normalizeWhitespace(art.Title)
		content := normalizeWhitespace(art.Content)

		if title == "" || content == "" {
			rejected++
			zap.L().Debug("clean: rejected article",
				zap.String("symbol", symbol),
				zap.String("url", art.URL),
				zap.Bool("empty_title", title == ""),
				zap.Bool("empty_body", content == ""),
			)
			continue
		}

		if c.maxBodyChars > 0 && len(content) > c.maxBodyChars {
			content = truncateAtRune(content, c.maxBodyChars)
		}

		clean = append(clean, model.CleanArticle{
			Fingerprint: model.Fingerprint(title, art.Source, art.PublishedAt),
			Title:       title,
			Source:      normalizeWhitespace(art.Source),
			URL:         strings.TrimSpace(art.URL),
			Author:      normalizeWhitespace(art.Author),
			PublishedAt: art.PublishedAt.UTC(),
			Content:     content,
		})
	}

	return clean, rejected
}

// normalizeWhitespace collapses all runs of whitespace (including newlines
// from scraped content) into single spaces.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateAtRune cuts s to at most max bytes without splitting a UTF-8
// sequence.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
