package model

import "time"

// IngestState tracks where an ingestion request is in its lifecycle.
type IngestState string

const (
	IngestStateFetching    IngestState = "fetching"
	IngestStateCleaning    IngestState = "cleaning"
	IngestStateEnriching   IngestState = "enriching"
	IngestStateSummarizing IngestState = "summarizing"
	IngestStateStoring     IngestState = "storing"
	IngestStateDone        IngestState = "done"
	IngestStateFailed      IngestState = "failed"
)

// StageStatus is the terminal status of one pipeline stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult records the outcome of a single stage within one ingestion
// request.
type StageResult struct {
	Name      string         `json:"name"`
	Status    StageStatus    `json:"status"`
	Duration  int64          `json:"duration_ms"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// TokenUsage accumulates LLM token consumption across a run.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// Add accumulates usage from another measurement.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// IngestionReport is the structured outcome of one ingestion request.
// Ingestion is best-effort: a request is a user-visible success when at
// least the structured-data path completed, even if enrichment degraded.
type IngestionReport struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	State        IngestState `json:"state"`
	Success      bool        `json:"success"`
	SkippedFresh bool        `json:"skipped_fresh,omitempty"`
	Coalesced    bool        `json:"coalesced,omitempty"`

	Stages []StageResult `json:"stages"`

	BarsStored       int `json:"bars_stored"`
	BarsRejected     int `json:"bars_rejected"`
	ArticlesFetched  int `json:"articles_fetched"`
	ArticlesStored   int `json:"articles_stored"`
	ArticlesEnriched int `json:"articles_enriched"`
	ArticlesSkipped  int `json:"articles_skipped"`
	ArticlesFailed   int `json:"articles_failed"`

	TokenUsage    TokenUsage `json:"token_usage"`
	EstimatedCost float64    `json:"estimated_cost_usd"`

	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AddStage appends a stage result. Stage failures do not set the
// report-level error: a failed news fetch only degrades the run, so the
// coordinator decides which failures are fatal.
func (r *IngestionReport) AddStage(s StageResult) {
	r.Stages = append(r.Stages, s)
}

// Stage returns the named stage result, or nil if the stage was not run.
func (r *IngestionReport) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}
