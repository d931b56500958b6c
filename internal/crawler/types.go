// Package crawler defines the core types and collaborator contracts shared by the
// scraping orchestrators, the storage backends, and the trigger surface.
package crawler

import (
	"net/http"
	"time"
)

// RunKind distinguishes the two durable orchestrations.
type RunKind string

// Run kinds persisted in the run store.
const (
	RunKindScrape  RunKind = "scrape"
	RunKindCleanup RunKind = "cleanup"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusTerminated RunStatus = "terminated"
)

// Terminal reports whether no further work will happen for a run in this status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTerminated:
		return true
	default:
		return false
	}
}

// Active reports whether a run in this status blocks a new non-concurrent run.
func (s RunStatus) Active() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// DefaultBatchSize is the number of listing pages scraped concurrently per batch.
const DefaultBatchSize = 5

// RunParams captures the knobs a caller supplies when starting a scrape run.
type RunParams struct {
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxPages  *int   `json:"max_pages,omitempty" mapstructure:"max_pages"`
	BatchSize int    `json:"batch_size" mapstructure:"batch_size"`
	Force     bool   `json:"force" mapstructure:"force"`
}

// EffectiveBatchSize returns BatchSize or the default when unset.
func (p RunParams) EffectiveBatchSize() int {
	if p.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return p.BatchSize
}

// RunCounters aggregates partial success across a scrape run.
type RunCounters struct {
	PagesSucceeded int `json:"pages_succeeded"`
	PagesFailed    int `json:"pages_failed"`
	MediaSucceeded int `json:"media_succeeded"`
	MediaFailed    int `json:"media_failed"`
	MediaSkipped   int `json:"media_skipped"`
}

// BatchOutcome records how one batch of page orchestrations settled.
type BatchOutcome struct {
	Index     int `json:"index"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Run is the persisted state machine for one orchestration instance. It is written
// after every completed step so a restarted process can resume from it.
type Run struct {
	ID              string             `json:"id"`
	Kind            RunKind            `json:"kind"`
	Status          RunStatus          `json:"status"`
	Params          RunParams          `json:"params"`
	DiscoveredPages int                `json:"discovered_pages"`
	PlannedPages    int                `json:"planned_pages"`
	NextBatch       int                `json:"next_batch"`
	Batches         []BatchOutcome     `json:"batches,omitempty"`
	Counters        RunCounters        `json:"counters"`
	Checkpoint      *CleanupCheckpoint `json:"checkpoint,omitempty"`
	Continuations   int                `json:"continuations"`
	ErrorText       string             `json:"error_text,omitempty"`
	TerminateReason string             `json:"terminate_reason,omitempty"`
	Submitted       time.Time          `json:"submitted_at"`
	Started         *time.Time         `json:"started_at,omitempty"`
	Finished        *time.Time         `json:"finished_at,omitempty"`
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	Kind     RunKind
	Statuses []RunStatus
}

// Matches reports whether the run satisfies the filter.
func (f RunFilter) Matches(run Run) bool {
	if f.Kind != "" && run.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if run.Status == status {
			return true
		}
	}
	return false
}

// ActiveFilter matches queued or running runs of the given kind.
func ActiveFilter(kind RunKind) RunFilter {
	return RunFilter{Kind: kind, Statuses: []RunStatus{RunStatusQueued, RunStatusRunning}}
}

// RunSummary is the result of a scrape orchestration.
type RunSummary struct {
	RunID           string         `json:"run_id"`
	BaseURL         string         `json:"base_url"`
	DiscoveredPages int            `json:"discovered_pages"`
	PlannedPages    int            `json:"planned_pages"`
	PagesProcessed  int            `json:"pages_processed"`
	Counters        RunCounters    `json:"counters"`
	Batches         []BatchOutcome `json:"batches"`
	Status          RunStatus      `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// PageTask is one listing page handed to a page orchestration.
type PageTask struct {
	RunID   string
	PageURL string
	BaseURL string
	Index   int
	Force   bool
}

// PageSummary is the settled result of one page orchestration.
type PageSummary struct {
	PageURL   string `json:"page_url"`
	Links     int    `json:"links"`
	Skipped   int    `json:"skipped"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// MediaCandidate is one media detail page handed to a media orchestration.
type MediaCandidate struct {
	ID       string
	MediaURL string
	BaseURL  string
	Force    bool
}

// OutcomeReason explains why a media orchestration did not persist a record.
type OutcomeReason string

// Media outcome reasons.
const (
	ReasonValidationFailed OutcomeReason = "validation_failed"
	ReasonNoValidSources   OutcomeReason = "no_valid_sources"
	ReasonNotMediaPage     OutcomeReason = "not_media_page"
)

// MediaOutcome is the result of a media orchestration.
type MediaOutcome struct {
	MediaURL string        `json:"media_url"`
	Success  bool          `json:"success"`
	Reason   OutcomeReason `json:"reason,omitempty"`
	MediaID  string        `json:"media_id,omitempty"`
	Sources  int           `json:"sources"`
	Dropped  int           `json:"dropped"`
}

// SourceLink is an external download or streaming link extracted from a media page.
type SourceLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ParsedMedia is what the media parser extracts from a detail page.
type ParsedMedia struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	ThumbnailURL string       `json:"thumbnail_url"`
	Sources      []SourceLink `json:"sources"`
	Categories   []string     `json:"categories"`
	Cast         []string     `json:"cast"`
	DateAdded    *time.Time   `json:"date_added,omitempty"`
	Duration     string       `json:"duration,omitempty"`
}

// MissingRequired lists the required fields that are empty.
func (p ParsedMedia) MissingRequired() []string {
	var missing []string
	if p.Name == "" {
		missing = append(missing, "name")
	}
	if p.Description == "" {
		missing = append(missing, "description")
	}
	if p.ThumbnailURL == "" {
		missing = append(missing, "thumbnail")
	}
	return missing
}

// CastMember is a person credited on a media record.
type CastMember struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

// MediaRecord is the persisted catalog entry. PageURL is the idempotency key.
type MediaRecord struct {
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	ThumbnailURL string       `json:"thumbnail_url"`
	PageURL      string       `json:"page_url"`
	DateAdded    *time.Time   `json:"date_added,omitempty"`
	Duration     string       `json:"duration,omitempty"`
	Sources      []SourceLink `json:"sources"`
	Categories   []string     `json:"categories"`
	Cast         []CastMember `json:"cast"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// SourceRef is one persisted source row as seen by the cleanup walk.
type SourceRef struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	MediaID string `json:"media_id"`
}

// SourcePage is a window over the source table.
type SourcePage struct {
	Items []SourceRef `json:"items"`
	Total int         `json:"total"`
}

// DefaultCleanupPageSize is the number of sources handled per cleanup execution.
const DefaultCleanupPageSize = 100

// CleanupCheckpoint is the continuation input handed from one cleanup execution to
// the next. It serializes to a plain record.
type CleanupCheckpoint struct {
	Offset             int `json:"offset"`
	BrokenSourcesCount int `json:"brokenSourcesCount"`
	MediaDeletedCount  int `json:"mediaDeletedCount"`
	TotalSources       int `json:"totalSources"`
	ProcessedCount     int `json:"processedCount"`
	SkippedCount       int `json:"skippedCount"`
}

// CleanupSummary is returned once the cleanup walk reaches the end of the table.
type CleanupSummary struct {
	TotalProcessed int `json:"totalProcessed"`
	BrokenSources  int `json:"brokenSources"`
	MediaDeleted   int `json:"mediaDeleted"`
	SkippedSources int `json:"skippedSources"`
}

// Summary converts an accumulated checkpoint into a summary.
func (c CleanupCheckpoint) Summary() CleanupSummary {
	return CleanupSummary{
		TotalProcessed: c.ProcessedCount,
		BrokenSources:  c.BrokenSourcesCount,
		MediaDeleted:   c.MediaDeletedCount,
		SkippedSources: c.SkippedCount,
	}
}

// CleanupStep is the outcome of one cleanup execution: either a continuation
// checkpoint or the final summary.
type CleanupStep struct {
	Next    *CleanupCheckpoint
	Summary *CleanupSummary
}

// Done reports whether the walk finished.
func (s CleanupStep) Done() bool {
	return s.Next == nil
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation. Non-2xx
// responses are returned with their status rather than as errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// QueueItem is the unit handed from the dispatcher to workers. A cleanup
// continuation is a new QueueItem for the same run.
type QueueItem struct {
	RunID     string    `json:"run_id"`
	Kind      RunKind   `json:"kind"`
	Attempt   int       `json:"attempt"`
	Submitted time.Time `json:"submitted_at"`
}

// RunEvent is published when a run reaches a terminal status.
type RunEvent struct {
	RunID      string          `json:"run_id"`
	Kind       RunKind         `json:"kind"`
	Status     RunStatus       `json:"status"`
	Error      string          `json:"error,omitempty"`
	Scrape     *RunSummary     `json:"scrape,omitempty"`
	Cleanup    *CleanupSummary `json:"cleanup,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Attributes returns message attributes that let subscribers filter events.
func (e RunEvent) Attributes() map[string]string {
	return map[string]string{
		"run_id": e.RunID,
		"kind":   string(e.Kind),
		"status": string(e.Status),
	}
}
