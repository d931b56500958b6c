package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkExtractor turns a listing page into candidate media links.
type LinkExtractor interface {
	// ExtractLinks returns same-origin content links with pagination, category,
	// legal pages and the base URL itself removed, de-duplicated in document order.
	ExtractLinks(body []byte, baseURL string) ([]string, error)
	// PaginationLinks returns every same-origin link that points at a /page/N/ listing.
	PaginationLinks(body []byte, baseURL string) ([]string, error)
}

// MediaParser turns a detail page into a structured record. A nil result with a
// nil error means the page is not a media page.
type MediaParser interface {
	ParseMediaPage(body []byte, pageURL string) (*ParsedMedia, error)
}

// SourceValidator checks whether an external source is still alive. A returned
// error means the liveness could not be determined.
type SourceValidator interface {
	Validate(ctx context.Context, url string) (bool, error)
}

// CastImageFinder performs best-effort image discovery for a cast member. An
// empty string with a nil error means nothing was found.
type CastImageFinder interface {
	DiscoverCastImage(ctx context.Context, name string) (string, error)
}

// Catalog is the persistence gateway for media records, sources and cast.
type Catalog interface {
	// UpsertMedia inserts or updates the record keyed by PageURL and replaces its
	// sources, categories and cast links.
	UpsertMedia(ctx context.Context, record MediaRecord) (MediaRecord, error)
	// ExistingLinks reports which of the given page URLs already have a record.
	ExistingLinks(ctx context.Context, pageURLs []string) (map[string]bool, error)
	// FindCastByName returns nil when no cast member has that name.
	FindCastByName(ctx context.Context, name string) (*CastMember, error)
	// ListSourcesPage returns a stable-ordered window of the source table.
	ListSourcesPage(ctx context.Context, offset, limit int) (SourcePage, error)
	DeleteSource(ctx context.Context, id string) error
	DeleteMedia(ctx context.Context, id string) error
	CountSourcesForMedia(ctx context.Context, mediaID string) (int, error)
}

// RunStore persists run state machines.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	// SaveRun overwrites the stored run. ErrNotFound when the run does not exist.
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for run executions.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deterministic identifiers and blob keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() string
}
