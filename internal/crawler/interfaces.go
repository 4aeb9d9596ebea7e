package crawler

import (
	"context"
	"io"
	"time"
)

// Store is the persistence surface the pipeline needs outside a merge.
type Store interface {
	// ReconcileCatalog bulk-updates last known issue dates for journals already
	// present and inserts the rest, ignoring conflicts, in one transaction.
	ReconcileCatalog(ctx context.Context, rows []CatalogRow) (CatalogResult, error)
	// JournalsNeedingScrape returns journals with a URL whose counters or
	// watermark lag the catalog, in ID order. limit <= 0 means no limit.
	JournalsNeedingScrape(ctx context.Context, limit int) ([]Journal, error)
	GetJournal(ctx context.Context, id int64) (Journal, error)
	// KnownIssueURLs returns the subset of urls already stored as issues.
	KnownIssueURLs(ctx context.Context, urls []string) (map[string]struct{}, error)
	// MarkJournalComplete records that every listed issue is already stored.
	MarkJournalComplete(ctx context.Context, journalID int64, knownIssues int) (Journal, error)
	CatalogState(ctx context.Context) (CatalogState, error)
	AccountsWithScrapes(ctx context.Context) ([]Account, error)
	// WithTx runs fn inside one transaction; any error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the per-issue merge surface. Every insert ignores uniqueness conflicts.
type Tx interface {
	GetOrCreateIssue(ctx context.Context, issue Issue) (Issue, bool, error)
	// AdvanceJournalProgress applies the capped increment and watermark move in
	// a single statement.
	AdvanceJournalProgress(ctx context.Context, journalID int64, totalIssues int, watermark time.Time) (Journal, error)
	InsertArticles(ctx context.Context, articles []Article) (int, error)
	InsertAuthors(ctx context.Context, names []string) (int, error)
	ArticleIDsBySourceID(ctx context.Context, sourceIDs []string) (map[string]int64, error)
	AuthorIDsByName(ctx context.Context, names []string) (map[string]int64, error)
	LinkArticleAuthors(ctx context.Context, links []ArticleAuthor) (int, error)
}

// CatalogResult reports what a reconcile pass changed.
type CatalogResult struct {
	Rows     int `json:"rows"`
	Updated  int `json:"updated"`
	Inserted int `json:"inserted"`
}

// Acquirer opens remote browser sessions.
type Acquirer interface {
	// Open establishes a session. timeout bounds the whole session; zero means
	// the caller's context deadline is the only bound.
	Open(ctx context.Context, timeout time.Duration) (Session, error)
}

// Session is one exclusively owned remote browser.
type Session interface {
	Navigate(ctx context.Context, url string) error
	DismissInterstitial(ctx context.Context)
	ListIssueLinks(ctx context.Context) ([]string, error)
	// ExportCitations returns false when a UI control never became usable; this
	// is a skippable outcome, not an error.
	ExportCitations(ctx context.Context, issueURL string) (bool, error)
	FetchLastDownload(ctx context.Context) ([]byte, error)
	DeleteDownload(ctx context.Context)
	Close()
}

// CatalogSource downloads the raw catalog snapshot.
type CatalogSource interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes ingest notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher digests raw exports so consumers can detect changed archives.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Limiter paces remote requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}
