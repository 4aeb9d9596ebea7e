package crawler

import (
	"time"
)

// EpochSentinel is the "never" value for journal watermark dates.
var EpochSentinel = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// Titles of citation entries that describe issue wrappers rather than articles.
const (
	FrontMatterTitle = "Front Matter"
	BackMatterTitle  = "Back Matter"
)

// Journal is a catalog entry plus its crawl progress counters.
type Journal struct {
	ID                   int64     `json:"id"`
	ISSN                 string    `json:"issn"`
	AltISSN              string    `json:"alt_issn,omitempty"`
	Name                 string    `json:"name"`
	URL                  string    `json:"url,omitempty"`
	TotalIssueCount      int       `json:"total_issue_count"`
	ScrapedIssueCount    int       `json:"scraped_issue_count"`
	LastKnownIssueDate   time.Time `json:"last_known_issue_date"`
	LastScrapedIssueDate time.Time `json:"last_scraped_issue_date"`
}

// FullyScraped reports whether every known issue has been ingested and the
// watermark has caught up with the catalog.
func (j Journal) FullyScraped() bool {
	return j.ScrapedIssueCount == j.TotalIssueCount &&
		sameDay(j.LastScrapedIssueDate, j.LastKnownIssueDate)
}

// NeedsScrape is the inverse of FullyScraped, expressed the way the store
// filters candidates.
func (j Journal) NeedsScrape() bool {
	return j.ScrapedIssueCount < j.TotalIssueCount ||
		!sameDay(j.LastScrapedIssueDate, j.LastKnownIssueDate)
}

// Issue is one published instalment of a journal.
type Issue struct {
	ID        int64  `json:"id"`
	SourceID  string `json:"source_id"`
	URL       string `json:"url"`
	JournalID int64  `json:"journal_id"`
	Year      int    `json:"year"`
	Volume    int    `json:"volume"`
	Number    int    `json:"number"`
}

// Article is a single citation entry belonging to an issue.
type Article struct {
	ID         int64  `json:"id"`
	SourceID   string `json:"source_id"`
	IssueID    int64  `json:"issue_id"`
	Title      string `json:"title"`
	Abstract   string `json:"abstract"`
	URL        string `json:"url,omitempty"`
	ArchiveURL string `json:"archive_url,omitempty"`
	AccountID  *int64 `json:"account_id,omitempty"`
}

// Author is identified by its exact display name.
type Author struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ArticleAuthor links an article row to an author row.
type ArticleAuthor struct {
	ArticleID int64
	AuthorID  int64
}

// Account is a contributor wallet; Scraped counts linked articles that have
// been archived.
type Account struct {
	ID                int64  `json:"id"`
	WalletAddress     string `json:"wallet_address"`
	DonationsReceived int64  `json:"donations_received"`
	DonationsPaid     int64  `json:"donations_paid"`
	Scraped           int    `json:"scraped"`
}

// CatalogRow is one normalized line of the journal catalog snapshot.
type CatalogRow struct {
	ISSN               string
	AltISSN            string
	Name               string
	URL                string
	LastKnownIssueDate time.Time
}

// CatalogState summarizes how far the crawl has progressed over the catalog.
type CatalogState struct {
	Journals   int `json:"journals"`
	Unscraped  int `json:"unscraped"`
	InProgress int `json:"in_progress"`
	Scraped    int `json:"scraped"`
}

// CitationRecord is one flat entry of a parsed citation export.
type CitationRecord struct {
	ID       string
	Title    string
	Abstract string
	URL      string
	Journal  string
	ISSN     string
	AltISSN  string
	Volume   int
	Number   int
	Year     int
	Author   string
}

// IsFrontOrBackMatter reports whether the record describes issue wrapper pages.
func (r CitationRecord) IsFrontOrBackMatter() bool {
	return r.Title == FrontMatterTitle || r.Title == BackMatterTitle
}

// Authors splits the record's author string into individual names.
func (r CitationRecord) Authors() []string {
	return SplitAuthors(r.Author)
}

// IssueIngested is published after an issue merge commits.
type IssueIngested struct {
	RunID        string    `json:"run_id"`
	JournalID    int64     `json:"journal_id"`
	JournalISSN  string    `json:"journal_issn"`
	IssueURL     string    `json:"issue_url"`
	IssueCreated bool      `json:"issue_created"`
	Articles     int       `json:"articles"`
	ArchiveURI   string    `json:"archive_uri,omitempty"`
	ExportSHA256 string    `json:"export_sha256,omitempty"`
	IngestedAt   time.Time `json:"ingested_at"`
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
