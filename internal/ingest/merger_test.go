package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/citation"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
	"github.com/JakeFAU/citation-crawler/internal/storage/memory"
)

const issueURL = "https://example.org/stable/i26400176"

func fixtureRecords(t *testing.T) []crawler.CitationRecord {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "citation", "testdata", "citations.bib"))
	require.NoError(t, err)
	records, errs := citation.Parse(raw)
	require.Empty(t, errs)
	require.Len(t, records, 10)
	return records
}

func seedJournal(store *memory.Store) crawler.Journal {
	return store.PutJournal(crawler.Journal{
		ISSN:               "1537260X",
		AltISSN:            "19449585",
		Name:               "Academy of Management Learning & Education",
		LastKnownIssueDate: time.Date(2016, 12, 1, 0, 0, 0, 0, time.UTC),
	})
}

func TestMergeFullIssue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	journal := seedJournal(store)
	merger := NewMerger(store, zap.NewNop())

	res, err := merger.Merge(ctx, fixtureRecords(t), journal, issueURL, 58)
	require.NoError(t, err)
	require.True(t, res.IssueCreated)
	require.Equal(t, 8, res.Articles)
	require.Equal(t, 11, res.Authors)
	require.Equal(t, 14, res.Links)

	require.Equal(t, 58, res.Journal.TotalIssueCount)
	require.Equal(t, 1, res.Journal.ScrapedIssueCount)
	require.Equal(t, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC), res.Journal.LastScrapedIssueDate)

	issue, ok := store.IssueByURL(issueURL)
	require.True(t, ok)
	require.Equal(t, "i26400176", issue.SourceID)
	require.Equal(t, 2016, issue.Year)
	require.Equal(t, 15, issue.Volume)
	require.Equal(t, 4, issue.Number)

	article, ok := store.ArticleBySourceID("10.2307/26400179")
	require.True(t, ok)
	require.Equal(t, "Publish and Politics: An Examination of Business School Faculty Salaries in Ontario", article.Title)
	require.Equal(t, issue.ID, article.IssueID)
	require.Equal(t, []string{"YING HONG", "JAMES A. BROWN"}, store.AuthorNames("10.2307/26400179"))

	_, ok = store.ArticleBySourceID("10.2307/26400177")
	require.False(t, ok, "front matter must not be stored")
	_, ok = store.ArticleBySourceID("10.2307/26400187")
	require.False(t, ok, "back matter must not be stored")
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	journal := seedJournal(store)
	merger := NewMerger(store, nil)
	records := fixtureRecords(t)

	_, err := merger.Merge(ctx, records, journal, issueURL, 58)
	require.NoError(t, err)
	before := store.Counts()

	res, err := merger.Merge(ctx, records, journal, issueURL, 58)
	require.NoError(t, err)
	require.False(t, res.IssueCreated)
	require.Zero(t, res.Articles)
	require.Zero(t, res.Authors)
	require.Zero(t, res.Links)
	require.Equal(t, before, store.Counts())

	got, err := store.GetJournal(ctx, journal.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ScrapedIssueCount, "re-merging must not advance progress")
}

func TestMergeAccumulatesAuthorLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	journal := seedJournal(store)
	merger := NewMerger(store, nil)

	rec := crawler.CitationRecord{ID: "10.1/a", Title: "A", Year: 2001, Author: "ANN"}
	_, err := merger.Merge(ctx, []crawler.CitationRecord{rec}, journal, issueURL, 3)
	require.NoError(t, err)

	rec.Author = "ANN and BEN"
	res, err := merger.Merge(ctx, []crawler.CitationRecord{rec}, journal, issueURL, 3)
	require.NoError(t, err)
	require.Equal(t, 1, res.Authors)
	require.Equal(t, 1, res.Links)
	require.Equal(t, []string{"ANN", "BEN"}, store.AuthorNames("10.1/a"))
}

func TestMergeOnlyFrontMatterStillRecordsIssue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	journal := seedJournal(store)
	merger := NewMerger(store, nil)

	res, err := merger.Merge(ctx, []crawler.CitationRecord{
		{ID: "x1", Title: "Front Matter", Year: 1990},
		{ID: "x2", Title: "Back Matter", Year: 1990},
	}, journal, issueURL, 10)
	require.NoError(t, err)
	require.True(t, res.IssueCreated)
	require.Zero(t, res.Articles)
	require.Equal(t, memory.Counts{Journals: 1, Issues: 1}, store.Counts())
}

func TestMergeEmptyBatch(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	journal := seedJournal(store)
	_, err := NewMerger(store, nil).Merge(context.Background(), nil, journal, issueURL, 1)
	require.ErrorIs(t, err, crawler.ErrEmptyBatch)
	require.Equal(t, crawler.OutcomeSkippable, crawler.Classify(err))
}

func TestMergeCompletesJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	known := time.Date(1957, 6, 1, 0, 0, 0, 0, time.UTC)
	journal := store.PutJournal(crawler.Journal{
		ISSN: "00000077", Name: "Nearly Done",
		TotalIssueCount: 4, ScrapedIssueCount: 3,
		LastKnownIssueDate:   known,
		LastScrapedIssueDate: time.Date(1956, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	res, err := NewMerger(store, nil).Merge(ctx, []crawler.CitationRecord{
		{ID: "10.2307/last", Title: "Last Word", Year: 1957, Author: "E. EDITOR"},
	}, journal, "https://example.org/stable/i4", 4)
	require.NoError(t, err)
	require.Equal(t, 4, res.Journal.ScrapedIssueCount)
	require.Equal(t, known, res.Journal.LastScrapedIssueDate)
	require.True(t, res.Journal.FullyScraped())
}

var errBoom = errors.New("boom")

type failingStore struct {
	*memory.Store
}

func (s failingStore) WithTx(ctx context.Context, fn func(tx crawler.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx crawler.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

type failingTx struct {
	crawler.Tx
}

func (failingTx) LinkArticleAuthors(context.Context, []crawler.ArticleAuthor) (int, error) {
	return 0, errBoom
}

func TestMergeRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	journal := seedJournal(store)

	_, err := NewMerger(failingStore{Store: store}, nil).Merge(ctx, fixtureRecords(t), journal, issueURL, 58)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, crawler.OutcomeFatal, crawler.Classify(err))

	require.Equal(t, memory.Counts{Journals: 1}, store.Counts())
	got, err := store.GetJournal(ctx, journal.ID)
	require.NoError(t, err)
	require.Zero(t, got.ScrapedIssueCount)
	require.Equal(t, crawler.EpochSentinel, got.LastScrapedIssueDate)
}

func TestMergeHonorsDeadline(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	journal := seedJournal(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMerger(store, nil).Merge(ctx, fixtureRecords(t), journal, issueURL, 58)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, memory.Counts{Journals: 1}, store.Counts())
}
