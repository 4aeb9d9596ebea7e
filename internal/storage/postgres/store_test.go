package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

var journalCols = []string{
	"id", "issn", "alt_issn", "name", "url",
	"total_issue_count", "scraped_issue_count", "last_known_issue_date", "last_scraped_issue_date",
}

var (
	lastKnown = time.Date(2016, 12, 1, 0, 0, 0, 0, time.UTC)
	yearStart = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func journalRow(scraped, total int, lastScraped time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(journalCols).AddRow(
		int64(1), "1537260X", "19449585", "Academy of Management Learning & Education",
		"https://example.org/journal/amle", total, scraped, lastKnown, lastScraped,
	)
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestReconcileCatalog(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := []crawler.CatalogRow{
		{ISSN: "1537260X", AltISSN: "19449585", Name: "Academy of Management Learning & Education", LastKnownIssueDate: lastKnown},
		{ISSN: "00018392", Name: "Administrative Science Quarterly", URL: "https://example.org/journal/asq", LastKnownIssueDate: crawler.EpochSentinel},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE journals AS j").
		WithArgs([]string{"1537260X", "00018392"}, []time.Time{lastKnown, crawler.EpochSentinel}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO journals").
		WithArgs(
			[]string{"1537260X", "00018392"},
			[]string{"19449585", ""},
			[]string{"Academy of Management Learning & Education", "Administrative Science Quarterly"},
			[]string{"", "https://example.org/journal/asq"},
			[]time.Time{lastKnown, crawler.EpochSentinel},
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.ReconcileCatalog(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, crawler.CatalogResult{Rows: 2, Updated: 1, Inserted: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCatalogRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE journals AS j").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO journals").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.ReconcileCatalog(context.Background(), []crawler.CatalogRow{{ISSN: "1537260X", Name: "x"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCatalogEmpty(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	res, err := store.ReconcileCatalog(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, res.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalsNeedingScrape(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM journals\\s+WHERE COALESCE\\(url, ''\\) <> ''\\s+AND \\(scraped_issue_count < total_issue_count").
		WithArgs(1).
		WillReturnRows(journalRow(0, 0, crawler.EpochSentinel))

	journals, err := store.JournalsNeedingScrape(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, journals, 1)
	require.Equal(t, "1537260X", journals[0].ISSN)
	require.Equal(t, "19449585", journals[0].AltISSN)
	require.True(t, journals[0].NeedsScrape())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalsNeedingScrapeUnlimited(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM journals").
		WithArgs(nil).
		WillReturnRows(pgxmock.NewRows(journalCols))

	journals, err := store.JournalsNeedingScrape(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, journals)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJournalNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM journals WHERE id = \\$1").
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJournal(context.Background(), 9)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKnownIssueURLs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	urls := []string{"https://example.org/stable/i1", "https://example.org/stable/i2"}
	mock.ExpectQuery("SELECT url FROM issues").
		WithArgs(urls).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://example.org/stable/i2"))

	known, err := store.KnownIssueURLs(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"https://example.org/stable/i2": {}}, known)

	known, err = store.KnownIssueURLs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, known)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkJournalComplete(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE journals\\s+SET total_issue_count = GREATEST").
		WithArgs(int64(1), 3).
		WillReturnRows(journalRow(5, 5, lastKnown))

	j, err := store.MarkJournalComplete(context.Background(), 1, 3)
	require.NoError(t, err)
	require.True(t, j.FullyScraped())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FILTER").
		WillReturnRows(pgxmock.NewRows([]string{"total", "unscraped", "in_progress", "scraped"}).AddRow(10, 6, 3, 1))

	st, err := store.CatalogState(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.CatalogState{Journals: 10, Unscraped: 6, InProgress: 3, Scraped: 1}, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountsWithScrapes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM accounts AS a").
		WillReturnRows(pgxmock.NewRows([]string{"id", "wallet_address", "donations_received", "donations_paid", "count"}).
			AddRow(int64(7), "0xabc", int64(0), int64(0), 2))

	accounts, err := store.AccountsWithScrapes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []crawler.Account{{ID: 7, WalletAddress: "0xabc", Scraped: 2}}, accounts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxMergeStatements(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	issueCols := []string{"id", "source_id", "url", "journal_id", "year", "volume", "number"}
	issue := crawler.Issue{SourceID: "i26400176", URL: "https://example.org/stable/i26400176", JournalID: 1, Year: 2016, Volume: 15, Number: 4}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO issues").
		WithArgs(issue.SourceID, issue.URL, issue.JournalID, issue.Year, issue.Volume, issue.Number).
		WillReturnRows(pgxmock.NewRows(issueCols).AddRow(int64(11), issue.SourceID, issue.URL, int64(1), 2016, 15, 4))
	mock.ExpectQuery("UPDATE journals\\s+SET total_issue_count = GREATEST\\(total_issue_count, \\$2\\),\\s+scraped_issue_count = LEAST").
		WithArgs(int64(1), 58, yearStart).
		WillReturnRows(journalRow(1, 58, yearStart))
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(
			[]string{"10.2307/26400179"},
			[]int64{11},
			[]string{"Publish and Politics"},
			[]string{""},
			[]string{"https://example.org/stable/26400179"},
			[]string{""},
			[]*int64{nil},
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO authors").
		WithArgs([]string{"YING HONG", "JAMES A. BROWN"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectQuery("SELECT source_id, id FROM articles").
		WithArgs([]string{"10.2307/26400179"}).
		WillReturnRows(pgxmock.NewRows([]string{"source_id", "id"}).AddRow("10.2307/26400179", int64(21)))
	mock.ExpectQuery("SELECT name, id FROM authors").
		WithArgs([]string{"YING HONG", "JAMES A. BROWN"}).
		WillReturnRows(pgxmock.NewRows([]string{"name", "id"}).
			AddRow("YING HONG", int64(31)).
			AddRow("JAMES A. BROWN", int64(32)))
	mock.ExpectExec("INSERT INTO article_authors").
		WithArgs([]int64{21, 21}, []int64{31, 32}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx crawler.Tx) error {
		got, created, err := tx.GetOrCreateIssue(context.Background(), issue)
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, int64(11), got.ID)

		j, err := tx.AdvanceJournalProgress(context.Background(), 1, 58, yearStart)
		require.NoError(t, err)
		require.Equal(t, 1, j.ScrapedIssueCount)

		n, err := tx.InsertArticles(context.Background(), []crawler.Article{{
			SourceID: "10.2307/26400179",
			IssueID:  11,
			Title:    "Publish and Politics",
			URL:      "https://example.org/stable/26400179",
		}})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = tx.InsertAuthors(context.Background(), []string{"YING HONG", "JAMES A. BROWN"})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		articles, err := tx.ArticleIDsBySourceID(context.Background(), []string{"10.2307/26400179"})
		require.NoError(t, err)
		authors, err := tx.AuthorIDsByName(context.Background(), []string{"YING HONG", "JAMES A. BROWN"})
		require.NoError(t, err)

		n, err = tx.LinkArticleAuthors(context.Background(), []crawler.ArticleAuthor{
			{ArticleID: articles["10.2307/26400179"], AuthorID: authors["YING HONG"]},
			{ArticleID: articles["10.2307/26400179"], AuthorID: authors["JAMES A. BROWN"]},
		})
		require.NoError(t, err)
		require.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateIssueExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	issueCols := []string{"id", "source_id", "url", "journal_id", "year", "volume", "number"}
	issue := crawler.Issue{SourceID: "i1", URL: "https://example.org/stable/i1", JournalID: 1}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO issues").WillReturnRows(pgxmock.NewRows(issueCols))
	mock.ExpectQuery("FROM issues WHERE url = \\$1 OR source_id = \\$2").
		WithArgs(issue.URL, issue.SourceID).
		WillReturnRows(pgxmock.NewRows(issueCols).AddRow(int64(4), "i1", issue.URL, int64(1), 2001, 2, 3))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx crawler.Tx) error {
		got, created, err := tx.GetOrCreateIssue(context.Background(), issue)
		if err != nil {
			return err
		}
		require.False(t, created)
		require.Equal(t, int64(4), got.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateIssueSourceIDConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	issueCols := []string{"id", "source_id", "url", "journal_id", "year", "volume", "number"}
	issue := crawler.Issue{SourceID: "i1", URL: "https://example.org/stable/i1?view=toc", JournalID: 1}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO issues").WillReturnRows(pgxmock.NewRows(issueCols))
	mock.ExpectQuery("FROM issues WHERE url = \\$1 OR source_id = \\$2").
		WithArgs(issue.URL, issue.SourceID).
		WillReturnRows(pgxmock.NewRows(issueCols).AddRow(int64(4), "i1", "https://example.org/stable/i1", int64(1), 2001, 2, 3))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx crawler.Tx) error {
		_, _, err := tx.GetOrCreateIssue(context.Background(), issue)
		return err
	})
	require.ErrorIs(t, err, crawler.ErrIssueConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(crawler.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmptyBulkStatementsSkipTheDatabase(t *testing.T) {
	t.Parallel()

	tx := &txStore{}
	ctx := context.Background()
	n, err := tx.InsertArticles(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = tx.InsertAuthors(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = tx.LinkArticleAuthors(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	ids, err := tx.AuthorIDsByName(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, ids)
}
