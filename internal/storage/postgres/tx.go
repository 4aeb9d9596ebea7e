package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// txStore runs the merge statements inside one pgx transaction.
type txStore struct {
	q querier
}

var _ crawler.Tx = (*txStore)(nil)

const issueColumns = `id, source_id, url, journal_id, year, volume, number`

// GetOrCreateIssue inserts the issue unless its URL exists, and reports
// whether this call created it. A source ID already stored under another URL
// is a conflict.
func (t *txStore) GetOrCreateIssue(ctx context.Context, issue crawler.Issue) (crawler.Issue, bool, error) {
	row := t.q.QueryRow(ctx, `
INSERT INTO issues (source_id, url, journal_id, year, volume, number)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT DO NOTHING
RETURNING `+issueColumns,
		issue.SourceID, issue.URL, issue.JournalID, issue.Year, issue.Volume, issue.Number)
	created, err := scanIssue(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Issue{}, false, fmt.Errorf("insert issue %s: %w", issue.URL, err)
	}

	row = t.q.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE url = $1 OR source_id = $2
ORDER BY url = $1 DESC
LIMIT 1`,
		issue.URL, issue.SourceID)
	existing, err := scanIssue(row)
	if err != nil {
		return crawler.Issue{}, false, fmt.Errorf("load issue %s: %w", issue.URL, err)
	}
	if existing.URL != issue.URL {
		return crawler.Issue{}, false, fmt.Errorf("issue %s: source id %q held by %s: %w",
			issue.URL, issue.SourceID, existing.URL, crawler.ErrIssueConflict)
	}
	return existing, false, nil
}

// AdvanceJournalProgress applies the capped increment in one statement. All
// right-hand sides read the pre-update row.
func (t *txStore) AdvanceJournalProgress(
	ctx context.Context,
	journalID int64,
	totalIssues int,
	watermark time.Time,
) (crawler.Journal, error) {
	row := t.q.QueryRow(ctx, `
UPDATE journals
SET total_issue_count = GREATEST(total_issue_count, $2),
	scraped_issue_count = LEAST(scraped_issue_count + 1, GREATEST(total_issue_count, $2)),
	last_scraped_issue_date = CASE
		WHEN scraped_issue_count + 1 >= GREATEST(total_issue_count, $2) THEN last_known_issue_date
		ELSE GREATEST(last_scraped_issue_date, $3::date)
	END
WHERE id = $1
RETURNING `+journalColumns, journalID, totalIssues, watermark)
	j, err := scanJournal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Journal{}, fmt.Errorf("journal %d: %w", journalID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Journal{}, fmt.Errorf("advance journal %d: %w", journalID, err)
	}
	return j, nil
}

// InsertArticles bulk inserts articles, skipping existing source IDs.
func (t *txStore) InsertArticles(ctx context.Context, articles []crawler.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	var (
		sourceIDs = make([]string, len(articles))
		issueIDs  = make([]int64, len(articles))
		titles    = make([]string, len(articles))
		abstracts = make([]string, len(articles))
		urls      = make([]string, len(articles))
		archives  = make([]string, len(articles))
		accounts  = make([]*int64, len(articles))
	)
	for i, a := range articles {
		sourceIDs[i] = a.SourceID
		issueIDs[i] = a.IssueID
		titles[i] = a.Title
		abstracts[i] = a.Abstract
		urls[i] = a.URL
		archives[i] = a.ArchiveURL
		accounts[i] = a.AccountID
	}
	tag, err := t.q.Exec(ctx, `
INSERT INTO articles (source_id, issue_id, title, abstract, url, archive_url, account_id)
SELECT r.source_id, r.issue_id, r.title, r.abstract, r.url, NULLIF(r.archive_url, ''), r.account_id
FROM unnest($1::text[], $2::bigint[], $3::text[], $4::text[], $5::text[], $6::text[], $7::bigint[])
	AS r(source_id, issue_id, title, abstract, url, archive_url, account_id)
ON CONFLICT DO NOTHING`, sourceIDs, issueIDs, titles, abstracts, urls, archives, accounts)
	if err != nil {
		return 0, fmt.Errorf("insert articles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertAuthors bulk inserts names, skipping existing ones.
func (t *txStore) InsertAuthors(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, `
INSERT INTO authors (name)
SELECT unnest($1::text[])
ON CONFLICT DO NOTHING`, names)
	if err != nil {
		return 0, fmt.Errorf("insert authors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ArticleIDsBySourceID maps source IDs to article IDs.
func (t *txStore) ArticleIDsBySourceID(ctx context.Context, sourceIDs []string) (map[string]int64, error) {
	return t.idsBy(ctx, `SELECT source_id, id FROM articles WHERE source_id = ANY($1)`, sourceIDs, "articles")
}

// AuthorIDsByName maps names to author IDs.
func (t *txStore) AuthorIDsByName(ctx context.Context, names []string) (map[string]int64, error) {
	return t.idsBy(ctx, `SELECT name, id FROM authors WHERE name = ANY($1)`, names, "authors")
}

func (t *txStore) idsBy(ctx context.Context, query string, keys []string, what string) (map[string]int64, error) {
	ids := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return ids, nil
	}
	rows, err := t.q.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			id  int64
		)
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		ids[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return ids, nil
}

// LinkArticleAuthors bulk inserts article/author pairs, skipping existing ones.
func (t *txStore) LinkArticleAuthors(ctx context.Context, links []crawler.ArticleAuthor) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	articleIDs := make([]int64, len(links))
	authorIDs := make([]int64, len(links))
	for i, l := range links {
		articleIDs[i], authorIDs[i] = l.ArticleID, l.AuthorID
	}
	tag, err := t.q.Exec(ctx, `
INSERT INTO article_authors (article_id, author_id)
SELECT * FROM unnest($1::bigint[], $2::bigint[])
ON CONFLICT DO NOTHING`, articleIDs, authorIDs)
	if err != nil {
		return 0, fmt.Errorf("link article authors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanIssue(row pgx.Row) (crawler.Issue, error) {
	var i crawler.Issue
	err := row.Scan(&i.ID, &i.SourceID, &i.URL, &i.JournalID, &i.Year, &i.Volume, &i.Number)
	return i, err
}
