// Package postgres implements the crawl store on Postgres with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres crawler.Store.
type Store struct {
	pool pool
}

var _ crawler.Store = (*Store)(nil)

// Connect opens a pgx pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// NewStore connects and returns a Store owning the pool.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

// NewStoreWithPool wraps an existing pool (a *pgxpool.Pool or a pgxmock pool).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction that commits only when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx crawler.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{q: tx})
	})
}

const journalColumns = `id, issn, COALESCE(alt_issn, ''), name, COALESCE(url, ''),
	total_issue_count, scraped_issue_count, last_known_issue_date, last_scraped_issue_date`

const updateLastKnownSQL = `
UPDATE journals AS j
SET last_known_issue_date = v.last_known
FROM (SELECT unnest($1::text[]) AS issn, unnest($2::date[]) AS last_known) AS v
WHERE j.issn = v.issn`

const insertJournalsSQL = `
INSERT INTO journals (issn, alt_issn, name, url, last_known_issue_date)
SELECT r.issn, NULLIF(r.alt_issn, ''), r.name, NULLIF(r.url, ''), r.last_known
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::date[])
	AS r(issn, alt_issn, name, url, last_known)
ON CONFLICT DO NOTHING`

// ReconcileCatalog updates known journals and inserts new ones in a single
// transaction.
func (s *Store) ReconcileCatalog(ctx context.Context, rows []crawler.CatalogRow) (crawler.CatalogResult, error) {
	res := crawler.CatalogResult{Rows: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}
	var (
		issns  = make([]string, len(rows))
		alts   = make([]string, len(rows))
		names  = make([]string, len(rows))
		urls   = make([]string, len(rows))
		knowns = make([]time.Time, len(rows))
	)
	for i, r := range rows {
		issns[i], alts[i], names[i], urls[i], knowns[i] = r.ISSN, r.AltISSN, r.Name, r.URL, r.LastKnownIssueDate
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateLastKnownSQL, issns, knowns)
		if err != nil {
			return fmt.Errorf("update last known dates: %w", err)
		}
		res.Updated = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, insertJournalsSQL, issns, alts, names, urls, knowns)
		if err != nil {
			return fmt.Errorf("insert journals: %w", err)
		}
		res.Inserted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return crawler.CatalogResult{}, fmt.Errorf("reconcile catalog: %w", err)
	}
	return res, nil
}

// JournalsNeedingScrape lists crawlable journals whose counters or watermark
// lag.
func (s *Store) JournalsNeedingScrape(ctx context.Context, limit int) ([]crawler.Journal, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+journalColumns+`
FROM journals
WHERE COALESCE(url, '') <> ''
	AND (scraped_issue_count < total_issue_count
		OR last_scraped_issue_date <> last_known_issue_date)
ORDER BY id
LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("query journals needing scrape: %w", err)
	}
	journals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Journal, error) {
		return scanJournal(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan journals: %w", err)
	}
	return journals, nil
}

// GetJournal loads one journal by ID.
func (s *Store) GetJournal(ctx context.Context, id int64) (crawler.Journal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id = $1`, id)
	j, err := scanJournal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Journal{}, fmt.Errorf("journal %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Journal{}, fmt.Errorf("get journal %d: %w", id, err)
	}
	return j, nil
}

// KnownIssueURLs returns which of urls are already stored.
func (s *Store) KnownIssueURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	if len(urls) == 0 {
		return known, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT url FROM issues WHERE url = ANY($1)`, urls)
	if err != nil {
		return nil, fmt.Errorf("query known issues: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan known issues: %w", err)
	}
	for _, u := range found {
		known[u] = struct{}{}
	}
	return known, nil
}

// MarkJournalComplete snaps counters and watermark to the catalog.
func (s *Store) MarkJournalComplete(ctx context.Context, journalID int64, knownIssues int) (crawler.Journal, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE journals
SET total_issue_count = GREATEST(total_issue_count, $2),
	scraped_issue_count = GREATEST(total_issue_count, $2),
	last_scraped_issue_date = last_known_issue_date
WHERE id = $1
RETURNING `+journalColumns, journalID, knownIssues)
	j, err := scanJournal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Journal{}, fmt.Errorf("journal %d: %w", journalID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Journal{}, fmt.Errorf("mark journal %d complete: %w", journalID, err)
	}
	return j, nil
}

// CatalogState counts journals by progress.
func (s *Store) CatalogState(ctx context.Context) (crawler.CatalogState, error) {
	var st crawler.CatalogState
	err := s.pool.QueryRow(ctx, `
SELECT count(*),
	count(*) FILTER (WHERE scraped_issue_count = 0),
	count(*) FILTER (WHERE scraped_issue_count > 0 AND scraped_issue_count < total_issue_count),
	count(*) FILTER (WHERE scraped_issue_count > 0 AND scraped_issue_count = total_issue_count)
FROM journals`).Scan(&st.Journals, &st.Unscraped, &st.InProgress, &st.Scraped)
	if err != nil {
		return crawler.CatalogState{}, fmt.Errorf("catalog state: %w", err)
	}
	return st, nil
}

// AccountsWithScrapes lists accounts with at least one archived article.
func (s *Store) AccountsWithScrapes(ctx context.Context) ([]crawler.Account, error) {
	rows, err := s.pool.Query(ctx, `
SELECT a.id, a.wallet_address, a.donations_received, a.donations_paid, count(ar.id)
FROM accounts AS a
JOIN articles AS ar ON ar.account_id = a.id AND ar.archive_url IS NOT NULL
GROUP BY a.id
ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Account, error) {
		var a crawler.Account
		err := row.Scan(&a.ID, &a.WalletAddress, &a.DonationsReceived, &a.DonationsPaid, &a.Scraped)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan accounts: %w", err)
	}
	return accounts, nil
}

func scanJournal(row pgx.Row) (crawler.Journal, error) {
	var j crawler.Journal
	err := row.Scan(
		&j.ID,
		&j.ISSN,
		&j.AltISSN,
		&j.Name,
		&j.URL,
		&j.TotalIssueCount,
		&j.ScrapedIssueCount,
		&j.LastKnownIssueDate,
		&j.LastScrapedIssueDate,
	)
	return j, err
}
