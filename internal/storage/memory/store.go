// Package memory provides in-process stores for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// Store implements crawler.Store over maps. Transactions work on a copy of the
// state that replaces the live state only when fn succeeds, so a failed merge
// leaves nothing behind.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ crawler.Store = (*Store)(nil)

type state struct {
	nextID int64

	journals      map[int64]crawler.Journal
	journalByISSN map[string]int64
	journalByAlt  map[string]int64
	journalByName map[string]int64
	journalByURL  map[string]int64

	issues        map[int64]crawler.Issue
	issueByURL    map[string]int64
	issueBySource map[string]int64

	articles        map[int64]crawler.Article
	articleBySource map[string]int64

	authors      map[int64]crawler.Author
	authorByName map[string]int64

	links    map[crawler.ArticleAuthor]struct{}
	accounts map[int64]crawler.Account
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		journals:        make(map[int64]crawler.Journal),
		journalByISSN:   make(map[string]int64),
		journalByAlt:    make(map[string]int64),
		journalByName:   make(map[string]int64),
		journalByURL:    make(map[string]int64),
		issues:          make(map[int64]crawler.Issue),
		issueByURL:      make(map[string]int64),
		issueBySource:   make(map[string]int64),
		articles:        make(map[int64]crawler.Article),
		articleBySource: make(map[string]int64),
		authors:         make(map[int64]crawler.Author),
		authorByName:    make(map[string]int64),
		links:           make(map[crawler.ArticleAuthor]struct{}),
		accounts:        make(map[int64]crawler.Account),
	}
}

func (s *state) clone() *state {
	return &state{
		nextID:          s.nextID,
		journals:        cloneMap(s.journals),
		journalByISSN:   cloneMap(s.journalByISSN),
		journalByAlt:    cloneMap(s.journalByAlt),
		journalByName:   cloneMap(s.journalByName),
		journalByURL:    cloneMap(s.journalByURL),
		issues:          cloneMap(s.issues),
		issueByURL:      cloneMap(s.issueByURL),
		issueBySource:   cloneMap(s.issueBySource),
		articles:        cloneMap(s.articles),
		articleBySource: cloneMap(s.articleBySource),
		authors:         cloneMap(s.authors),
		authorByName:    cloneMap(s.authorByName),
		links:           cloneMap(s.links),
		accounts:        cloneMap(s.accounts),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// WithTx runs fn against a private copy of the state and publishes it on success.
func (s *Store) WithTx(ctx context.Context, fn func(tx crawler.Tx) error) error {
	return s.atomically(ctx, func(st *state) error {
		return fn(&tx{st: st})
	})
}

func (s *Store) atomically(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.st = work
	return nil
}

// ReconcileCatalog updates known dates for existing ISSNs, then inserts new rows.
func (s *Store) ReconcileCatalog(ctx context.Context, rows []crawler.CatalogRow) (crawler.CatalogResult, error) {
	res := crawler.CatalogResult{Rows: len(rows)}
	err := s.atomically(ctx, func(st *state) error {
		for _, row := range rows {
			id, ok := st.journalByISSN[row.ISSN]
			if !ok {
				continue
			}
			j := st.journals[id]
			j.LastKnownIssueDate = row.LastKnownIssueDate
			st.journals[id] = j
			res.Updated++
		}
		for _, row := range rows {
			if st.journalConflicts(row) {
				continue
			}
			st.insertJournal(crawler.Journal{
				ISSN:                 row.ISSN,
				AltISSN:              row.AltISSN,
				Name:                 row.Name,
				URL:                  row.URL,
				LastKnownIssueDate:   row.LastKnownIssueDate,
				LastScrapedIssueDate: crawler.EpochSentinel,
			})
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return crawler.CatalogResult{}, err
	}
	return res, nil
}

func (s *state) journalConflicts(row crawler.CatalogRow) bool {
	if _, ok := s.journalByISSN[row.ISSN]; ok {
		return true
	}
	if _, ok := s.journalByName[row.Name]; ok {
		return true
	}
	if row.AltISSN != "" {
		if _, ok := s.journalByAlt[row.AltISSN]; ok {
			return true
		}
	}
	if row.URL != "" {
		if _, ok := s.journalByURL[row.URL]; ok {
			return true
		}
	}
	return false
}

func (s *state) insertJournal(j crawler.Journal) crawler.Journal {
	j.ID = s.id()
	s.journals[j.ID] = j
	s.journalByISSN[j.ISSN] = j.ID
	s.journalByName[j.Name] = j.ID
	if j.AltISSN != "" {
		s.journalByAlt[j.AltISSN] = j.ID
	}
	if j.URL != "" {
		s.journalByURL[j.URL] = j.ID
	}
	return j
}

// PutJournal inserts or replaces a journal row. Zero watermark dates become
// the epoch sentinel.
func (s *Store) PutJournal(j crawler.Journal) crawler.Journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.LastScrapedIssueDate.IsZero() {
		j.LastScrapedIssueDate = crawler.EpochSentinel
	}
	if j.LastKnownIssueDate.IsZero() {
		j.LastKnownIssueDate = crawler.EpochSentinel
	}
	if id, ok := s.st.journalByISSN[j.ISSN]; ok {
		j.ID = id
		s.st.journals[id] = j
		return j
	}
	return s.st.insertJournal(j)
}

// PutAccount inserts an account row.
func (s *Store) PutAccount(a crawler.Account) crawler.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.st.id()
	s.st.accounts[a.ID] = a
	return a
}

// JournalsNeedingScrape lists candidates with a URL in ID order.
func (s *Store) JournalsNeedingScrape(ctx context.Context, limit int) ([]crawler.Journal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Journal, 0)
	for _, j := range s.st.journals {
		if j.URL != "" && j.NeedsScrape() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetJournal fetches a journal by ID.
func (s *Store) GetJournal(_ context.Context, id int64) (crawler.Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.st.journals[id]
	if !ok {
		return crawler.Journal{}, crawler.ErrNotFound
	}
	return j, nil
}

// KnownIssueURLs returns the stored subset of urls.
func (s *Store) KnownIssueURLs(_ context.Context, urls []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, u := range urls {
		if _, ok := s.st.issueByURL[u]; ok {
			out[u] = struct{}{}
		}
	}
	return out, nil
}

// MarkJournalComplete snaps counters and watermark to the catalog values.
func (s *Store) MarkJournalComplete(_ context.Context, journalID int64, knownIssues int) (crawler.Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.st.journals[journalID]
	if !ok {
		return crawler.Journal{}, crawler.ErrNotFound
	}
	if knownIssues > j.TotalIssueCount {
		j.TotalIssueCount = knownIssues
	}
	j.ScrapedIssueCount = j.TotalIssueCount
	j.LastScrapedIssueDate = j.LastKnownIssueDate
	s.st.journals[journalID] = j
	return j, nil
}

// CatalogState counts journals by crawl progress.
func (s *Store) CatalogState(_ context.Context) (crawler.CatalogState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cs crawler.CatalogState
	for _, j := range s.st.journals {
		cs.Journals++
		switch {
		case j.ScrapedIssueCount == 0:
			cs.Unscraped++
		case j.ScrapedIssueCount < j.TotalIssueCount:
			cs.InProgress++
		case j.ScrapedIssueCount == j.TotalIssueCount:
			cs.Scraped++
		}
	}
	return cs, nil
}

// AccountsWithScrapes returns accounts with their archived-article counts.
func (s *Store) AccountsWithScrapes(_ context.Context) ([]crawler.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int64]int)
	for _, a := range s.st.articles {
		if a.AccountID != nil && a.ArchiveURL != "" {
			counts[*a.AccountID]++
		}
	}
	out := make([]crawler.Account, 0, len(s.st.accounts))
	for id, acc := range s.st.accounts {
		acc.Scraped = counts[id]
		out = append(out, acc)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// Counts is a row-count snapshot used by tests and the status command.
type Counts struct {
	Journals int
	Issues   int
	Articles int
	Authors  int
	Links    int
}

// Counts returns current row counts.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Journals: len(s.st.journals),
		Issues:   len(s.st.issues),
		Articles: len(s.st.articles),
		Authors:  len(s.st.authors),
		Links:    len(s.st.links),
	}
}

// IssueByURL looks up a stored issue.
func (s *Store) IssueByURL(url string) (crawler.Issue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.issueByURL[url]
	if !ok {
		return crawler.Issue{}, false
	}
	return s.st.issues[id], true
}

// ArticleBySourceID looks up a stored article.
func (s *Store) ArticleBySourceID(sourceID string) (crawler.Article, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.articleBySource[sourceID]
	if !ok {
		return crawler.Article{}, false
	}
	return s.st.articles[id], true
}

// AuthorNames returns the names linked to an article, ordered by author ID.
func (s *Store) AuthorNames(articleSourceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	articleID, ok := s.st.articleBySource[articleSourceID]
	if !ok {
		return nil
	}
	var ids []int64
	for link := range s.st.links {
		if link.ArticleID == articleID {
			ids = append(ids, link.AuthorID)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, s.st.authors[id].Name)
	}
	return names
}

// tx mutates a private state copy.
type tx struct {
	st *state
}

func (t *tx) GetOrCreateIssue(_ context.Context, issue crawler.Issue) (crawler.Issue, bool, error) {
	if id, ok := t.st.issueByURL[issue.URL]; ok {
		return t.st.issues[id], false, nil
	}
	if _, ok := t.st.journals[issue.JournalID]; !ok {
		return crawler.Issue{}, false, fmt.Errorf("issue %s: journal %d: %w", issue.URL, issue.JournalID, crawler.ErrNotFound)
	}
	if _, ok := t.st.issueBySource[issue.SourceID]; ok {
		return crawler.Issue{}, false, fmt.Errorf("issue %s: source id %q: %w", issue.URL, issue.SourceID, crawler.ErrIssueConflict)
	}
	issue.ID = t.st.id()
	t.st.issues[issue.ID] = issue
	t.st.issueByURL[issue.URL] = issue.ID
	t.st.issueBySource[issue.SourceID] = issue.ID
	return issue, true, nil
}

func (t *tx) AdvanceJournalProgress(
	_ context.Context,
	journalID int64,
	totalIssues int,
	watermark time.Time,
) (crawler.Journal, error) {
	j, ok := t.st.journals[journalID]
	if !ok {
		return crawler.Journal{}, crawler.ErrNotFound
	}
	total := max(j.TotalIssueCount, totalIssues)
	next := j.ScrapedIssueCount + 1
	j.TotalIssueCount = total
	if next >= total {
		j.ScrapedIssueCount = total
		j.LastScrapedIssueDate = j.LastKnownIssueDate
	} else {
		j.ScrapedIssueCount = next
		if watermark.After(j.LastScrapedIssueDate) {
			j.LastScrapedIssueDate = watermark
		}
	}
	t.st.journals[journalID] = j
	return j, nil
}

func (t *tx) InsertArticles(_ context.Context, articles []crawler.Article) (int, error) {
	inserted := 0
	for _, a := range articles {
		if _, ok := t.st.articleBySource[a.SourceID]; ok {
			continue
		}
		if _, ok := t.st.issues[a.IssueID]; !ok {
			return inserted, fmt.Errorf("article %s: issue %d: %w", a.SourceID, a.IssueID, crawler.ErrNotFound)
		}
		a.ID = t.st.id()
		t.st.articles[a.ID] = a
		t.st.articleBySource[a.SourceID] = a.ID
		inserted++
	}
	return inserted, nil
}

func (t *tx) InsertAuthors(_ context.Context, names []string) (int, error) {
	inserted := 0
	for _, name := range names {
		if _, ok := t.st.authorByName[name]; ok {
			continue
		}
		a := crawler.Author{ID: t.st.id(), Name: name}
		t.st.authors[a.ID] = a
		t.st.authorByName[name] = a.ID
		inserted++
	}
	return inserted, nil
}

func (t *tx) ArticleIDsBySourceID(_ context.Context, sourceIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(sourceIDs))
	for _, sid := range sourceIDs {
		if id, ok := t.st.articleBySource[sid]; ok {
			out[sid] = id
		}
	}
	return out, nil
}

func (t *tx) AuthorIDsByName(_ context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, name := range names {
		if id, ok := t.st.authorByName[name]; ok {
			out[name] = id
		}
	}
	return out, nil
}

func (t *tx) LinkArticleAuthors(_ context.Context, links []crawler.ArticleAuthor) (int, error) {
	inserted := 0
	for _, l := range links {
		if _, ok := t.st.links[l]; ok {
			continue
		}
		t.st.links[l] = struct{}{}
		inserted++
	}
	return inserted, nil
}
