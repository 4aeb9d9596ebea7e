// Package ingest merges parsed citation batches into the store, one issue per
// transaction.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
	"github.com/JakeFAU/citation-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/citation-crawler/internal/ingest")

// Result describes what one merge changed.
type Result struct {
	IssueID      int64
	IssueCreated bool
	Articles     int
	Authors      int
	Links        int
	// Journal is the post-update row when the issue was created, otherwise the
	// journal as passed in.
	Journal crawler.Journal
}

// Merger writes issue, progress, articles, authors and links atomically.
type Merger struct {
	store  crawler.Store
	logger *zap.Logger
}

// NewMerger wires a Merger.
func NewMerger(store crawler.Store, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: store, logger: logger}
}

// Merge persists one issue's citation batch. Re-merging the same batch is a
// no-op apart from linking any authors not linked before.
func (m *Merger) Merge(
	ctx context.Context,
	records []crawler.CitationRecord,
	journal crawler.Journal,
	issueURL string,
	totalIssues int,
) (res Result, err error) {
	if len(records) == 0 {
		return Result{}, crawler.ErrEmptyBatch
	}

	ctx, span := tracer.Start(ctx, "ingest.Merge", trace.WithAttributes(
		attribute.Int64("journal.id", journal.ID),
		attribute.String("issue.url", issueURL),
		attribute.Int("records", len(records)),
	))
	start := time.Now()
	defer func() {
		status := "committed"
		if err != nil {
			status = "rolled_back"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveMerge(status, time.Since(start))
		span.End()
	}()

	b := prepare(records)
	res.Journal = journal

	err = m.store.WithTx(ctx, func(tx crawler.Tx) error {
		first := records[0]
		issue, created, err := tx.GetOrCreateIssue(ctx, crawler.Issue{
			SourceID:  crawler.IssueSourceID(issueURL),
			URL:       issueURL,
			JournalID: journal.ID,
			Year:      first.Year,
			Volume:    first.Volume,
			Number:    first.Number,
		})
		if err != nil {
			return fmt.Errorf("get or create issue: %w", err)
		}
		res.IssueID = issue.ID
		res.IssueCreated = created

		if created {
			j, err := tx.AdvanceJournalProgress(ctx, journal.ID, totalIssues, yearStart(first.Year))
			if err != nil {
				return fmt.Errorf("advance journal progress: %w", err)
			}
			res.Journal = j
		}

		if len(b.articles) == 0 {
			return nil
		}
		for i := range b.articles {
			b.articles[i].IssueID = issue.ID
		}
		if res.Articles, err = tx.InsertArticles(ctx, b.articles); err != nil {
			return fmt.Errorf("insert articles: %w", err)
		}
		if len(b.authorNames) > 0 {
			if res.Authors, err = tx.InsertAuthors(ctx, b.authorNames); err != nil {
				return fmt.Errorf("insert authors: %w", err)
			}
		}

		links, err := b.links(ctx, tx)
		if err != nil {
			return err
		}
		if len(links) > 0 {
			if res.Links, err = tx.LinkArticleAuthors(ctx, links); err != nil {
				return fmt.Errorf("link authors: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge issue %s: %w", issueURL, err)
	}

	m.logger.Debug("issue merged",
		zap.Int64("journal_id", journal.ID),
		zap.String("issue_url", issueURL),
		zap.Bool("issue_created", res.IssueCreated),
		zap.Int("articles", res.Articles),
		zap.Int("authors", res.Authors),
		zap.Int("links", res.Links),
		zap.Int("skipped_records", b.skipped),
	)
	return res, nil
}

type batch struct {
	articles    []crawler.Article
	authorNames []string
	// authorsBySource keeps per-article author order.
	authorsBySource map[string][]string
	skipped         int
}

func prepare(records []crawler.CitationRecord) *batch {
	b := &batch{authorsBySource: make(map[string][]string)}
	seenArticle := make(map[string]struct{}, len(records))
	seenAuthor := make(map[string]struct{})
	for _, rec := range records {
		if rec.IsFrontOrBackMatter() || rec.ID == "" {
			b.skipped++
			continue
		}
		if _, dup := seenArticle[rec.ID]; dup {
			b.skipped++
			continue
		}
		seenArticle[rec.ID] = struct{}{}
		b.articles = append(b.articles, crawler.Article{
			SourceID: rec.ID,
			Title:    rec.Title,
			Abstract: rec.Abstract,
			URL:      rec.URL,
		})
		names := rec.Authors()
		b.authorsBySource[rec.ID] = names
		for _, name := range names {
			if _, ok := seenAuthor[name]; ok {
				continue
			}
			seenAuthor[name] = struct{}{}
			b.authorNames = append(b.authorNames, name)
		}
	}
	return b
}

// links resolves IDs after the conflict-ignoring inserts so rows written by
// earlier merges are linked too.
func (b *batch) links(ctx context.Context, tx crawler.Tx) ([]crawler.ArticleAuthor, error) {
	if len(b.authorNames) == 0 {
		return nil, nil
	}
	sourceIDs := make([]string, 0, len(b.articles))
	for _, a := range b.articles {
		sourceIDs = append(sourceIDs, a.SourceID)
	}
	articleIDs, err := tx.ArticleIDsBySourceID(ctx, sourceIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup articles: %w", err)
	}
	authorIDs, err := tx.AuthorIDsByName(ctx, b.authorNames)
	if err != nil {
		return nil, fmt.Errorf("lookup authors: %w", err)
	}

	var links []crawler.ArticleAuthor
	for _, sid := range sourceIDs {
		articleID, ok := articleIDs[sid]
		if !ok {
			continue
		}
		for _, name := range b.authorsBySource[sid] {
			if authorID, ok := authorIDs[name]; ok {
				links = append(links, crawler.ArticleAuthor{ArticleID: articleID, AuthorID: authorID})
			}
		}
	}
	return links, nil
}

func yearStart(year int) time.Time {
	if year <= 0 {
		return crawler.EpochSentinel
	}
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}
