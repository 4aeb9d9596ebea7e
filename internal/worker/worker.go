// Package worker runs the per-journal crawl: open a browser session, list the
// journal's issues, export and merge every new one, and recover from session
// failures a bounded number of times.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/catalog"
	"github.com/JakeFAU/citation-crawler/internal/citation"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
	"github.com/JakeFAU/citation-crawler/internal/ingest"
	"github.com/JakeFAU/citation-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/citation-crawler/internal/worker")

// Unlimited disables the per-run issue budget.
const Unlimited = -1

const exportContentType = "application/x-bibtex"

// Config controls Worker behavior.
type Config struct {
	// SessionTimeout bounds each browser session of a cycle or a single
	// journal scrape. Zero leaves only the caller's deadline.
	SessionTimeout time.Duration
	// BackfillSessionTimeout bounds each browser session of a backfill. Zero
	// leaves only the caller's deadline.
	BackfillSessionTimeout time.Duration
	// Topic receives IssueIngested notifications. Empty disables publishing.
	Topic string
	// ArchivePrefix is prepended to archived export paths.
	ArchivePrefix string
}

// Selector picks journals that still need work.
type Selector interface {
	Next(ctx context.Context) (crawler.Journal, bool, error)
	Select(ctx context.Context, all bool) ([]crawler.Journal, error)
}

// Merger persists one issue's citations.
type Merger interface {
	Merge(ctx context.Context, records []crawler.CitationRecord, journal crawler.Journal, issueURL string, totalIssues int) (ingest.Result, error)
}

// CatalogSyncer refreshes the journal table before a backfill.
type CatalogSyncer interface {
	Sync(ctx context.Context) (catalog.SyncResult, error)
}

// Deps are the Worker's collaborators. Archive, Publisher, Limiter, Hasher and
// Catalog are optional.
type Deps struct {
	Store     crawler.Store
	Acquirer  crawler.Acquirer
	Selector  Selector
	Merger    Merger
	Catalog   CatalogSyncer
	Archive   crawler.BlobStore
	Publisher crawler.Publisher
	Limiter   crawler.Limiter
	Hasher    crawler.Hasher
	Retry     crawler.RetryPolicy
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Summary reports one run.
type Summary struct {
	RunID          string          `json:"run_id"`
	Journal        crawler.Journal `json:"journal"`
	Journals       int             `json:"journals"`
	IssuesFound    int             `json:"issues_found"`
	IssuesIngested int             `json:"issues_ingested"`
	IssuesSkipped  int             `json:"issues_skipped"`
	Recoveries     int             `json:"recoveries"`
	NoWork         bool            `json:"no_work"`
}

// Worker drives crawl runs. It is safe to run several Workers against the same
// store; a single Worker runs one journal at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// RunCycle crawls one journal that needs work, ingesting at most budget new
// issues. A negative budget means no limit.
func (w *Worker) RunCycle(ctx context.Context, budget int) (sum Summary, err error) {
	ctx, span := tracer.Start(ctx, "worker.RunCycle")
	defer func() { endSpan(span, sum, err) }()

	runID, err := w.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	sum.RunID = runID
	logger := w.logger.With(zap.String("run_id", runID))

	journal, ok, err := w.deps.Selector.Next(ctx)
	if err != nil {
		metrics.ObserveCycle("failed")
		return sum, fmt.Errorf("select journal: %w", err)
	}
	if !ok {
		sum.NoWork = true
		metrics.ObserveCycle("no_work")
		logger.Info("no journal needs scraping")
		return sum, nil
	}

	l := &lease{w: w, timeout: w.cfg.SessionTimeout}
	defer l.release()
	err = w.crawl(ctx, l, journal, budget, &sum, w.deps.Selector.Next, logger)
	w.observeRun(logger, sum, err)
	return sum, err
}

// ScrapeJournal crawls the given journal. Recovery reloads the same journal.
func (w *Worker) ScrapeJournal(ctx context.Context, journal crawler.Journal, budget int) (sum Summary, err error) {
	ctx, span := tracer.Start(ctx, "worker.ScrapeJournal")
	defer func() { endSpan(span, sum, err) }()

	runID, err := w.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	sum.RunID = runID
	logger := w.logger.With(zap.String("run_id", runID))

	l := &lease{w: w, timeout: w.cfg.SessionTimeout}
	defer l.release()
	err = w.crawl(ctx, l, journal, budget, &sum, w.reload(journal.ID), logger)
	w.observeRun(logger, sum, err)
	return sum, err
}

// Backfill syncs the catalog and then crawls every candidate journal without
// an issue budget, reusing one browser session while it stays healthy.
func (w *Worker) Backfill(ctx context.Context) (sum Summary, err error) {
	ctx, span := tracer.Start(ctx, "worker.Backfill")
	defer func() { endSpan(span, sum, err) }()

	runID, err := w.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	sum.RunID = runID
	logger := w.logger.With(zap.String("run_id", runID))

	if w.deps.Catalog != nil {
		res, err := w.deps.Catalog.Sync(ctx)
		if err != nil {
			metrics.ObserveCycle("failed")
			return sum, fmt.Errorf("sync catalog: %w", err)
		}
		logger.Info("catalog synced before backfill",
			zap.Int("updated", res.Updated),
			zap.Int("inserted", res.Inserted),
		)
	}

	journals, err := w.deps.Selector.Select(ctx, true)
	if err != nil {
		metrics.ObserveCycle("failed")
		return sum, fmt.Errorf("select journals: %w", err)
	}
	if len(journals) == 0 {
		sum.NoWork = true
		metrics.ObserveCycle("no_work")
		logger.Info("no journal needs scraping")
		return sum, nil
	}

	l := &lease{w: w, timeout: w.cfg.BackfillSessionTimeout}
	defer l.release()
	for _, journal := range journals {
		if journal.URL == "" {
			logger.Warn("journal has no url, skipping", zap.Int64("journal_id", journal.ID), zap.String("issn", journal.ISSN))
			continue
		}
		if err := w.crawl(ctx, l, journal, Unlimited, &sum, w.reload(journal.ID), logger); err != nil {
			w.observeRun(logger, sum, err)
			return sum, err
		}
		sum.Journals++
	}
	w.observeRun(logger, sum, nil)
	return sum, nil
}

// crawl runs one journal to completion, restarting it on recoverable failures
// until the retry policy gives up. reselect supplies the journal to restart
// with; reporting none ends the run cleanly.
func (w *Worker) crawl(
	ctx context.Context,
	l *lease,
	journal crawler.Journal,
	budget int,
	sum *Summary,
	reselect func(context.Context) (crawler.Journal, bool, error),
	logger *zap.Logger,
) error {
	found := sum.IssuesFound
	for attempt := 0; ; attempt++ {
		sum.Journal = journal
		jlog := logger.With(zap.Int64("journal_id", journal.ID), zap.String("issn", journal.ISSN))

		err := w.scrape(ctx, l, journal, budget, found, sum, jlog)
		if err == nil {
			return nil
		}
		if !w.deps.Retry.ShouldRetry(err, attempt) {
			if crawler.Classify(err) == crawler.OutcomeRecoverable {
				return fmt.Errorf("%w after %d attempts: %w", crawler.ErrRecoveryExhausted, attempt+1, err)
			}
			return err
		}

		sum.Recoveries++
		metrics.ObserveRecovery()
		delay := w.deps.Retry.Backoff(attempt)
		jlog.Warn("recovering browser session",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		l.release()
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		next, ok, err := reselect(ctx)
		if err != nil {
			return fmt.Errorf("reselect journal: %w", err)
		}
		if !ok {
			jlog.Info("no journal left after recovery")
			return nil
		}
		journal = next
	}
}

// scrape is a single pass: navigate, dismiss, enumerate, then each new issue.
func (w *Worker) scrape(
	ctx context.Context,
	l *lease,
	journal crawler.Journal,
	budget int,
	found int,
	sum *Summary,
	logger *zap.Logger,
) error {
	if journal.URL == "" {
		return fmt.Errorf("journal %d (%s): %w", journal.ID, journal.ISSN, crawler.ErrJournalWithoutURL)
	}
	if budget >= 0 && sum.IssuesIngested >= budget {
		return nil
	}

	session, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	if err := session.Navigate(ctx, journal.URL); err != nil {
		return err
	}
	session.DismissInterstitial(ctx)

	links, err := session.ListIssueLinks(ctx)
	if err != nil {
		return err
	}
	sum.IssuesFound = found + len(links)

	known, err := w.deps.Store.KnownIssueURLs(ctx, links)
	if err != nil {
		return fmt.Errorf("known issues: %w", err)
	}
	fresh := make([]string, 0, len(links))
	for _, link := range links {
		if _, ok := known[link]; !ok {
			fresh = append(fresh, link)
		}
	}
	logger.Info("issues enumerated", zap.Int("found", len(links)), zap.Int("new", len(fresh)))

	if len(fresh) == 0 {
		updated, err := w.deps.Store.MarkJournalComplete(ctx, journal.ID, len(links))
		if err != nil {
			return fmt.Errorf("mark journal complete: %w", err)
		}
		sum.Journal = updated
		logger.Info("journal up to date", zap.Int("issues", updated.TotalIssueCount))
		return nil
	}

	for _, issueURL := range fresh {
		if budget >= 0 && sum.IssuesIngested >= budget {
			logger.Info("issue budget reached", zap.Int("budget", budget))
			return nil
		}
		if w.deps.Limiter != nil {
			if err := w.deps.Limiter.Wait(ctx, issueURL); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
		}

		res, err := w.ingestIssue(ctx, session, sum.RunID, journal, issueURL, len(links), logger)
		outcome := crawler.Classify(err)
		switch outcome {
		case crawler.OutcomeNone:
			sum.IssuesIngested++
			sum.Journal = res.Journal
			metrics.ObserveIssue("ingested")
		case crawler.OutcomeSkippable:
			sum.IssuesSkipped++
			metrics.ObserveIssue(outcome.String())
			logger.Info("issue skipped", zap.String("issue_url", issueURL), zap.Error(err))
		default:
			metrics.ObserveIssue(outcome.String())
			return err
		}
	}
	return nil
}

// ingestIssue exports, archives, parses, merges and announces one issue.
func (w *Worker) ingestIssue(
	ctx context.Context,
	session crawler.Session,
	runID string,
	journal crawler.Journal,
	issueURL string,
	totalIssues int,
	logger *zap.Logger,
) (ingest.Result, error) {
	exported, err := session.ExportCitations(ctx, issueURL)
	if err != nil {
		return ingest.Result{}, err
	}
	if !exported {
		return ingest.Result{}, fmt.Errorf("issue %s: %w", issueURL, crawler.ErrExportUnavailable)
	}
	defer session.DeleteDownload(ctx)

	raw, err := session.FetchLastDownload(ctx)
	if err != nil {
		return ingest.Result{}, err
	}
	archiveURI := w.archive(ctx, journal, issueURL, raw, logger)

	records, parseErrs := citation.Parse(raw)
	if len(parseErrs) > 0 {
		logger.Warn("citation entries skipped",
			zap.String("issue_url", issueURL),
			zap.Int("skipped", len(parseErrs)),
			zap.Error(errors.Join(parseErrs...)),
		)
	}

	res, err := w.deps.Merger.Merge(ctx, records, journal, issueURL, totalIssues)
	if err != nil {
		return ingest.Result{}, err
	}
	logger.Info("issue ingested",
		zap.String("issue_url", issueURL),
		zap.Int("articles", res.Articles),
		zap.Int("authors", res.Authors),
		zap.Int("links", res.Links),
	)
	w.publish(ctx, crawler.IssueIngested{
		RunID:        runID,
		JournalID:    journal.ID,
		JournalISSN:  journal.ISSN,
		IssueURL:     issueURL,
		IssueCreated: res.IssueCreated,
		Articles:     res.Articles,
		ArchiveURI:   archiveURI,
		ExportSHA256: w.digest(raw, logger),
		IngestedAt:   w.now(),
	}, logger)
	return res, nil
}

// archive stores the raw export. Failures are logged; the merge still runs.
func (w *Worker) archive(ctx context.Context, journal crawler.Journal, issueURL string, raw []byte, logger *zap.Logger) string {
	if w.deps.Archive == nil {
		return ""
	}
	p := ArchivePath(w.cfg.ArchivePrefix, journal.ISSN, issueURL)
	uri, err := w.deps.Archive.PutObject(ctx, p, exportContentType, bytes.NewReader(raw))
	if err != nil {
		logger.Warn("archive export failed", zap.String("issue_url", issueURL), zap.String("path", p), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) digest(raw []byte, logger *zap.Logger) string {
	if w.deps.Hasher == nil {
		return ""
	}
	sum, err := w.deps.Hasher.Hash(raw)
	if err != nil {
		logger.Warn("hash export failed", zap.Error(err))
		return ""
	}
	return sum
}

// publish announces a committed merge. The merge is durable either way, so a
// failed publish is only logged.
func (w *Worker) publish(ctx context.Context, event crawler.IssueIngested, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish issue event failed", zap.String("issue_url", event.IssueURL), zap.Error(err))
		return
	}
	logger.Debug("issue event published", zap.String("issue_url", event.IssueURL), zap.String("message_id", id))
}

// ArchivePath is prefix/ISSN/<issue source id>.bib.
func ArchivePath(prefix, issn, issueURL string) string {
	name := crawler.IssueSourceID(issueURL) + ".bib"
	if issn == "" {
		issn = "unknown"
	}
	return path.Join(prefix, issn, name)
}

func (w *Worker) reload(journalID int64) func(context.Context) (crawler.Journal, bool, error) {
	return func(ctx context.Context) (crawler.Journal, bool, error) {
		j, err := w.deps.Store.GetJournal(ctx, journalID)
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Journal{}, false, nil
		}
		if err != nil {
			return crawler.Journal{}, false, err
		}
		return j, true, nil
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}

func (w *Worker) observeRun(logger *zap.Logger, sum Summary, err error) {
	fields := []zap.Field{
		zap.Int("issues_found", sum.IssuesFound),
		zap.Int("issues_ingested", sum.IssuesIngested),
		zap.Int("issues_skipped", sum.IssuesSkipped),
		zap.Int("recoveries", sum.Recoveries),
	}
	switch {
	case err == nil:
		metrics.ObserveCycle("completed")
		logger.Info("crawl finished", fields...)
	case errors.Is(err, crawler.ErrRecoveryExhausted):
		metrics.ObserveCycle("exhausted")
		logger.Error("crawl gave up", append(fields, zap.Error(err))...)
	default:
		metrics.ObserveCycle("failed")
		logger.Error("crawl failed", append(fields, zap.Error(err))...)
	}
}

// lease owns at most one open session and opens a new one on demand.
type lease struct {
	w       *Worker
	timeout time.Duration
	session crawler.Session
}

func (l *lease) acquire(ctx context.Context) (crawler.Session, error) {
	if l.session != nil {
		return l.session, nil
	}
	s, err := l.w.deps.Acquirer.Open(ctx, l.timeout)
	if err != nil {
		return nil, err
	}
	l.session = s
	return s, nil
}

func (l *lease) release() {
	if l.session != nil {
		l.session.Close()
		l.session = nil
	}
}

func endSpan(span trace.Span, sum Summary, err error) {
	span.SetAttributes(
		attribute.String("run_id", sum.RunID),
		attribute.Int64("journal_id", sum.Journal.ID),
		attribute.Int("issues_ingested", sum.IssuesIngested),
		attribute.Int("issues_skipped", sum.IssuesSkipped),
		attribute.Int("recoveries", sum.Recoveries),
		attribute.Bool("no_work", sum.NoWork),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
