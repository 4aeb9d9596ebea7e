// Package headless drives a Chrome browser over the DevTools protocol to list
// journal issues and export their citations.
package headless

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// Page selectors. They stay inside this package.
const (
	selectAllSelector  = `#select_all_citations span[slot='label']`
	bulkCiteSelector   = `#bulk-cite-button`
	bibtexItemSelector = `#bulk-citation-dropdown mfe-bulk-cite-pharos-dropdown-menu-item:nth-of-type(5)`

	interstitialTimeout = 5 * time.Second
	menuSettle          = time.Second
)

// Config controls browser sessions.
type Config struct {
	// RemoteURL is a DevTools websocket endpoint. Empty starts a local Chrome.
	RemoteURL       string
	UserAgent       string
	BaseURL         string
	ReadySelector   string
	ConsentSelector string
	DownloadDir     string
	ReadyTimeout    time.Duration
	ControlTimeout  time.Duration
	DownloadTimeout time.Duration
	// Jitter is the upper bound of the random pause before each navigation.
	Jitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.jstor.org"
	}
	if c.ReadySelector == "" {
		c.ReadySelector = "#onetrust-consent-sdk"
	}
	if c.ConsentSelector == "" {
		c.ConsentSelector = "#onetrust-accept-btn-handler"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "/tmp/citation-crawler/downloads"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 10 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 20 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Acquirer opens chromedp sessions.
type Acquirer struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.Acquirer = (*Acquirer)(nil)

// NewAcquirer builds an Acquirer.
func NewAcquirer(cfg Config, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{cfg: cfg.withDefaults(), logger: logger}
}

// Open allocates a browser and a single tab. timeout, when positive, bounds
// the whole session.
func (a *Acquirer) Open(ctx context.Context, timeout time.Duration) (crawler.Session, error) {
	cancels := make([]context.CancelFunc, 0, 3)
	base := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		base, cancel = context.WithTimeout(ctx, timeout)
		cancels = append(cancels, cancel)
	}

	allocCtx, allocCancel := a.allocator(base)
	cancels = append(cancels, allocCancel)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(a.logger.Sugar().Debugf))
	cancels = append(cancels, tabCancel)

	s := &Session{
		cfg:       a.cfg,
		ctx:       tabCtx,
		cancels:   cancels,
		downloads: newDownloadTracker(),
		logger:    a.logger,
	}
	chromedp.ListenTarget(tabCtx, s.downloads.onEvent)

	err := chromedp.Run(tabCtx, a.setupActions()...)
	if err != nil {
		s.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open session: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: %v", crawler.ErrSessionUnavailable, err)
	}
	return s, nil
}

func (a *Acquirer) allocator(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, a.cfg.RemoteURL)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if a.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(a.cfg.UserAgent))
	}
	return chromedp.NewExecAllocator(ctx, opts...)
}

func (a *Acquirer) setupActions() []chromedp.Action {
	actions := []chromedp.Action{
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(a.cfg.DownloadDir).
			WithEventsEnabled(true),
	}
	if a.cfg.UserAgent != "" && a.cfg.RemoteURL != "" {
		actions = append(actions, emulation.SetUserAgentOverride(a.cfg.UserAgent))
	}
	return actions
}

// Session is one browser tab owned by a single crawl.
type Session struct {
	cfg       Config
	ctx       context.Context
	cancels   []context.CancelFunc
	downloads *downloadTracker
	lastFile  string
	logger    *zap.Logger
}

var _ crawler.Session = (*Session)(nil)

// Navigate loads url and waits for the page-ready marker.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	err := s.run(ctx, s.cfg.ReadyTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady(s.cfg.ReadySelector, chromedp.ByQuery),
	)
	if err != nil {
		return s.classify(ctx, fmt.Errorf("%w: %s: %v", crawler.ErrNavigation, url, err))
	}
	return nil
}

// DismissInterstitial clicks the consent banner when one shows up.
func (s *Session) DismissInterstitial(ctx context.Context) {
	err := s.run(ctx, interstitialTimeout,
		chromedp.WaitVisible(s.cfg.ConsentSelector, chromedp.ByQuery),
		chromedp.Click(s.cfg.ConsentSelector, chromedp.ByQuery),
	)
	if err != nil {
		s.logger.Debug("no interstitial dismissed", zap.Error(err))
	}
}

// ListIssueLinks opens every collapsed grouping and returns absolute issue
// URLs in page order.
func (s *Session) ListIssueLinks(ctx context.Context) ([]string, error) {
	var (
		expanded int
		html     string
	)
	err := s.run(ctx, s.cfg.ReadyTimeout,
		chromedp.Evaluate(expandDetailsJS, &expanded),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, s.classify(ctx, fmt.Errorf("%w: list issues: %v", crawler.ErrNavigation, err))
	}
	links, err := ExtractIssueLinks(html, s.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crawler.ErrNavigation, err)
	}
	s.logger.Debug("issue links listed", zap.Int("groups_expanded", expanded), zap.Int("links", len(links)))
	return links, nil
}

// ExportCitations requests the BibTeX export of every article in the issue.
// It reports false when a control never became usable.
func (s *Session) ExportCitations(ctx context.Context, issueURL string) (bool, error) {
	if err := s.Navigate(ctx, issueURL); err != nil {
		return false, err
	}
	s.downloads.reset()

	steps := []struct {
		name     string
		selector string
		settle   time.Duration
	}{
		{"select all", selectAllSelector, 0},
		{"bulk cite", bulkCiteSelector, menuSettle},
		{"bibtex", bibtexItemSelector, 0},
	}
	for _, step := range steps {
		err := s.run(ctx, s.cfg.ControlTimeout,
			chromedp.WaitVisible(step.selector, chromedp.ByQuery),
			chromedp.Click(step.selector, chromedp.ByQuery),
		)
		if err != nil {
			if s.contextErr(ctx) != nil {
				return false, s.classify(ctx, fmt.Errorf("%w: %s: %v", crawler.ErrNavigation, step.name, err))
			}
			s.logger.Info("export control unavailable",
				zap.String("issue_url", issueURL),
				zap.String("control", step.name),
				zap.Error(err),
			)
			return false, nil
		}
		if step.settle > 0 {
			if err := sleep(ctx, step.settle); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// FetchLastDownload waits for the export to finish and reads it back through
// the browser, so remote executors work the same as local ones.
func (s *Session) FetchLastDownload(ctx context.Context) ([]byte, error) {
	guid, err := s.downloads.wait(ctx, s.cfg.DownloadTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	path := downloadPath(s.cfg.DownloadDir, guid)
	s.lastFile = path
	var dataURL string
	err = s.run(ctx, s.cfg.DownloadTimeout,
		chromedp.Evaluate(injectFileInputJS, nil),
		chromedp.SetUploadFiles("#"+fileInputID, []string{path}, chromedp.ByQuery),
		chromedp.Evaluate(readFileInputJS, &dataURL, awaitPromise),
	)
	if err != nil {
		return nil, s.classify(ctx, fmt.Errorf("%w: read %s: %v", crawler.ErrDownloadUnavailable, path, err))
	}
	data, err := decodeDataURL(dataURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crawler.ErrDownloadUnavailable, err)
	}
	return data, nil
}

// DeleteDownload forgets the last completed download and removes its file
// when Chrome runs on this host. A remote executor keeps its files; its
// download directory is expected to be scratch space.
func (s *Session) DeleteDownload(context.Context) {
	s.downloads.reset()
	file := s.lastFile
	s.lastFile = ""
	if file == "" || s.cfg.RemoteURL != "" {
		return
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove download failed", zap.String("path", file), zap.Error(err))
	}
}

// Close tears down the tab, the browser and the session deadline.
func (s *Session) Close() {
	for i := len(s.cancels) - 1; i >= 0; i-- {
		s.cancels[i]()
	}
}

// run executes actions on the tab with a per-call timeout that also ends when
// the caller's context does.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// contextErr reports cancellation of the caller or of the session deadline.
func (s *Session) contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ctx.Err()
}

// classify keeps the caller's cancellation fatal. The session's own deadline
// only ends this session, so it is reported as an expiry.
func (s *Session) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", crawler.ErrSessionExpired, err)
	}
	return err
}

func (s *Session) pause(ctx context.Context) error {
	if s.cfg.Jitter <= 0 {
		return nil
	}
	return sleep(ctx, jitter(s.cfg.Jitter))
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const expandDetailsJS = `(() => {
	const groups = document.querySelectorAll('details');
	groups.forEach(d => { d.open = true; });
	return groups.length;
})()`
