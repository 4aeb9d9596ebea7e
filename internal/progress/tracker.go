// Package progress decides which journals still need crawling.
package progress

import (
	"context"
	"fmt"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// Source is the slice of the store the tracker reads.
type Source interface {
	JournalsNeedingScrape(ctx context.Context, limit int) ([]crawler.Journal, error)
	CatalogState(ctx context.Context) (crawler.CatalogState, error)
}

// Tracker evaluates crawl progress fresh from the store on every call.
type Tracker struct {
	src Source
}

// NewTracker builds a Tracker.
func NewTracker(src Source) *Tracker {
	return &Tracker{src: src}
}

// NeedsScrape reports whether j lags the catalog.
func NeedsScrape(j crawler.Journal) bool {
	return j.NeedsScrape()
}

// Select returns every candidate when all is set, otherwise at most one.
// A nil slice means nothing needs scraping.
func (t *Tracker) Select(ctx context.Context, all bool) ([]crawler.Journal, error) {
	limit := 1
	if all {
		limit = 0
	}
	journals, err := t.src.JournalsNeedingScrape(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("select journals: %w", err)
	}
	if len(journals) == 0 {
		return nil, nil
	}
	return journals, nil
}

// Next returns one candidate, or false when there is none.
func (t *Tracker) Next(ctx context.Context) (crawler.Journal, bool, error) {
	journals, err := t.Select(ctx, false)
	if err != nil || len(journals) == 0 {
		return crawler.Journal{}, false, err
	}
	return journals[0], true, nil
}

// State returns journal counts grouped by progress.
func (t *Tracker) State(ctx context.Context) (crawler.CatalogState, error) {
	state, err := t.src.CatalogState(ctx)
	if err != nil {
		return crawler.CatalogState{}, fmt.Errorf("catalog state: %w", err)
	}
	return state, nil
}
