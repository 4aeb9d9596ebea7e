package headless

import (
	"context"
	"time"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// Unavailable is the Acquirer used when no browser is configured.
type Unavailable struct{}

// Open always fails with crawler.ErrSessionUnavailable.
func (Unavailable) Open(context.Context, time.Duration) (crawler.Session, error) {
	return nil, crawler.ErrSessionUnavailable
}
