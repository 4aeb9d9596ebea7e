package headless

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/runtime"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

const fileInputID = "__citecrawl_export"

// The export is read back through a hidden file input so the bytes come from
// the browser's own filesystem.
var (
	injectFileInputJS = `(() => {
	const old = document.getElementById('` + fileInputID + `');
	if (old) { old.remove(); }
	const input = document.createElement('input');
	input.type = 'file';
	input.id = '` + fileInputID + `';
	input.hidden = true;
	input.onchange = e => e.stopPropagation();
	document.documentElement.appendChild(input);
	return true;
})()`

	readFileInputJS = `new Promise((resolve, reject) => {
	const input = document.getElementById('` + fileInputID + `');
	if (!input || !input.files.length) { reject('no file selected'); return; }
	const reader = new FileReader();
	reader.onload = () => { input.remove(); resolve(reader.result); };
	reader.onerror = () => { input.remove(); reject(String(reader.error)); };
	reader.readAsDataURL(input.files[0]);
})`
)

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// downloadTracker follows Browser.downloadProgress events for one tab.
type downloadTracker struct {
	mu        sync.Mutex
	completed string
	notify    chan struct{}
}

func newDownloadTracker() *downloadTracker {
	return &downloadTracker{notify: make(chan struct{}, 1)}
}

func (d *downloadTracker) onEvent(ev any) {
	progress, ok := ev.(*browser.EventDownloadProgress)
	if !ok || progress.State != browser.DownloadProgressStateCompleted {
		return
	}
	d.mu.Lock()
	d.completed = progress.GUID
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *downloadTracker) reset() {
	d.mu.Lock()
	d.completed = ""
	d.mu.Unlock()
	select {
	case <-d.notify:
	default:
	}
}

func (d *downloadTracker) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// wait blocks until a completed download is known or timeout elapses.
func (d *downloadTracker) wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if guid := d.last(); guid != "" {
			return guid, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("%w: none completed within %s", crawler.ErrDownloadUnavailable, timeout)
		case <-d.notify:
		}
	}
}

// downloadPath names the file Chrome writes under allowAndName behavior.
// Executors are POSIX hosts, hence path rather than filepath.
func downloadPath(dir, guid string) string {
	return path.Join(dir, guid)
}

func decodeDataURL(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return nil, fmt.Errorf("unexpected file reader result %q", truncate(dataURL, 64))
	}
	_, payload, found := strings.Cut(dataURL, "base64,")
	if !found {
		return nil, errors.New("file reader result is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
