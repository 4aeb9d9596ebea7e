package headless

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// issueLinkSelector matches issue links nested under year entries.
const issueLinkSelector = `li[data-year] ol li collection-view-pharos-link[href]`

// ExtractIssueLinks returns absolute, de-duplicated issue URLs in document order.
func ExtractIssueLinks(html, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse issue listing: %w", err)
	}
	seen := make(map[string]struct{})
	var (
		links    []string
		firstErr error
	)
	doc.Find(issueLinkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if strings.TrimSpace(href) == "" {
			return
		}
		abs, err := crawler.ResolveURL(baseURL, href)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	if len(links) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return links, nil
}
