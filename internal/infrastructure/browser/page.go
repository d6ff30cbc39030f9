// Package browser loads portal pages, either through a headless Chrome owned by one goroutine
// at a time or through a plain HTTP client for server-rendered portals.
package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"PenaltyScanner/internal/ports"
)

// ParseHTML builds a page handle from raw markup.
func ParseHTML(pageURL, html string) (*ports.Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &ports.Page{URL: pageURL, HTML: html, Doc: doc}, nil
}
