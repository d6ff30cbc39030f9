package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/html/charset"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
)

// HTTPFetcher loads server-rendered pages without a browser. Calls are serialized like the
// browser fetcher so pacing stays ordered.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
	mu        sync.Mutex
}

var _ ports.PageFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher wires an HTTP client; a nil client gets a 30s timeout.
func NewHTTPFetcher(client *http.Client, userAgent string, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTPFetcher{client: client, userAgent: userAgent, logger: logging.OrDiscard(logger)}
}

// Fetch downloads url, decodes its charset and parses it.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*ports.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.NewError(domain.KindPageUnavailable, "fetch "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.KindPageUnavailable, "fetch "+url, fmt.Errorf("status %s", resp.Status))
	}

	body, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, domain.NewError(domain.KindPageUnavailable, "decode "+url, err)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.NewError(domain.KindPageUnavailable, "read "+url, err)
	}

	f.logger.Debug("page loaded", "url", url, "bytes", len(raw))
	page, err := ParseHTML(url, string(raw))
	if err != nil {
		return nil, domain.NewError(domain.KindPageUnavailable, "parse "+url, err)
	}
	return page, nil
}
