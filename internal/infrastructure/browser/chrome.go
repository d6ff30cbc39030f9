package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// ChromeOptions configures the headless browser.
type ChromeOptions struct {
	Headless    bool
	UserAgent   string
	PageTimeout time.Duration
	// Settle is how long to wait after the body is ready for scripts to render the list.
	Settle time.Duration
	Logger *slog.Logger
}

// ChromeFetcher drives one browser tab. Every Fetch holds the fetcher lock for the whole
// navigation, so at most one page is in flight.
type ChromeFetcher struct {
	opts   ChromeOptions
	logger *slog.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

var _ ports.PageFetcher = (*ChromeFetcher)(nil)

// NewChromeFetcher prepares a fetcher; the browser starts on the first Fetch.
func NewChromeFetcher(opts ChromeOptions) *ChromeFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	return &ChromeFetcher{opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// Fetch navigates to url and returns the rendered document.
func (f *ChromeFetcher) Fetch(ctx context.Context, url string) (*ports.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.ensureBrowser(); err != nil {
		return nil, domain.NewError(domain.KindPageUnavailable, "start browser", err)
	}

	runCtx, cancel := context.WithTimeout(f.browserCtx, f.opts.PageTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	started := time.Now()
	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.opts.Settle > 0 {
		actions = append(actions, chromedp.Sleep(f.opts.Settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", f.opts.PageTimeout, err)
		}
		// A failed navigation can leave the tab wedged; start clean next time.
		f.resetLocked()
		return nil, domain.NewError(domain.KindPageUnavailable, "fetch "+url, err)
	}

	f.logger.Debug("page loaded", "url", url, "bytes", len(html), "elapsed", time.Since(started))
	page, err := ParseHTML(url, html)
	if err != nil {
		return nil, domain.NewError(domain.KindPageUnavailable, "parse "+url, err)
	}
	return page, nil
}

// Close shuts the browser down.
func (f *ChromeFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *ChromeFetcher) ensureBrowser() error {
	if f.browserCtx != nil {
		return nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(
		context.Background(),
		append(
			chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", f.opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(f.opts.UserAgent),
		)...,
	)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...interface{}) {
		f.logger.Debug(fmt.Sprintf(format, args...))
	}))
	// Run with no actions launches the browser and opens the tab.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return err
	}
	f.browserCtx = browserCtx
	f.allocCancel = allocCancel
	f.browserCancel = browserCancel
	return nil
}

func (f *ChromeFetcher) resetLocked() {
	if f.browserCancel != nil {
		f.browserCancel()
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}
	f.browserCtx = nil
	f.browserCancel = nil
	f.allocCancel = nil
}
