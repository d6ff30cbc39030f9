package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/metrics"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/progress"
	"PenaltyScanner/internal/reconcile"
	"PenaltyScanner/internal/scanner"
)

const (
	defaultCheckpointEvery = 10
	timestampLayout        = "20060102_150405"
)

// Pacer spaces consecutive page fetches.
type Pacer interface {
	Wait(ctx context.Context) error
}

type noPacing struct{}

func (noPacing) Wait(ctx context.Context) error { return ctx.Err() }

// CrawlerDeps wires the crawl orchestrator.
type CrawlerDeps struct {
	Fetcher         ports.PageFetcher
	Store           ports.RecordStore
	Registry        *scanner.Registry
	Regions         []config.RegionConfig
	Pacer           Pacer
	CheckpointEvery int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Crawler paginates list pages into summaries and visits pending detail pages.
type Crawler struct {
	fetcher         ports.PageFetcher
	store           ports.RecordStore
	corpus          *Corpus
	registry        *scanner.Registry
	regions         []config.RegionConfig
	pacer           Pacer
	checkpointEvery int
	now             func() time.Time
	logger          *slog.Logger
}

// CrawlResult reports what one crawl pass did. Page-level failures are counted, not returned.
type CrawlResult struct {
	Region      string             `json:"region"`
	Pages       domain.BatchResult `json:"pages"`
	Found       int                `json:"found"`
	New         int                `json:"new"`
	Attachments int                `json:"attachments"`
	FreeTexts   int                `json:"free_texts"`
	Checkpoints int                `json:"checkpoints"`
}

// NewCrawler constructs the orchestrator.
func NewCrawler(deps CrawlerDeps) *Crawler {
	c := &Crawler{
		fetcher:         deps.Fetcher,
		store:           deps.Store,
		corpus:          NewCorpus(deps.Store),
		registry:        deps.Registry,
		regions:         deps.Regions,
		pacer:           deps.Pacer,
		checkpointEvery: deps.CheckpointEvery,
		now:             deps.Now,
		logger:          logging.OrDiscard(deps.Logger),
	}
	if c.pacer == nil {
		c.pacer = noPacing{}
	}
	if c.checkpointEvery <= 0 {
		c.checkpointEvery = defaultCheckpointEvery
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Crawler) resolve(region string) (config.RegionConfig, scanner.Strategy, error) {
	if c.fetcher == nil || c.store == nil || c.registry == nil {
		return config.RegionConfig{}, nil, fmt.Errorf("crawler is not configured")
	}
	for _, r := range c.regions {
		if r.Name != region {
			continue
		}
		strategy, err := c.registry.Resolve(r.Parser)
		if err != nil {
			return r, nil, fmt.Errorf("region %s: %w", region, err)
		}
		return r, strategy, nil
	}
	return config.RegionConfig{}, nil, fmt.Errorf("region %s is not configured", region)
}

// CrawlLists walks every list page of the region, keeps the first row per link, drops links
// already in the summary corpus and appends the rest as one new batch file.
func (c *Crawler) CrawlLists(ctx context.Context, region string, sink progress.Sink) (CrawlResult, error) {
	sink = progress.OrNop(sink)
	result := CrawlResult{Region: region}

	cfg, strategy, err := c.resolve(region)
	if err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}
	opts := scanner.Options(cfg.Options)
	pages := cfg.Pages
	if pages <= 0 {
		pages = 1
	}
	total := pages * len(cfg.BaseURLs)
	sink.Emit(progress.Start(total, "crawl lists "+region))

	var collected []domain.SummaryRecord
	done := 0
	for _, base := range cfg.BaseURLs {
		for n := 1; n <= pages; n++ {
			if err := c.pacer.Wait(ctx); err != nil {
				sink.Emit(progress.Fail(err))
				return result, err
			}
			done++

			pageURL, err := strategy.PageURL(base, n, opts)
			if err != nil {
				c.logger.Warn("skip list page", "base", base, "page", n, "error", err)
				result.Pages.Failed++
				sink.Emit(progress.Step(done, total, err.Error()))
				continue
			}

			rows, err := c.fetchList(ctx, strategy, pageURL, opts)
			if err != nil {
				if ctx.Err() != nil {
					sink.Emit(progress.Fail(ctx.Err()))
					return result, ctx.Err()
				}
				c.logger.Warn("list page unavailable", "url", pageURL, "error", err)
				metrics.PagesFetched.WithLabelValues(region, "list", "failed").Inc()
				result.Pages.Failed++
				sink.Emit(progress.Step(done, total, "failed "+pageURL))
				continue
			}

			metrics.PagesFetched.WithLabelValues(region, "list", "ok").Inc()
			result.Pages.Succeeded++
			collected = append(collected, rows...)
			sink.Emit(progress.Step(done, total, fmt.Sprintf("%s: %d rows", pageURL, len(rows))))
		}
	}

	unique := reconcile.DedupeByLink(collected)
	for i := range unique {
		unique[i].Region = region
	}
	result.Found = len(unique)

	existing, err := c.corpus.Summaries(ctx, RegionPrefix(region))
	if err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}
	fresh := reconcile.PendingSummaries(unique, reconcile.KeySet(existing, summaryLink))
	result.New = len(fresh)
	result.Pages.Skipped = result.Found - result.New

	if len(fresh) > 0 {
		rows := make([][]string, 0, len(fresh))
		for _, s := range fresh {
			rows = append(rows, s.Values())
		}
		name := region + "_" + c.now().Format(timestampLayout)
		if err := c.store.Append(ctx, domain.KindSummary, name, rows); err != nil {
			err = fmt.Errorf("write summaries: %w", err)
			sink.Emit(progress.Fail(err))
			return result, err
		}
		metrics.SummariesWritten.WithLabelValues(region).Add(float64(len(fresh)))
	}

	c.logger.Info("list crawl done", "region", region, "pages_ok", result.Pages.Succeeded,
		"pages_failed", result.Pages.Failed, "found", result.Found, "new", result.New)
	sink.Emit(progress.Complete(result.Pages, fmt.Sprintf("%d new summaries", result.New)))
	return result, nil
}

func (c *Crawler) fetchList(ctx context.Context, strategy scanner.Strategy, pageURL string, opts scanner.Options) ([]domain.SummaryRecord, error) {
	page, err := c.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	rows, err := strategy.ParseList(page, opts)
	if err != nil {
		return nil, domain.NewError(domain.KindPageUnavailable, "parse list", err)
	}
	return rows, nil
}

// PendingDetailLinks returns the region's summaries that have no detail, attachment, free text
// or visited mark yet.
func (c *Crawler) PendingDetailLinks(ctx context.Context, region string) ([]domain.SummaryRecord, error) {
	prefix := RegionPrefix(region)
	summaries, err := c.corpus.Summaries(ctx, prefix)
	if err != nil {
		return nil, err
	}
	details, err := c.corpus.Details(ctx, "")
	if err != nil {
		return nil, err
	}
	attachments, err := c.corpus.Attachments(ctx, prefix)
	if err != nil {
		return nil, err
	}
	texts, err := c.corpus.FreeTexts(ctx, prefix)
	if err != nil {
		return nil, err
	}
	visited, err := c.corpus.Visited(ctx, prefix)
	if err != nil {
		return nil, err
	}

	return reconcile.PendingSummaries(summaries,
		reconcile.KeySet(details, func(d domain.DetailRecord) string { return d.Link }),
		reconcile.KeySet(attachments, func(a domain.AttachmentDescriptor) string { return a.Link }),
		reconcile.KeySet(texts, func(t domain.FreeText) string { return t.Link }),
		visited,
	), nil
}

// CrawlDetails visits every pending detail page once, in order, one at a time. Buffers are
// flushed to checkpoint files every checkpointEvery pages and to a final file at the end.
// A page that cannot be loaded is not marked visited, so the next run retries it.
func (c *Crawler) CrawlDetails(ctx context.Context, region string, sink progress.Sink) (CrawlResult, error) {
	sink = progress.OrNop(sink)
	result := CrawlResult{Region: region}

	cfg, strategy, err := c.resolve(region)
	if err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}
	opts := scanner.Options(cfg.Options)

	pending, err := c.PendingDetailLinks(ctx, region)
	if err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}
	total := len(pending)
	sink.Emit(progress.Start(total, fmt.Sprintf("crawl %d detail pages for %s", total, region)))

	buf := &detailBuffer{}
	processed := 0
	for i, summary := range pending {
		if err := c.pacer.Wait(ctx); err != nil {
			return result, c.abort(ctx, region, buf, &result, sink, err)
		}

		page, err := c.fetcher.Fetch(ctx, summary.Link)
		if err == nil {
			var detail scanner.Detail
			detail, err = strategy.ParseDetail(page, opts)
			if err == nil {
				buf.add(region, summary.Link, detail, c.now())
				result.Attachments += len(detail.Attachments)
				if detail.Meaningful {
					result.FreeTexts++
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, c.abort(ctx, region, buf, &result, sink, ctx.Err())
			}
			c.logger.Warn("detail page unavailable", "link", summary.Link, "error", err)
			metrics.PagesFetched.WithLabelValues(region, "detail", "failed").Inc()
			result.Pages.Failed++
			sink.Emit(progress.Step(i+1, total, "failed "+summary.Link))
			continue
		}

		metrics.PagesFetched.WithLabelValues(region, "detail", "ok").Inc()
		result.Pages.Succeeded++
		processed++
		sink.Emit(progress.Step(i+1, total, summary.Link))

		if processed%c.checkpointEvery == 0 {
			result.Checkpoints++
			name := region + "_temp_" + strconv.Itoa(result.Checkpoints)
			if err := c.flush(ctx, buf, name); err != nil {
				sink.Emit(progress.Fail(err))
				return result, err
			}
			metrics.Checkpoints.WithLabelValues(region).Inc()
			c.logger.Debug("checkpoint written", "region", region, "name", name, "processed", processed)
		}
	}

	if err := c.flush(ctx, buf, region+"_"+c.now().Format(timestampLayout)); err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}

	c.logger.Info("detail crawl done", "region", region, "pages_ok", result.Pages.Succeeded,
		"pages_failed", result.Pages.Failed, "attachments", result.Attachments, "free_texts", result.FreeTexts)
	sink.Emit(progress.Complete(result.Pages, fmt.Sprintf("%d attachments, %d free texts", result.Attachments, result.FreeTexts)))
	return result, nil
}

// abort keeps whatever was confirmed before cancellation.
func (c *Crawler) abort(ctx context.Context, region string, buf *detailBuffer, result *CrawlResult, sink progress.Sink, cause error) error {
	flushCtx := context.WithoutCancel(ctx)
	name := region + "_temp_" + strconv.Itoa(result.Checkpoints+1)
	if err := c.flush(flushCtx, buf, name); err != nil {
		cause = errors.Join(cause, err)
	}
	sink.Emit(progress.Fail(cause))
	return cause
}

func (c *Crawler) flush(ctx context.Context, buf *detailBuffer, name string) error {
	if err := c.store.Append(ctx, domain.KindAttachment, name, buf.attachments); err != nil {
		return fmt.Errorf("flush attachments: %w", err)
	}
	if err := c.store.Append(ctx, domain.KindFreeText, name, buf.texts); err != nil {
		return fmt.Errorf("flush free texts: %w", err)
	}
	if err := c.store.Append(ctx, domain.KindVisited, name, buf.visited); err != nil {
		return fmt.Errorf("flush visited: %w", err)
	}
	buf.reset()
	return nil
}

type detailBuffer struct {
	attachments [][]string
	texts       [][]string
	visited     [][]string
}

func (b *detailBuffer) add(region, link string, d scanner.Detail, at time.Time) {
	for _, a := range d.Attachments {
		if a.Link == "" {
			a.Link = link
		}
		b.attachments = append(b.attachments, a.Values())
	}
	if d.Meaningful && d.Text != "" {
		b.texts = append(b.texts, domain.FreeText{Link: link, Region: region, Text: d.Text}.Values())
	}
	b.visited = append(b.visited, []string{link, region, at.UTC().Format(time.RFC3339)})
}

func (b *detailBuffer) reset() {
	b.attachments = nil
	b.texts = nil
	b.visited = nil
}

func summaryLink(s domain.SummaryRecord) string { return s.Link }
