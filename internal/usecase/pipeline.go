package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/progress"
)

// PipelineDeps wires all use cases into the incremental pipeline. Any stage may be nil.
type PipelineDeps struct {
	Crawler   *Crawler
	Downloads *Downloads
	Extractor *Extractor
	Publisher *Publisher
	Notifier  ports.Notifier
	Regions   []config.RegionConfig
	Now       func() time.Time
	Logger    *slog.Logger
}

// Pipeline runs crawl, download, extraction and publishing as one incremental pass.
type Pipeline struct {
	crawler   *Crawler
	downloads *Downloads
	extractor *Extractor
	publisher *Publisher
	notifier  ports.Notifier
	regions   []config.RegionConfig
	now       func() time.Time
	logger    *slog.Logger
}

// RunReport summarizes one incremental pass.
type RunReport struct {
	RunID      string             `json:"run_id"`
	Lists      []CrawlResult      `json:"lists"`
	Details    []CrawlResult      `json:"details"`
	Downloads  domain.BatchResult `json:"downloads"`
	Extraction ExtractResult      `json:"extraction"`
	Published  domain.BatchResult `json:"published"`
	Errors     []string           `json:"errors,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// PendingCounts reports what the next pass would pick up for a region.
type PendingCounts struct {
	Region    string `json:"region"`
	Links     int    `json:"pending_links"`
	Downloads int    `json:"pending_downloads"`
	UIDs      int    `json:"pending_uids"`
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		crawler:   deps.Crawler,
		downloads: deps.Downloads,
		extractor: deps.Extractor,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		regions:   deps.Regions,
		now:       deps.Now,
		logger:    logging.OrDiscard(deps.Logger).With("component", "pipeline"),
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// RunIncremental crawls every region, downloads pending attachments, extracts and publishes.
// Stage failures are recorded in the report and the pass goes on; only cancellation aborts it.
func (p *Pipeline) RunIncremental(ctx context.Context, sink progress.Sink) (RunReport, error) {
	sink = progress.OrNop(sink)
	started := p.now()
	report := RunReport{RunID: "run_" + started.Format(timestampLayout), StartedAt: started}

	type stage struct {
		name string
		run  func(progress.Sink) error
	}
	var stages []stage
	for _, r := range p.regions {
		region := r.Name
		if p.crawler != nil {
			stages = append(stages,
				stage{"lists " + region, func(s progress.Sink) error {
					res, err := p.crawler.CrawlLists(ctx, region, s)
					report.Lists = append(report.Lists, res)
					return err
				}},
				stage{"details " + region, func(s progress.Sink) error {
					res, err := p.crawler.CrawlDetails(ctx, region, s)
					report.Details = append(report.Details, res)
					return err
				}},
			)
		}
		if p.downloads != nil {
			stages = append(stages, stage{"downloads " + region, func(s progress.Sink) error {
				session, err := p.downloads.RunRegion(ctx, region, false, s)
				report.Downloads.Add(domain.BatchResult{Succeeded: session.Completed, Failed: session.Failed, Skipped: session.Skipped})
				return err
			}})
		}
	}
	if p.extractor != nil {
		stages = append(stages, stage{"extract", func(s progress.Sink) error {
			res, err := p.extractor.Run(ctx, report.RunID, true, s)
			report.Extraction = res
			return err
		}})
	}
	if p.publisher != nil {
		stages = append(stages, stage{"publish", func(s progress.Sink) error {
			res, err := p.publisher.Publish(ctx, s)
			report.Published = res
			return err
		}})
	}

	sink.Emit(progress.Start(len(stages), "incremental run "+report.RunID))
	for i, st := range stages {
		err := st.run(stageSink{parent: sink, stage: st.name})
		if ctx.Err() != nil {
			sink.Emit(progress.Fail(ctx.Err()))
			return report, ctx.Err()
		}
		if err != nil {
			p.logger.Warn("stage failed", "stage", st.name, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", st.name, err))
		}
		sink.Emit(progress.Step(i+1, len(stages), st.name+" done"))
	}
	report.FinishedAt = p.now()

	if p.notifier != nil {
		if err := p.notifier.PublishDigest(ctx, buildDigestMessage(report)); err != nil {
			p.logger.Warn("notify failed", "error", err)
		}
	}

	p.logger.Info("incremental run done", "run", report.RunID, "downloads_ok", report.Downloads.Succeeded,
		"items", report.Extraction.Items, "published", report.Published.Succeeded, "errors", len(report.Errors))
	sink.Emit(progress.Complete(domain.BatchResult{
		Succeeded: len(stages) - len(report.Errors),
		Failed:    len(report.Errors),
	}, fmt.Sprintf("%d documents published", report.Published.Succeeded)))
	return report, nil
}

// CrawlRegion walks a region's list pages and then its pending detail pages as one job.
func (p *Pipeline) CrawlRegion(ctx context.Context, region string, sink progress.Sink) ([]CrawlResult, error) {
	sink = progress.OrNop(sink)
	if p.crawler == nil {
		err := fmt.Errorf("crawl %s: crawler is not configured", region)
		sink.Emit(progress.Fail(err))
		return nil, err
	}
	sink.Emit(progress.Start(2, "crawl "+region))
	lists, err := p.crawler.CrawlLists(ctx, region, stageSink{parent: sink, stage: "lists"})
	if err != nil {
		sink.Emit(progress.Fail(err))
		return []CrawlResult{lists}, err
	}
	sink.Emit(progress.Step(1, 2, fmt.Sprintf("lists: %d new summaries", lists.New)))
	details, err := p.crawler.CrawlDetails(ctx, region, stageSink{parent: sink, stage: "details"})
	if err != nil {
		sink.Emit(progress.Fail(err))
		return []CrawlResult{lists, details}, err
	}
	sink.Emit(progress.Complete(domain.BatchResult{
		Succeeded: lists.Pages.Succeeded + details.Pages.Succeeded,
		Failed:    lists.Pages.Failed + details.Pages.Failed,
	}, fmt.Sprintf("%d new summaries, %d attachments", lists.New, details.Attachments)))
	return []CrawlResult{lists, details}, nil
}

// Pending counts the work waiting for a region.
func (p *Pipeline) Pending(ctx context.Context, region string) (PendingCounts, error) {
	counts := PendingCounts{Region: region}
	if p.crawler != nil {
		links, err := p.crawler.PendingDetailLinks(ctx, region)
		if err != nil {
			return counts, err
		}
		counts.Links = len(links)
	}
	if p.downloads != nil {
		files, err := p.downloads.Pending(ctx, region)
		if err != nil {
			return counts, err
		}
		counts.Downloads = len(files)
	}
	if p.publisher != nil {
		docs, err := p.publisher.PendingDocuments(ctx)
		if err != nil {
			return counts, err
		}
		counts.UIDs = len(docs)
	}
	return counts, nil
}

// stageSink forwards a stage's intermediate progress. Stage start and end events stay local so
// the run has exactly one terminal event.
type stageSink struct {
	parent progress.Sink
	stage  string
}

func (s stageSink) Emit(e progress.Event) {
	if e.Type != progress.EventProgress {
		return
	}
	e.Message = s.stage + ": " + e.Message
	s.parent.Emit(e)
}

func buildDigestMessage(r RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Penalty scan* %s\n", r.StartedAt.Format("2006-01-02 15:04"))
	for _, l := range r.Lists {
		fmt.Fprintf(&b, "- %s: %d new summaries from %d pages (%d failed)\n",
			l.Region, l.New, l.Pages.Succeeded+l.Pages.Failed, l.Pages.Failed)
	}
	for _, d := range r.Details {
		fmt.Fprintf(&b, "- %s: %d detail pages, %d attachments, %d texts\n",
			d.Region, d.Pages.Succeeded, d.Attachments, d.FreeTexts)
	}
	fmt.Fprintf(&b, "- downloads: %d ok, %d failed, %d skipped\n",
		r.Downloads.Succeeded, r.Downloads.Failed, r.Downloads.Skipped)
	fmt.Fprintf(&b, "- extraction: %d sources, %d records\n", r.Extraction.Sources.Succeeded, r.Extraction.Items)
	fmt.Fprintf(&b, "- published: %d documents\n", r.Published.Succeeded)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "- errors: %d\n", len(r.Errors))
	}
	return b.String()
}
