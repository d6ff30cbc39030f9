package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/extract"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/progress"
	"PenaltyScanner/internal/reconcile"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ExtractResult counts sources processed and records produced.
type ExtractResult struct {
	Sources domain.BatchResult `json:"sources"`
	Items   int                `json:"items"`
}

// Extractor turns downloaded attachments and captured page text into detail and category rows.
type Extractor struct {
	store      ports.RecordStore
	corpus     *Corpus
	texts      ports.TextExtractor
	normalizer *extract.Normalizer
	now        func() time.Time
	logger     *slog.Logger
}

// NewExtractor wires the extraction use case.
func NewExtractor(store ports.RecordStore, texts ports.TextExtractor, normalizer *extract.Normalizer, logger *slog.Logger) *Extractor {
	return &Extractor{
		store:      store,
		corpus:     NewCorpus(store),
		texts:      texts,
		normalizer: normalizer,
		now:        time.Now,
		logger:     logging.OrDiscard(logger).With("component", "extractor"),
	}
}

type extractSource struct {
	link string
	text func(ctx context.Context) (string, error)
	name string
}

// Run extracts every completed attachment and free text whose link has no detail yet. All calls
// share runID; reset starts a new accumulation epoch with the first call that is recorded.
func (e *Extractor) Run(ctx context.Context, runID string, reset bool, sink progress.Sink) (ExtractResult, error) {
	sink = progress.OrNop(sink)
	var result ExtractResult
	if e.normalizer == nil {
		err := fmt.Errorf("extract: normalizer is not configured")
		sink.Emit(progress.Fail(err))
		return result, err
	}

	sources, err := e.pendingSources(ctx)
	if err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}
	total := len(sources)
	sink.Emit(progress.Start(total, fmt.Sprintf("extract %d sources", total)))

	name := unsafeName.ReplaceAllString(runID, "_") + "_" + e.now().Format(timestampLayout)
	first := true
	for i, src := range sources {
		if ctx.Err() != nil {
			sink.Emit(progress.Fail(ctx.Err()))
			return result, ctx.Err()
		}
		text, err := src.text(ctx)
		if err != nil {
			e.logger.Warn("text extraction failed", "link", src.link, "file", src.name, "error", err)
			result.Sources.Failed++
			sink.Emit(progress.Step(i+1, total, "failed "+src.name))
			continue
		}

		res := e.normalizer.Extract(ctx, extract.Request{Text: text, Link: src.link, RunID: runID, Reset: reset && first})
		// Guarded calls never reach the accumulator, so the reset waits for the next one.
		if res.Snapshot.Call > 0 {
			first = false
		}
		if !res.OK() {
			if res.Failure == extract.FailureEmptyInput {
				result.Sources.Skipped++
			} else {
				result.Sources.Failed++
			}
			sink.Emit(progress.Step(i+1, total, fmt.Sprintf("%s: %s", src.name, res.Failure)))
			continue
		}
		if len(res.Items) == 0 {
			result.Sources.Skipped++
			sink.Emit(progress.Step(i+1, total, src.name+": no records"))
			continue
		}

		details := make([][]string, 0, len(res.Items))
		categories := make([][]string, 0, len(res.Items))
		for _, it := range res.Items {
			details = append(details, it.Detail().Values())
			categories = append(categories, it.CategoryRecord().Values())
		}
		if err := e.store.Append(ctx, domain.KindDetail, name, details); err != nil {
			err = fmt.Errorf("write details: %w", err)
			sink.Emit(progress.Fail(err))
			return result, err
		}
		if err := e.store.Append(ctx, domain.KindCategory, name, categories); err != nil {
			err = fmt.Errorf("write categories: %w", err)
			sink.Emit(progress.Fail(err))
			return result, err
		}
		result.Sources.Succeeded++
		result.Items += len(res.Items)
		sink.Emit(progress.Step(i+1, total, fmt.Sprintf("%s: %d records", src.name, len(res.Items))))
	}

	e.logger.Info("extraction done", "run", runID, "ok", result.Sources.Succeeded,
		"failed", result.Sources.Failed, "skipped", result.Sources.Skipped, "items", result.Items)
	sink.Emit(progress.Complete(result.Sources, fmt.Sprintf("%d records", result.Items)))
	return result, nil
}

// pendingSources lists downloaded files first, then page texts, for links without details.
func (e *Extractor) pendingSources(ctx context.Context) ([]extractSource, error) {
	details, err := e.corpus.Details(ctx, "")
	if err != nil {
		return nil, err
	}
	done := reconcile.KeySet(details, func(d domain.DetailRecord) string { return d.Link })

	attachments, err := e.corpus.Attachments(ctx, "")
	if err != nil {
		return nil, err
	}
	texts, err := e.corpus.FreeTexts(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []extractSource
	for _, a := range attachments {
		a := a
		if done.Has(a.Link) || a.LocalPath == "" {
			continue
		}
		if a.Status != domain.StatusCompleted && a.Status != domain.StatusSkipped {
			continue
		}
		out = append(out, extractSource{
			link: a.Link,
			name: filepath.Base(a.LocalPath),
			text: func(ctx context.Context) (string, error) {
				if e.texts == nil {
					return "", fmt.Errorf("no text extractor configured")
				}
				return e.texts.ExtractText(ctx, a.LocalPath, fileType(a))
			},
		})
	}
	for _, t := range texts {
		t := t
		if done.Has(t.Link) || strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, extractSource{
			link: t.Link,
			name: t.Link,
			text: func(context.Context) (string, error) { return t.Text, nil },
		})
	}
	return out, nil
}

func fileType(a domain.AttachmentDescriptor) string {
	if ext := strings.TrimPrefix(filepath.Ext(a.LocalPath), "."); ext != "" {
		return ext
	}
	return a.MIME
}
