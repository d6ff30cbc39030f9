package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/metrics"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/progress"
	"PenaltyScanner/internal/reconcile"
)

const defaultPublishBatch = 200

// Publisher pushes details the document store does not have yet.
type Publisher struct {
	docs      ports.DocumentStore
	corpus    *Corpus
	batchSize int
	logger    *slog.Logger
}

// NewPublisher wires the publish use case.
func NewPublisher(docs ports.DocumentStore, store ports.RecordStore, batchSize int, logger *slog.Logger) *Publisher {
	if batchSize <= 0 {
		batchSize = defaultPublishBatch
	}
	return &Publisher{
		docs:      docs,
		corpus:    NewCorpus(store),
		batchSize: batchSize,
		logger:    logging.OrDiscard(logger).With("component", "publisher"),
	}
}

// Published returns how many documents the store holds.
func (p *Publisher) Published(ctx context.Context) (int, error) {
	if p.docs == nil {
		return 0, fmt.Errorf("publish: document store is not configured")
	}
	return p.docs.Count(ctx)
}

// PendingDocuments returns the documents that would be inserted by Publish.
func (p *Publisher) PendingDocuments(ctx context.Context) ([]domain.Document, error) {
	if p.docs == nil {
		return nil, fmt.Errorf("publish: document store is not configured")
	}
	details, err := p.corpus.Details(ctx, "")
	if err != nil {
		return nil, err
	}
	categories, err := p.corpus.Categories(ctx, "")
	if err != nil {
		return nil, err
	}
	uids, err := p.docs.ExistingKeys(ctx, "uid")
	if err != nil {
		return nil, fmt.Errorf("load published uids: %w", err)
	}
	links, err := p.docs.ExistingKeys(ctx, "link")
	if err != nil {
		return nil, fmt.Errorf("load published links: %w", err)
	}

	byKey := make(map[string]domain.CategoryRecord, len(categories))
	for _, c := range categories {
		if k := c.JoinKey(); k != "" {
			byKey[k] = c
		}
	}

	pending := reconcile.PendingDetails(details, reconcile.Set[string](uids), reconcile.Set[string](links))
	docs := make([]domain.Document, 0, len(pending))
	for _, d := range pending {
		if d.UID == "" {
			// Legacy scrape rows get a uid derived from their link so re-runs stay idempotent.
			d.UID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.Link)).String()
		}
		doc := domain.Document{UID: d.UID, Link: d.Link, Detail: d}
		if c, ok := byKey[d.UID]; ok {
			doc.Category = &c
		} else if c, ok := byKey[d.Link]; ok && d.Link != "" {
			doc.Category = &c
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Publish inserts pending documents in batches. A failing batch is counted and the rest go on;
// only an unreachable store before the first insert is returned as an error.
func (p *Publisher) Publish(ctx context.Context, sink progress.Sink) (domain.BatchResult, error) {
	sink = progress.OrNop(sink)
	var result domain.BatchResult

	docs, err := p.PendingDocuments(ctx)
	if err != nil {
		sink.Emit(progress.Fail(err))
		return result, err
	}
	total := len(docs)
	sink.Emit(progress.Start(total, fmt.Sprintf("publish %d documents", total)))

	for start := 0; start < total; start += p.batchSize {
		end := start + p.batchSize
		if end > total {
			end = total
		}
		batch := docs[start:end]
		inserted, err := p.docs.InsertMany(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				sink.Emit(progress.Fail(ctx.Err()))
				return result, ctx.Err()
			}
			p.logger.Warn("publish batch failed", "from", start, "size", len(batch), "error", err)
			result.Failed += len(batch)
		} else {
			result.Succeeded += inserted
			result.Skipped += len(batch) - inserted
			metrics.DocumentsPublished.Add(float64(inserted))
		}
		sink.Emit(progress.Step(end, total, fmt.Sprintf("%d/%d", end, total)))
	}

	p.logger.Info("publish done", "inserted", result.Succeeded, "skipped", result.Skipped, "failed", result.Failed)
	sink.Emit(progress.Complete(result, fmt.Sprintf("%d documents published", result.Succeeded)))
	return result, nil
}

