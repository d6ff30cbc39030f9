package usecase

import (
	"context"
	"fmt"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/reconcile"
)

// Corpus reads typed records out of the flat-file record store. Region-scoped files are named
// <kind>_<region>_<suffix>.csv.
type Corpus struct {
	store ports.RecordStore
}

// NewCorpus wraps a record store.
func NewCorpus(store ports.RecordStore) *Corpus {
	return &Corpus{store: store}
}

// RegionPrefix scopes a region's files.
func RegionPrefix(region string) string {
	if region == "" {
		return ""
	}
	return region + "_"
}

func (c *Corpus) Summaries(ctx context.Context, prefix string) ([]domain.SummaryRecord, error) {
	rows, err := c.store.LoadByPrefix(ctx, domain.KindSummary, prefix)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	out := make([]domain.SummaryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.SummaryFromRow(r))
	}
	return out, nil
}

func (c *Corpus) Details(ctx context.Context, prefix string) ([]domain.DetailRecord, error) {
	rows, err := c.store.LoadByPrefix(ctx, domain.KindDetail, prefix)
	if err != nil {
		return nil, fmt.Errorf("load details: %w", err)
	}
	out := make([]domain.DetailRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DetailFromRow(r))
	}
	return out, nil
}

func (c *Corpus) Categories(ctx context.Context, prefix string) ([]domain.CategoryRecord, error) {
	rows, err := c.store.LoadByPrefix(ctx, domain.KindCategory, prefix)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	out := make([]domain.CategoryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.CategoryFromRow(r))
	}
	return out, nil
}

// Attachments returns the latest known descriptor per attachment id. Rows written later win,
// so a completed row appended after the crawl stub supersedes it.
func (c *Corpus) Attachments(ctx context.Context, prefix string) ([]domain.AttachmentDescriptor, error) {
	rows, err := c.store.LoadByPrefix(ctx, domain.KindAttachment, prefix)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	index := make(map[string]int, len(rows))
	out := make([]domain.AttachmentDescriptor, 0, len(rows))
	for _, r := range rows {
		a := domain.AttachmentFromRow(r)
		if a.ID == "" {
			continue
		}
		if i, ok := index[a.ID]; ok {
			if rank(a.Status) >= rank(out[i].Status) {
				out[i] = a
			}
			continue
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}
	return out, nil
}

func (c *Corpus) FreeTexts(ctx context.Context, prefix string) ([]domain.FreeText, error) {
	rows, err := c.store.LoadByPrefix(ctx, domain.KindFreeText, prefix)
	if err != nil {
		return nil, fmt.Errorf("load free texts: %w", err)
	}
	out := make([]domain.FreeText, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.FreeTextFromRow(r))
	}
	return out, nil
}

// Visited returns the links of detail pages already processed.
func (c *Corpus) Visited(ctx context.Context, prefix string) (reconcile.Set[string], error) {
	rows, err := c.store.LoadByPrefix(ctx, domain.KindVisited, prefix)
	if err != nil {
		return nil, fmt.Errorf("load visited: %w", err)
	}
	return reconcile.KeySet(rows, func(r domain.Row) string { return r.Get("link") }), nil
}

func rank(s domain.AttachmentStatus) int {
	switch s {
	case domain.StatusCompleted, domain.StatusSkipped, domain.StatusFailed:
		return 2
	case domain.StatusDownloading:
		return 1
	default:
		return 0
	}
}
