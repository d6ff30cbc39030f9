package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/download"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/progress"
)

// ErrUnknownAttachments is returned when none of the requested ids exist in the corpus.
var ErrUnknownAttachments = fmt.Errorf("no known attachments requested: %w", domain.ErrEmptyInput)

// Downloads fetches crawled attachment stubs and writes their outcome back to the corpus.
type Downloads struct {
	sessions *download.Sessions
	store    ports.RecordStore
	corpus   *Corpus
	regions  []config.RegionConfig
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	owners map[string]string
}

// DownloadsDeps wires the download use case.
type DownloadsDeps struct {
	Manager *download.Manager
	Sources *download.Sources
	Session download.SessionOptions
	Store   ports.RecordStore
	Regions []config.RegionConfig
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewDownloads builds the use case and its session registry. Finished sessions are persisted
// whether they were started in the background or run inline.
func NewDownloads(deps DownloadsDeps) *Downloads {
	d := &Downloads{
		store:   deps.Store,
		corpus:  NewCorpus(deps.Store),
		regions: deps.Regions,
		now:     deps.Now,
		logger:  logging.OrDiscard(deps.Logger).With("component", "downloads"),
		owners:  make(map[string]string),
	}
	if d.now == nil {
		d.now = time.Now
	}
	opts := deps.Session
	opts.Logger = d.logger
	opts.OnDone = d.record
	d.sessions = download.NewSessions(deps.Manager, deps.Sources, opts)
	return d
}

// Sessions exposes the registry for polling, streaming and deletion.
func (d *Downloads) Sessions() *download.Sessions {
	return d.sessions
}

// Pending returns the region's attachments that are not yet downloaded. Failed ones are retried.
func (d *Downloads) Pending(ctx context.Context, region string) ([]domain.AttachmentDescriptor, error) {
	all, err := d.corpus.Attachments(ctx, RegionPrefix(region))
	if err != nil {
		return nil, err
	}
	out := make([]domain.AttachmentDescriptor, 0, len(all))
	for _, a := range all {
		if a.DownloadURL == "" {
			continue
		}
		if a.Status == domain.StatusPending || a.Status == domain.StatusFailed || a.Status == domain.StatusDownloading {
			out = append(out, a)
		}
	}
	return out, nil
}

// RunRegion downloads every pending attachment of region and waits for the session to finish.
func (d *Downloads) RunRegion(ctx context.Context, region string, force bool, sink progress.Sink) (domain.DownloadSession, error) {
	files, err := d.Pending(ctx, region)
	if err != nil {
		return domain.DownloadSession{}, err
	}
	d.claim(region, files)
	return d.sessions.Run(ctx, files, force, sink), nil
}

// Start launches a background session for the given attachment ids and returns its first snapshot.
func (d *Downloads) Start(ctx context.Context, ids []string, force bool) (domain.DownloadSession, error) {
	if len(ids) == 0 {
		return domain.DownloadSession{}, fmt.Errorf("start downloads: %w", domain.ErrEmptyInput)
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var files []domain.AttachmentDescriptor
	for _, r := range d.regions {
		all, err := d.corpus.Attachments(ctx, RegionPrefix(r.Name))
		if err != nil {
			return domain.DownloadSession{}, err
		}
		var matched []domain.AttachmentDescriptor
		for _, a := range all {
			if _, ok := wanted[a.ID]; ok && a.DownloadURL != "" {
				matched = append(matched, a)
				delete(wanted, a.ID)
			}
		}
		d.claim(r.Name, matched)
		files = append(files, matched...)
	}
	if len(files) == 0 {
		return domain.DownloadSession{}, ErrUnknownAttachments
	}
	if len(wanted) > 0 {
		d.logger.Warn("unknown attachment ids ignored", "count", len(wanted))
	}
	return d.sessions.Start(ctx, files, force), nil
}

func (d *Downloads) claim(region string, files []domain.AttachmentDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range files {
		d.owners[f.ID] = region
	}
}

// record appends the session outcome per region so the next load sees the terminal status.
func (d *Downloads) record(ctx context.Context, s domain.DownloadSession) {
	byRegion := make(map[string][][]string)
	d.mu.Lock()
	for _, f := range s.Files {
		region := d.owners[f.ID]
		delete(d.owners, f.ID)
		byRegion[region] = append(byRegion[region], f.Values())
	}
	d.mu.Unlock()

	stamp := d.now().Format(timestampLayout)
	short := s.ID
	if len(short) > 8 {
		short = short[:8]
	}
	for region, rows := range byRegion {
		name := "dl_" + stamp + "_" + short
		if region != "" {
			name = region + "_" + name
		}
		if err := d.store.Append(ctx, domain.KindAttachment, name, rows); err != nil {
			d.logger.Warn("persist download outcome failed", "session", s.ID, "region", region, "error", err)
		}
	}
}
