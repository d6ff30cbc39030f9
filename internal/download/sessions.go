package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/metrics"
	"PenaltyScanner/internal/progress"
)

// SessionOptions configures the session registry.
type SessionOptions struct {
	Dir         string
	Concurrency int
	MaxRetries  int
	// TTL is how long a finished session stays readable before it is swept.
	TTL time.Duration
	// OnDone receives the final state of sessions that were not deleted.
	OnDone func(ctx context.Context, s domain.DownloadSession)
	Logger *slog.Logger
}

// Sessions runs download batches in the background and keeps their state by id.
type Sessions struct {
	manager *Manager
	sources *Sources
	opts    SessionOptions
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	state   domain.DownloadSession
	deleted bool
	events  *progress.Broadcaster
}

// NewSessions builds a registry that downloads into opts.Dir.
func NewSessions(manager *Manager, sources *Sources, opts SessionOptions) *Sessions {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if sources == nil {
		sources = NewSources()
	}
	return &Sessions{
		manager:  manager,
		sources:  sources,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		sessions: make(map[string]*session),
	}
}

// Start registers a session for files and downloads them on a detached goroutine. The returned
// snapshot is the initial state.
func (r *Sessions) Start(ctx context.Context, files []domain.AttachmentDescriptor, force bool) domain.DownloadSession {
	s := r.create(files)
	snapshot := s.snapshot()
	go r.run(context.WithoutCancel(ctx), s, force)
	return snapshot
}

// Run downloads files and returns the final session state. sink receives the session events.
func (r *Sessions) Run(ctx context.Context, files []domain.AttachmentDescriptor, force bool, sink progress.Sink) domain.DownloadSession {
	s := r.create(files)
	if sink != nil {
		q := s.events.Subscribe(len(files) + 4)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer s.events.Unsubscribe(q)
			for {
				e, st := q.Read(ctx, time.Minute)
				switch st {
				case progress.Received:
					sink.Emit(e)
				case progress.Closed:
					return
				}
			}
		}()
		defer func() { <-done }()
	}
	r.run(ctx, s, force)
	return s.snapshot()
}

// Get returns a snapshot of a session.
func (r *Sessions) Get(id string) (domain.DownloadSession, error) {
	r.sweep()
	s, ok := r.lookup(id)
	if !ok {
		return domain.DownloadSession{}, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	return s.snapshot(), nil
}

// Subscribe streams a session's progress events.
func (r *Sessions) Subscribe(id string, size int) (*progress.Queue, func(), error) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	q := s.events.Subscribe(size)
	return q, func() { s.events.Unsubscribe(q) }, nil
}

// Delete discards a session. Downloads already in flight finish on their own and their results
// are dropped; files not yet started are not attempted.
func (r *Sessions) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	s.events.Close()
	return nil
}

// Len reports how many sessions are registered.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Sessions) create(files []domain.AttachmentDescriptor) *session {
	r.sweep()
	state := domain.DownloadSession{
		ID:        uuid.NewString(),
		Files:     make([]domain.AttachmentDescriptor, len(files)),
		StartedAt: time.Now().UTC(),
	}
	for i, f := range files {
		f.Status = domain.StatusPending
		f.BytesDownloaded, f.BytesTotal, f.RetryCount = 0, 0, 0
		f.Error = ""
		state.Files[i] = f
	}
	state.Recompute()

	s := &session{state: state, events: progress.NewBroadcaster()}
	r.mu.Lock()
	r.sessions[state.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Sessions) lookup(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Sessions) sweep() {
	cutoff := time.Now().Add(-r.opts.TTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.state.Done && s.state.FinishedAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
		}
	}
}

func (r *Sessions) run(ctx context.Context, s *session, force bool) {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	total := len(s.state.Files)
	s.events.Emit(progress.Start(total, fmt.Sprintf("download %d files", total)))

	sem := semaphore.NewWeighted(int64(r.opts.Concurrency))
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if s.isDeleted() {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			r.downloadOne(ctx, s, idx, force)
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	for i := range s.state.Files {
		// Files never started because of cancellation end as failed.
		f := &s.state.Files[i]
		if f.Status == domain.StatusPending {
			_ = f.Transition(domain.StatusDownloading)
			_ = f.Transition(domain.StatusFailed)
			f.Error = "not started"
		}
	}
	s.state.Recompute()
	s.state.Done = true
	s.state.FinishedAt = time.Now().UTC()
	final := s.state.Clone()
	deleted := s.deleted
	s.mu.Unlock()

	if deleted {
		return
	}
	r.logger.Info("download session done", "session", final.ID, "completed", final.Completed,
		"failed", final.Failed, "skipped", final.Skipped)
	s.events.Emit(progress.Complete(domain.BatchResult{
		Succeeded: final.Completed,
		Failed:    final.Failed,
		Skipped:   final.Skipped,
	}, fmt.Sprintf("session %s done", final.ID)))
	if r.opts.OnDone != nil {
		r.opts.OnDone(ctx, final)
	}
}

func (r *Sessions) downloadOne(ctx context.Context, s *session, idx int, force bool) {
	s.mu.Lock()
	file := s.state.Files[idx]
	s.mu.Unlock()

	res, err := r.sources.Resolve(r.opts.Dir, file.FileName, file.DownloadURL, force)
	if err != nil {
		r.finish(s, idx, func(f *domain.AttachmentDescriptor) {
			_ = f.Transition(domain.StatusDownloading)
			_ = f.Transition(domain.StatusFailed)
			f.Error = domain.NewError(domain.KindLocalIO, "resolve destination", err).Error()
		})
		return
	}
	if res.Skip {
		metrics.DownloadsTotal.WithLabelValues("skipped").Inc()
		r.finish(s, idx, func(f *domain.AttachmentDescriptor) {
			_ = f.Transition(domain.StatusSkipped)
			f.LocalPath = res.Path
			if size, statErr := statSize(res.Path); statErr == nil {
				f.BytesDownloaded, f.BytesTotal = size, size
			}
		})
		return
	}

	s.mu.Lock()
	_ = s.state.Files[idx].Transition(domain.StatusDownloading)
	s.state.Files[idx].LocalPath = res.Path
	s.state.Recompute()
	s.mu.Unlock()

	result, dlErr := r.manager.Download(ctx, Request{
		URL:         file.DownloadURL,
		Referer:     file.Link,
		Destination: res.Path,
		MaxRetries:  r.opts.MaxRetries,
	}, func(p Progress) {
		s.mu.Lock()
		f := &s.state.Files[idx]
		f.BytesDownloaded = p.Downloaded
		f.BytesTotal = p.Total
		f.RetryCount = p.RetryCount
		s.state.Recompute()
		s.mu.Unlock()
	})

	r.finish(s, idx, func(f *domain.AttachmentDescriptor) {
		f.RetryCount = result.RetryCount
		if dlErr != nil {
			_ = f.Transition(domain.StatusFailed)
			f.Error = dlErr.Error()
			r.logger.Warn("download failed", "url", file.DownloadURL, "retries", result.RetryCount, "error", dlErr)
			return
		}
		_ = f.Transition(domain.StatusCompleted)
		f.BytesDownloaded = result.Size
		if f.BytesTotal == 0 {
			f.BytesTotal = result.Size
		}
		if mt, mimeErr := mimetype.DetectFile(res.Path); mimeErr == nil {
			f.MIME = mt.String()
		}
	})
}

// finish applies a terminal update under the session lock and reports progress.
func (r *Sessions) finish(s *session, idx int, update func(f *domain.AttachmentDescriptor)) {
	s.mu.Lock()
	update(&s.state.Files[idx])
	s.state.Recompute()
	name := s.state.Files[idx].FileName
	done := s.state.Completed + s.state.Failed + s.state.Skipped
	total := len(s.state.Files)
	deleted := s.deleted
	s.mu.Unlock()

	if !deleted {
		s.events.Emit(progress.Step(done, total, name))
	}
}

func statSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *session) snapshot() domain.DownloadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *session) isDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}
