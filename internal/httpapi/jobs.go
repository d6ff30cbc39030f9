package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"PenaltyScanner/internal/progress"
	"PenaltyScanner/internal/usecase"
)

type crawlFunc func(ctx context.Context, region string, sink progress.Sink) ([]usecase.CrawlResult, error)

type crawlJob struct {
	id        string
	region    string
	startedAt time.Time
	events    *progress.Broadcaster

	mu         sync.Mutex
	finishedAt time.Time
	results    []usecase.CrawlResult
	err        error
}

// JobSnapshot is the JSON view of a crawl job.
type JobSnapshot struct {
	ID         string                `json:"id"`
	Region     string                `json:"region"`
	Status     string                `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Results    []usecase.CrawlResult `json:"results,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (j *crawlJob) snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := JobSnapshot{ID: j.id, Region: j.region, Status: "running", StartedAt: j.startedAt, Results: j.results}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		out.FinishedAt = &t
		out.Status = "completed"
		if j.err != nil {
			out.Status = "failed"
			out.Error = j.err.Error()
		}
	}
	return out
}

func (j *crawlJob) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt.IsZero()
}

// jobs keeps detached crawl jobs by id. Finished jobs are swept after ttl.
type jobs struct {
	ttl  time.Duration
	mu   sync.Mutex
	byID map[string]*crawlJob
}

func newJobs(ttl time.Duration) *jobs {
	return &jobs{ttl: ttl, byID: make(map[string]*crawlJob)}
}

// start launches run for region unless a job for the same region is still running.
func (js *jobs) start(ctx context.Context, region string, run crawlFunc) (*crawlJob, bool) {
	js.sweep()
	js.mu.Lock()
	for _, j := range js.byID {
		if j.region == region && j.running() {
			js.mu.Unlock()
			return j, false
		}
	}
	job := &crawlJob{
		id:        uuid.NewString(),
		region:    region,
		startedAt: time.Now(),
		events:    progress.NewBroadcaster(),
	}
	js.byID[job.id] = job
	js.mu.Unlock()

	go func() {
		results, err := run(context.WithoutCancel(ctx), region, job.events)
		job.mu.Lock()
		job.results = results
		job.err = err
		job.finishedAt = time.Now()
		job.mu.Unlock()
	}()
	return job, true
}

func (js *jobs) get(id string) (*crawlJob, bool) {
	js.sweep()
	js.mu.Lock()
	defer js.mu.Unlock()
	j, ok := js.byID[id]
	return j, ok
}

func (js *jobs) sweep() {
	cutoff := time.Now().Add(-js.ttl)
	js.mu.Lock()
	defer js.mu.Unlock()
	for id, j := range js.byID {
		j.mu.Lock()
		expired := !j.finishedAt.IsZero() && j.finishedAt.Before(cutoff)
		j.mu.Unlock()
		if expired {
			delete(js.byID, id)
			j.events.Close()
		}
	}
}
