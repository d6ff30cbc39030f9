package domain

import (
	"fmt"
	"strconv"
	"time"
)

// AttachmentStatus is the download lifecycle of an attachment.
type AttachmentStatus string

const (
	StatusPending     AttachmentStatus = "pending"
	StatusDownloading AttachmentStatus = "downloading"
	StatusCompleted   AttachmentStatus = "completed"
	StatusFailed      AttachmentStatus = "failed"
	StatusSkipped     AttachmentStatus = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s AttachmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// CanTransition enforces pending -> {downloading -> {completed|failed}} | skipped.
func (s AttachmentStatus) CanTransition(to AttachmentStatus) bool {
	switch s {
	case StatusPending, "":
		return to == StatusDownloading || to == StatusSkipped
	case StatusDownloading:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// AttachmentDescriptor describes one downloadable file exposed by a detail page.
type AttachmentDescriptor struct {
	ID              string           `json:"id"`
	Link            string           `json:"link"`
	DownloadURL     string           `json:"download_url"`
	FileName        string           `json:"file_name"`
	Status          AttachmentStatus `json:"status"`
	BytesDownloaded int64            `json:"bytes_downloaded"`
	BytesTotal      int64            `json:"bytes_total"`
	RetryCount      int              `json:"retry_count"`
	LocalPath       string           `json:"local_path,omitempty"`
	MIME            string           `json:"mime,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Transition moves the descriptor to a new status or reports why it cannot.
func (a *AttachmentDescriptor) Transition(to AttachmentStatus) error {
	if !a.Status.CanTransition(to) {
		return fmt.Errorf("attachment %s: illegal transition %s -> %s", a.ID, a.Status, to)
	}
	a.Status = to
	return nil
}

// Fraction is the share of bytes received, 0 when the total is unknown.
func (a AttachmentDescriptor) Fraction() float64 {
	if a.BytesTotal <= 0 {
		return 0
	}
	f := float64(a.BytesDownloaded) / float64(a.BytesTotal)
	if f > 1 {
		f = 1
	}
	return f
}

func (a AttachmentDescriptor) Values() []string {
	return []string{
		a.ID,
		a.Link,
		a.DownloadURL,
		a.FileName,
		string(a.Status),
		strconv.FormatInt(a.BytesDownloaded, 10),
		strconv.FormatInt(a.BytesTotal, 10),
		strconv.Itoa(a.RetryCount),
		a.LocalPath,
		a.MIME,
	}
}

func AttachmentFromRow(r Row) AttachmentDescriptor {
	downloaded, _ := strconv.ParseInt(r.Get("bytes_downloaded"), 10, 64)
	total, _ := strconv.ParseInt(r.Get("bytes_total"), 10, 64)
	retries, _ := strconv.Atoi(r.Get("retry_count"))
	status := AttachmentStatus(r.Get("status"))
	if status == "" {
		status = StatusPending
	}
	return AttachmentDescriptor{
		ID:              r.Get("id"),
		Link:            r.Get("link"),
		DownloadURL:     r.Get("download_url"),
		FileName:        r.Get("file_name"),
		Status:          status,
		BytesDownloaded: downloaded,
		BytesTotal:      total,
		RetryCount:      retries,
		LocalPath:       r.Get("local_path"),
		MIME:            r.Get("mime"),
	}
}

// DownloadSession tracks one batch of attachment downloads.
type DownloadSession struct {
	ID              string                 `json:"session_id"`
	Files           []AttachmentDescriptor `json:"files"`
	Completed       int                    `json:"completed"`
	Failed          int                    `json:"failed"`
	Skipped         int                    `json:"skipped"`
	OverallProgress float64                `json:"overall_progress"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at,omitempty"`
	Done            bool                   `json:"done"`
}

// Recompute refreshes the aggregate counters from the per-file state.
func (s *DownloadSession) Recompute() {
	s.Completed, s.Failed, s.Skipped = 0, 0, 0
	var inflight float64
	for _, f := range s.Files {
		switch f.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusDownloading:
			inflight += f.Fraction()
		}
	}
	if len(s.Files) == 0 {
		s.OverallProgress = 1
		return
	}
	s.OverallProgress = (float64(s.Completed+s.Failed+s.Skipped) + inflight) / float64(len(s.Files))
}

// Clone returns a deep copy safe to hand to readers.
func (s *DownloadSession) Clone() DownloadSession {
	out := *s
	out.Files = append([]AttachmentDescriptor(nil), s.Files...)
	return out
}

// BatchResult is what every batch operation reports instead of failing on partial errors.
type BatchResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add merges another result into r.
func (r *BatchResult) Add(o BatchResult) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}
