package download

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/progress"
)

// flakyTransport refuses the first failures connections and every https request unless
// httpsOK is set; everything else reaches the test server.
type flakyTransport struct {
	base     http.RoundTripper
	failures int32
	httpsOK  bool
	calls    atomic.Int32
	https    atomic.Int32
	target   string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "https" {
		f.https.Add(1)
		if !f.httpsOK {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		}
		clone := req.Clone(req.Context())
		clone.URL.Scheme = "http"
		clone.URL.Host = f.target
		return f.base.RoundTrip(clone)
	}
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	}
	clone := req.Clone(req.Context())
	clone.URL.Host = f.target
	return f.base.RoundTrip(clone)
}

func newFlakyManager(t *testing.T, handler http.Handler, failures int32, httpsOK bool) (*Manager, *flakyTransport) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ft := &flakyTransport{
		base:     http.DefaultTransport,
		failures: failures,
		httpsOK:  httpsOK,
		target:   strings.TrimPrefix(srv.URL, "http://"),
	}
	m := NewManager(Options{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Client:      &http.Client{Transport: ft},
	})
	return m, ft
}

func payloadHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "identity" {
			http.Error(w, "compression not expected", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(body))
	})
}

func TestDownloadSucceedsAfterTwoConnectionErrors(t *testing.T) {
	t.Parallel()
	m, ft := newFlakyManager(t, payloadHandler("%PDF-1.4 penalty"), 2, false)
	dest := filepath.Join(t.TempDir(), "a.pdf")

	var last Progress
	res, err := m.Download(context.Background(), Request{
		URL:         "http://portal.example/files/a.pdf",
		Referer:     "http://portal.example/d/1.html",
		Destination: dest,
		MaxRetries:  3,
	}, func(p Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int64(len("%PDF-1.4 penalty")), res.Size)
	assert.Equal(t, int32(1), ft.https.Load(), "https upgrade is tried exactly once")
	assert.Equal(t, 2, last.RetryCount)
	assert.Equal(t, res.Size, last.Downloaded)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 penalty", string(got))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	m, ft := newFlakyManager(t, payloadHandler("x"), 10, false)

	res, err := m.Download(context.Background(), Request{
		URL:         "http://portal.example/a.pdf",
		Destination: filepath.Join(t.TempDir(), "a.pdf"),
		MaxRetries:  3,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindTransientNetwork, domain.KindOf(err))
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int32(3), ft.calls.Load())
	assert.Equal(t, int32(1), ft.https.Load())
	assert.True(t, domain.HasKind(err, domain.KindProtocolMismatch), "failed upgrade is reported")
}

func TestDownloadUpgradesToHTTPS(t *testing.T) {
	t.Parallel()
	m, ft := newFlakyManager(t, payloadHandler("secure"), 1, true)

	res, err := m.Download(context.Background(), Request{
		URL:         "http://portal.example/a.pdf",
		Destination: filepath.Join(t.TempDir(), "a.pdf"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RetryCount)
	assert.Equal(t, "https://portal.example/a.pdf", res.FinalURL)
	assert.Equal(t, int32(1), ft.calls.Load())
}

func TestDownloadStalledBodyTriesHTTPS(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Length", "64")
			_, _ = w.Write([]byte("partial"))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("complete"))
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ft := &flakyTransport{base: http.DefaultTransport, httpsOK: true, target: strings.TrimPrefix(srv.URL, "http://")}
	m := NewManager(Options{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		Client:      &http.Client{Transport: ft},
	})
	dest := filepath.Join(t.TempDir(), "a.pdf")

	res, err := m.Download(context.Background(), Request{URL: "http://portal.example/a.pdf", Destination: dest}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RetryCount)
	assert.Equal(t, "https://portal.example/a.pdf", res.FinalURL)
	assert.Equal(t, int32(1), ft.https.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(got))
}

func TestDownloadPermanentStatusIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	m, _ := newFlakyManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}), 0, false)

	_, err := m.Download(context.Background(), Request{
		URL:         "http://portal.example/missing.pdf",
		Destination: filepath.Join(t.TempDir(), "missing.pdf"),
	}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanentRemote, domain.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	m, ft := newFlakyManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}), 0, false)

	res, err := m.Download(context.Background(), Request{
		URL:         "http://portal.example/a.pdf",
		Destination: filepath.Join(t.TempDir(), "a.pdf"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RetryCount)
	assert.Zero(t, ft.https.Load(), "status errors never trigger the https upgrade")
}

func TestResolveDuplicateNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := NewSources()

	first, err := src.Resolve(dir, "决定书.pdf", "http://a/1.pdf", false)
	require.NoError(t, err)
	assert.False(t, first.Skip)
	require.NoError(t, os.WriteFile(first.Path, []byte("original"), 0o644))

	same, err := src.Resolve(dir, "决定书.pdf", "http://a/1.pdf", false)
	require.NoError(t, err)
	assert.True(t, same.Skip)
	assert.Equal(t, first.Path, same.Path)

	other, err := src.Resolve(dir, "决定书.pdf", "http://b/2.pdf", false)
	require.NoError(t, err)
	assert.False(t, other.Skip)
	assert.Equal(t, filepath.Join(dir, "决定书 (1).pdf"), other.Path)

	third, err := src.Resolve(dir, "决定书.pdf", "http://c/3.pdf", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "决定书 (2).pdf"), third.Path)

	forced, err := src.Resolve(dir, "决定书.pdf", "http://b/2.pdf", true)
	require.NoError(t, err)
	assert.Equal(t, first.Path, forced.Path)
	assert.False(t, forced.Skip)

	owner, ok := src.Source(dir, "决定书.pdf")
	require.True(t, ok)
	assert.Equal(t, "http://b/2.pdf", owner)
}

func TestResolveUnknownExistingFileIsSkipped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.doc"), []byte("legacy"), 0o644))

	res, err := NewSources().Resolve(dir, "old.doc", "http://a/old.doc", false)
	require.NoError(t, err)
	assert.True(t, res.Skip)
}

func newSessionFixture(t *testing.T) (*Sessions, string, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a.pdf", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 new content"))
	})
	mux.HandleFunc("/b.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	m := NewManager(Options{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond, Client: srv.Client()})
	return NewSessions(m, NewSources(), SessionOptions{Dir: dir, Concurrency: 2}), dir, srv
}

func TestSessionRunCountsEveryOutcome(t *testing.T) {
	t.Parallel()
	reg, dir, srv := newSessionFixture(t)

	// Already downloaded from the same source: must be skipped and left untouched.
	existing, err := reg.sources.Resolve(dir, "a.pdf", srv.URL+"/a.pdf", false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(existing.Path, []byte("keep me"), 0o644))

	files := []domain.AttachmentDescriptor{
		{ID: "1", Link: srv.URL + "/d/1", DownloadURL: srv.URL + "/a.pdf", FileName: "a.pdf"},
		{ID: "2", Link: srv.URL + "/d/2", DownloadURL: srv.URL + "/b.txt", FileName: "b.txt"},
		{ID: "3", Link: srv.URL + "/d/3", DownloadURL: srv.URL + "/missing.pdf", FileName: "c.pdf"},
		{ID: "4", Link: srv.URL + "/d/4", DownloadURL: srv.URL + "/other/a.pdf", FileName: "a.pdf"},
	}

	var mu sync.Mutex
	var events []progress.Event
	final := reg.Run(context.Background(), files, false, progress.Func(func(e progress.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	assert.True(t, final.Done)
	assert.Equal(t, 1, final.Completed)
	assert.Equal(t, 2, final.Failed)
	assert.Equal(t, 1, final.Skipped)
	assert.InDelta(t, 1.0, final.OverallProgress, 1e-9)

	byID := map[string]domain.AttachmentDescriptor{}
	for _, f := range final.Files {
		byID[f.ID] = f
	}
	assert.Equal(t, domain.StatusSkipped, byID["1"].Status)
	assert.Equal(t, domain.StatusCompleted, byID["2"].Status)
	assert.True(t, strings.HasPrefix(byID["2"].MIME, "text/plain"))
	assert.Equal(t, domain.StatusFailed, byID["3"].Status)
	// A different source with a colliding name gets a suffix and then 404s.
	assert.Equal(t, filepath.Join(dir, "a (1).pdf"), byID["4"].LocalPath)

	kept, err := os.ReadFile(existing.Path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(kept))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, progress.EventStart, events[0].Type)
	assert.Equal(t, progress.EventComplete, events[len(events)-1].Type)
}

func TestSessionStartGetDelete(t *testing.T) {
	t.Parallel()
	reg, _, srv := newSessionFixture(t)

	snap := reg.Start(context.Background(), []domain.AttachmentDescriptor{
		{ID: "1", DownloadURL: srv.URL + "/b.txt", FileName: "b.txt"},
	}, false)
	require.NotEmpty(t, snap.ID)
	assert.False(t, snap.Done)

	require.Eventually(t, func() bool {
		s, err := reg.Get(snap.ID)
		return err == nil && s.Done
	}, 5*time.Second, 10*time.Millisecond)

	s, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Completed)

	require.NoError(t, reg.Delete(snap.ID))
	_, err = reg.Get(snap.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, reg.Delete(snap.ID), domain.ErrSessionNotFound)
}

func TestEmptySessionIsComplete(t *testing.T) {
	t.Parallel()
	reg, _, _ := newSessionFixture(t)
	final := reg.Run(context.Background(), nil, false, nil)
	assert.True(t, final.Done)
	assert.InDelta(t, 1.0, final.OverallProgress, 1e-9)
}
