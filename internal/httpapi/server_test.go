package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/download"
	"PenaltyScanner/internal/infrastructure/browser"
	"PenaltyScanner/internal/infrastructure/csvstore"
	"PenaltyScanner/internal/infrastructure/parser"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/progress"
	"PenaltyScanner/internal/scanner"
	"PenaltyScanner/internal/usecase"
)

const listURL = "http://pbc.test/bj/index.html"

// gatedFetcher serves an empty list page once release is closed.
type gatedFetcher struct {
	release chan struct{}
	once    sync.Once
}

func (f *gatedFetcher) open() { f.once.Do(func() { close(f.release) }) }

func (f *gatedFetcher) Fetch(ctx context.Context, url string) (*ports.Page, error) {
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return browser.ParseHTML(url, `<html><body><ul class="list"></ul></body></html>`)
}

// countedDocs is a document store that only knows its size.
type countedDocs struct{ n int }

func (d countedDocs) ExistingKeys(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (d countedDocs) InsertMany(_ context.Context, docs []domain.Document) (int, error) {
	return len(docs), nil
}

func (d countedDocs) Count(context.Context) (int, error) { return d.n, nil }

type fixture struct {
	api     *httptest.Server
	files   *httptest.Server
	store   *csvstore.Store
	fetcher *gatedFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := csvstore.New(t.TempDir(), csvstore.Options{})
	require.NoError(t, err)

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("行政处罚决定书"))
	}))
	t.Cleanup(files.Close)

	regions := []config.RegionConfig{{Name: "bj", Parser: "pbc", BaseURLs: []string{listURL}, Pages: 1}}
	downloads := usecase.NewDownloads(usecase.DownloadsDeps{
		Manager: download.NewManager(download.Options{MaxRetries: 1, BackoffBase: time.Millisecond, Client: files.Client()}),
		Session: download.SessionOptions{Dir: t.TempDir(), Concurrency: 2},
		Store:   store,
		Regions: regions,
	})

	fetcher := &gatedFetcher{release: make(chan struct{})}
	t.Cleanup(fetcher.open)
	reg := scanner.NewRegistry()
	reg.Register(parser.NewPBCStrategy())
	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Crawler: usecase.NewCrawler(usecase.CrawlerDeps{
			Fetcher:  fetcher,
			Store:    store,
			Registry: reg,
			Regions:  regions,
		}),
		Downloads: downloads,
		Regions:   regions,
	})

	srv := New(Deps{
		Downloads: downloads,
		Pipeline:  pipeline,
		Publisher: usecase.NewPublisher(countedDocs{n: 2}, store, 0, nil),
		Regions:   regions,
		Config:    config.HTTPConfig{Heartbeat: 20 * time.Millisecond, QueueSize: 8},
	})
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return &fixture{api: api, files: files, store: store, fetcher: fetcher}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.api.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type sseResult struct {
	types []string
	pings int
	last  progress.Event
}

func readSSE(t *testing.T, body io.Reader, onPing func()) sseResult {
	t.Helper()
	var out sseResult
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ": ping"):
			out.pings++
			if onPing != nil {
				onPing()
			}
		case strings.HasPrefix(line, "event: "):
			out.types = append(out.types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &out.last))
		}
	}
	return out
}

func TestDownloadSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	att := domain.AttachmentDescriptor{
		ID: "a1", Link: "http://pbc.test/d/1.html", DownloadURL: f.files.URL + "/1.txt",
		FileName: "1.txt", Status: domain.StatusPending,
	}
	require.NoError(t, f.store.Append(context.Background(), domain.KindAttachment, "bj_seed", [][]string{att.Values()}))

	resp := f.do(t, http.MethodPost, "/v1/downloads", `{"attachment_ids":["a1"],"force_overwrite":false}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started startDownloadsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.SessionID)
	assert.Len(t, started.Session.Files, 1)

	events := f.do(t, http.MethodGet, "/v1/downloads/"+started.SessionID+"/events", "")
	require.Equal(t, http.StatusOK, events.StatusCode)
	assert.Equal(t, "text/event-stream", events.Header.Get("Content-Type"))
	res := readSSE(t, events.Body, nil)
	require.NotEmpty(t, res.types)
	assert.Equal(t, "complete", res.types[len(res.types)-1])
	require.NotNil(t, res.last.Counts)
	assert.Equal(t, 1, res.last.Counts.Succeeded)

	get := f.do(t, http.MethodGet, "/v1/downloads/"+started.SessionID, "")
	require.Equal(t, http.StatusOK, get.StatusCode)
	var session domain.DownloadSession
	require.NoError(t, json.NewDecoder(get.Body).Decode(&session))
	assert.True(t, session.Done)
	assert.Equal(t, domain.StatusCompleted, session.Files[0].Status)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/downloads/"+started.SessionID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/downloads/"+started.SessionID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/downloads/"+started.SessionID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/downloads/"+started.SessionID+"/events", "").StatusCode)
}

func TestStartDownloadsValidation(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/downloads", `{"attachment_ids":[]}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/downloads", `{not json`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/downloads", `{"attachment_ids":["missing"]}`).StatusCode)
}

func TestCrawlJobStreamsHeartbeatsUntilComplete(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/crawl/nowhere", "").StatusCode)

	resp := f.do(t, http.MethodPost, "/v1/crawl/bj", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		JobID string      `json:"job_id"`
		Job   JobSnapshot `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.JobID)
	assert.Equal(t, "running", body.Job.Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/crawl/bj", "").StatusCode)

	events := f.do(t, http.MethodGet, "/v1/crawl/jobs/"+body.JobID+"/events", "")
	require.Equal(t, http.StatusOK, events.StatusCode)
	res := readSSE(t, events.Body, f.fetcher.open)
	assert.GreaterOrEqual(t, res.pings, 1)
	require.NotEmpty(t, res.types)
	assert.Equal(t, "complete", res.types[len(res.types)-1])

	require.Eventually(t, func() bool {
		job := f.do(t, http.MethodGet, "/v1/crawl/jobs/"+body.JobID, "")
		var snap JobSnapshot
		return json.NewDecoder(job.Body).Decode(&snap) == nil && snap.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	late := f.do(t, http.MethodGet, "/v1/crawl/jobs/"+body.JobID+"/events", "")
	res = readSSE(t, late.Body, nil)
	assert.Equal(t, []string{"complete"}, res.types)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/crawl/jobs/unknown/events", "").StatusCode)
}

func TestPendingHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	att := domain.AttachmentDescriptor{ID: "a1", Link: "l", DownloadURL: f.files.URL + "/1.txt", Status: domain.StatusPending}
	require.NoError(t, f.store.Append(context.Background(), domain.KindAttachment, "bj_seed", [][]string{att.Values()}))

	resp := f.do(t, http.MethodGet, "/v1/pending/bj", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counts usecase.PendingCounts
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counts))
	assert.Equal(t, "bj", counts.Region)
	assert.Equal(t, 1, counts.Downloads)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/pending/nowhere", "").StatusCode)
	health := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, health.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(health.Body).Decode(&body))
	assert.Equal(t, float64(2), body["documents"])
	assert.Equal(t, float64(0), body["download_sessions"])

	m := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, m.StatusCode)
	raw, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "penaltyscan_http_requests_total")
}
