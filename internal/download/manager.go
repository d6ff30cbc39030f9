// Package download fetches attachment binaries with retries, backoff and a one-time
// http->https upgrade, and runs batches of them as pollable sessions.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/metrics"
	"PenaltyScanner/internal/ratelimit"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	copyBufferSize   = 32 * 1024
)

// Options configures a Manager.
type Options struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and every gap between body reads.
	ReadTimeout time.Duration
	UserAgent   string
	// Client replaces the default client; its timeouts are left untouched.
	Client *http.Client
	Logger *slog.Logger
}

// Request is a single download.
type Request struct {
	URL         string
	Referer     string
	Destination string
	MaxRetries  int
}

// Progress is reported while a body is streamed.
type Progress struct {
	Downloaded int64
	Total      int64
	Speed      float64
	RetryCount int
}

// Result describes a finished download.
type Result struct {
	Size       int64
	RetryCount int
	FinalURL   string
}

// Manager performs downloads. It is safe for concurrent use.
type Manager struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewManager builds a manager with a client whose connect timeout is short and read timeout long.
func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	client := opts.Client
	if client == nil {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
				DisableCompression:    true,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &Manager{client: client, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// attemptError marks a failed attempt that the https upgrade covers: the connection failed or
// the body stalled past the read timeout.
type attemptError struct {
	err        error
	upgradable bool
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// Download fetches req.URL into req.Destination. Retryable failures back off as
// min(cap, base*2^attempt) for at most MaxRetries attempts; the first connection failure or
// stalled body of an http URL also tries the https variant once, outside the retry budget.
// A failed upgrade is joined to the final error as a protocol mismatch.
func (m *Manager) Download(ctx context.Context, req Request, onProgress func(Progress)) (Result, error) {
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Destination) == "" {
		return Result{}, fmt.Errorf("download: url and destination are required")
	}
	maxAttempts := req.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = m.opts.MaxRetries
	}
	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return Result{}, domain.NewError(domain.KindLocalIO, "create destination dir", err)
	}

	started := time.Now()
	upgradeTried := false
	var upgradeErr error
	retries := 0
	for {
		size, err := m.attempt(ctx, req.URL, req, retries, onProgress)
		if err == nil {
			m.observe(started, size, "completed")
			return Result{Size: size, RetryCount: retries, FinalURL: req.URL}, nil
		}
		if ctx.Err() != nil {
			return Result{RetryCount: retries}, ctx.Err()
		}

		var ae *attemptError
		if !upgradeTried && errors.As(err, &ae) && ae.upgradable && strings.HasPrefix(strings.ToLower(req.URL), "http://") {
			upgradeTried = true
			secure := "https://" + req.URL[len("http://"):]
			m.logger.Debug("trying https upgrade", "url", req.URL)
			size, upErr := m.attempt(ctx, secure, req, retries, onProgress)
			if upErr == nil {
				m.observe(started, size, "completed")
				return Result{Size: size, RetryCount: retries, FinalURL: secure}, nil
			}
			if ctx.Err() != nil {
				return Result{RetryCount: retries}, ctx.Err()
			}
			upgradeErr = domain.NewError(domain.KindProtocolMismatch, "https upgrade "+secure, upErr)
			m.logger.Debug("https upgrade failed", "url", secure, "error", upErr)
		}

		if !domain.Retryable(err) {
			m.observe(started, 0, "failed")
			return Result{RetryCount: retries}, withUpgrade(err, upgradeErr)
		}
		if retries+1 >= maxAttempts {
			m.observe(started, 0, "failed")
			return Result{RetryCount: retries}, fmt.Errorf("download %s: giving up after %d attempts: %w", req.URL, retries+1, withUpgrade(err, upgradeErr))
		}

		wait := ratelimit.Backoff(retries, m.opts.BackoffBase, m.opts.BackoffCap)
		m.logger.Warn("download attempt failed", "url", req.URL, "attempt", retries+1, "backoff", wait, "error", err)
		if err := ratelimit.Sleep(ctx, wait); err != nil {
			return Result{RetryCount: retries}, err
		}
		retries++
		metrics.DownloadRetriesTotal.Inc()
	}
}

func withUpgrade(err, upgradeErr error) error {
	if upgradeErr == nil {
		return err
	}
	return errors.Join(err, upgradeErr)
}

func (m *Manager) observe(started time.Time, size int64, status string) {
	metrics.DownloadsTotal.WithLabelValues(status).Inc()
	metrics.DownloadDuration.Observe(time.Since(started).Seconds())
	if size > 0 {
		metrics.DownloadBytesTotal.Add(float64(size))
	}
}

func (m *Manager) attempt(ctx context.Context, url string, req Request, retries int, onProgress func(Progress)) (int64, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, domain.NewError(domain.KindPermanentRemote, "build request", err)
	}
	httpReq.Header.Set("User-Agent", m.opts.UserAgent)
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Accept-Encoding", "identity")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &attemptError{err: domain.NewError(domain.KindTransientNetwork, "request "+url, err), upgradable: true}
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, err
	}

	tmp := req.Destination + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, domain.NewError(domain.KindLocalIO, "create temp file", err)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	body := newIdleReader(resp.Body, m.opts.ReadTimeout, cancel)
	defer body.stop()

	written, copyErr := copyWithProgress(f, body, total, retries, onProgress)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var le *localError
		if errors.As(copyErr, &le) {
			return 0, domain.NewError(domain.KindLocalIO, "write "+tmp, le.err)
		}
		if body.timedOut() {
			copyErr = fmt.Errorf("no data for %s: %w", m.opts.ReadTimeout, copyErr)
			return 0, &attemptError{err: domain.NewError(domain.KindTransientNetwork, "read body "+url, copyErr), upgradable: true}
		}
		return 0, domain.NewError(domain.KindTransientNetwork, "read body "+url, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return 0, domain.NewError(domain.KindLocalIO, "close "+tmp, closeErr)
	}
	if total > 0 && written != total {
		_ = os.Remove(tmp)
		return 0, domain.NewError(domain.KindTransientNetwork, "read body "+url, fmt.Errorf("short body: %d of %d bytes", written, total))
	}
	if err := os.Rename(tmp, req.Destination); err != nil {
		_ = os.Remove(tmp)
		return 0, domain.NewError(domain.KindLocalIO, "rename "+tmp, err)
	}
	return written, nil
}

// statusError maps a response status onto the error taxonomy: 408, 429 and 5xx are worth
// retrying, every other non-2xx is final.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.NewError(domain.KindTransientNetwork, "get "+resp.Request.URL.String(), err)
	default:
		return domain.NewError(domain.KindPermanentRemote, "get "+resp.Request.URL.String(), err)
	}
}

type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }

func copyWithProgress(dst io.Writer, src io.Reader, total int64, retries int, onProgress func(Progress)) (int64, error) {
	buf := make([]byte, copyBufferSize)
	started := time.Now()
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, &localError{err: werr}
			}
			written += int64(n)
			if onProgress != nil {
				elapsed := time.Since(started).Seconds()
				speed := 0.0
				if elapsed > 0 {
					speed = float64(written) / elapsed
				}
				onProgress(Progress{Downloaded: written, Total: total, Speed: speed, RetryCount: retries})
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// idleReader cancels the attempt when no bytes arrive for the read timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	mu      sync.Mutex
	fired   bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.mu.Lock()
		ir.fired = true
		ir.mu.Unlock()
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}

func (ir *idleReader) timedOut() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.fired
}
