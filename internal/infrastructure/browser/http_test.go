package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/ports"
)

func TestHTTPFetcherParsesPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("missing user agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><div id="zoom"> 行政处罚 </div><table><tr><td>a</td><td>b</td></tr></table></body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), "", nil)
	page, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := strings.TrimSpace(page.Doc.Find("#zoom").Text()); got != "行政处罚" {
		t.Fatalf("unexpected text %q", got)
	}
	rows := ports.Rows(page.Doc.Find("table tr"))
	if len(rows) != 1 || len(rows[0]) != 2 || rows[0][1] != "b" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestHTTPFetcherMarksFailuresUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), "", nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	if domain.KindOf(err) != domain.KindPageUnavailable {
		t.Fatalf("expected page unavailable, got %v", err)
	}
}
