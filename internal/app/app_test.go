package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/logging"
)

func TestNewWiresWithoutDocumentStore(t *testing.T) {
	t.Setenv(config.PathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	cfg := config.Load()
	dir := t.TempDir()
	cfg.Database.DSN = ""
	cfg.Crawler.Browser = false
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.AttachmentsDir = filepath.Join(dir, "attachments")
	cfg.Storage.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Notifications.Telegram = config.TelegramConfig{}

	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	if a.Crawler == nil || a.Downloads == nil || a.Extractor == nil || a.Publisher == nil || a.Pipeline == nil || a.HTTP == nil {
		t.Fatalf("application left a component unwired")
	}

	rec := httptest.NewRecorder()
	a.HTTP.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}

	if _, err := a.Publisher.Publish(context.Background(), nil); err == nil {
		t.Fatalf("publishing without a document store must fail")
	}
}
