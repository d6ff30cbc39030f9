package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"PenaltyScanner/internal/config"
)

func TestPublishDigest(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		texts = append(texts, r.PostForm.Get("text"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("chat_id") != "42" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "42"}).WithAPIBase(srv.URL)
	if err := n.PublishDigest(context.Background(), "*Penalty scan*\n- published: 3"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(texts) != 1 || !strings.Contains(texts[0], "published: 3") {
		t.Fatalf("unexpected messages %q", texts)
	}

	bad := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "7"}).WithAPIBase(srv.URL)
	err := bad.PublishDigest(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected telegram error, got %v", err)
	}
}

func TestNotifierRequiresCredentials(t *testing.T) {
	t.Parallel()
	if n := NewNotifier(config.TelegramConfig{BotToken: "t"}); n != nil {
		t.Fatalf("expected nil notifier without chat id")
	}
	var n *Notifier
	if err := n.PublishDigest(context.Background(), "x"); err == nil {
		t.Fatalf("expected error from nil notifier")
	}
}

func TestSplitLongDigest(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("罚", 30) + "\n"
	parts := split(strings.Repeat(line, 10), 100)
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(parts))
	}
	for _, p := range parts {
		if len([]rune(p)) > 100 {
			t.Fatalf("part too long: %d", len([]rune(p)))
		}
	}
	if strings.Join(parts, "") != strings.Repeat(line, 10) {
		t.Fatalf("split lost content")
	}
	long := split(strings.Repeat("a", 250), 100)
	if len(long) != 3 {
		t.Fatalf("expected a long line to be cut in 3, got %d", len(long))
	}
}
