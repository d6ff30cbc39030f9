package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	maxMessageLen  = 4096
)

// Notifier sends run summaries to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *resty.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier returns nil when the bot token or chat id is missing, so callers can skip notifying.
func NewNotifier(cfg config.TelegramConfig) *Notifier {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil
	}
	return &Notifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  defaultAPIBase,
		client:   resty.New().SetTimeout(10 * time.Second),
	}
}

// WithAPIBase points the notifier at another Bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

// PublishDigest posts a Markdown message, split into several when it exceeds Telegram's limit.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	if n == nil || n.botToken == "" || n.chatID == "" {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	for _, part := range split(digest, maxMessageLen) {
		var out struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		resp, err := n.client.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"chat_id":    n.chatID,
				"text":       part,
				"parse_mode": "Markdown",
			}).
			SetResult(&out).
			SetError(&out).
			Post(endpoint)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		if resp.IsError() || !out.OK {
			return fmt.Errorf("telegram error %s: %s", resp.Status(), out.Description)
		}
	}

	return nil
}

// split cuts text into pieces of at most limit runes, preferring line boundaries.
func split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for utf8.RuneCountInString(line) > limit {
			flush()
			runes := []rune(line)
			parts = append(parts, string(runes[:limit]))
			line = string(runes[limit:])
		}
		n := utf8.RuneCountInString(line)
		if curLen+n > limit {
			flush()
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	return parts
}
