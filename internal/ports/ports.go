package ports

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"PenaltyScanner/internal/domain"
)

// RecordStore is the flat-file corpus of summaries, details, categories and crawl buffers.
type RecordStore interface {
	LoadByPrefix(ctx context.Context, kind domain.RecordKind, prefix string) ([]domain.Row, error)
	Append(ctx context.Context, kind domain.RecordKind, name string, rows [][]string) error
}

// DocumentStore is the authoritative store that reconciled details are published to.
type DocumentStore interface {
	ExistingKeys(ctx context.Context, keyField string) (map[string]struct{}, error)
	InsertMany(ctx context.Context, docs []domain.Document) (int, error)
	Count(ctx context.Context) (int, error)
}

// Page is a loaded page handle.
type Page struct {
	URL  string
	HTML string
	Doc  *goquery.Document
}

// Rows returns the cells of each row in rows with inner whitespace collapsed. Rows without
// cells are left out.
func Rows(rows *goquery.Selection) [][]string {
	var out [][]string
	rows.Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("td, th").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.Join(strings.Fields(td.Text()), " "))
		})
		if len(cells) > 0 {
			out = append(out, cells)
		}
	})
	return out
}

// PageFetcher loads one page at a time.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// TextExtractor turns a downloaded attachment into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, path, fileType string) (string, error)
}

// CompletionRequest is a single LLM completion call.
type CompletionRequest struct {
	Prompt    string
	System    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Completer is the LLM backend used by the extraction normalizer.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Notifier sends run summaries to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
