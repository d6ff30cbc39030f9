// Package ocr extracts plain text from downloaded attachments, locally for markup and text files
// and through a remote conversion service for everything else.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
)

// Router picks an extraction backend by file type.
type Router struct {
	remote *Client
	logger *slog.Logger
}

var _ ports.TextExtractor = (*Router)(nil)

// NewRouter builds a router. remote may be nil when only local formats are expected.
func NewRouter(remote *Client, logger *slog.Logger) *Router {
	return &Router{remote: remote, logger: logging.OrDiscard(logger)}
}

// ExtractText returns the text of the file at path. fileType is an extension or MIME type; when
// empty the extension of path is used, and failing that the content is sniffed.
func (r *Router) ExtractText(ctx context.Context, path, fileType string) (string, error) {
	ext, err := r.resolveType(path, fileType)
	if err != nil {
		return "", err
	}
	switch ext {
	case "html", "htm", "shtml":
		return htmlText(path)
	case "txt", "csv":
		return plainText(path)
	default:
		r.logger.Debug("remote text extraction", "file", filepath.Base(path), "type", ext)
		return r.remote.Convert(ctx, path, ext)
	}
}

func (r *Router) resolveType(path, fileType string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(fileType))
	if strings.Contains(t, "/") {
		t = extensionForMIME(t)
	}
	t = strings.TrimPrefix(t, ".")
	if t != "" {
		return t, nil
	}
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext != "" {
		return ext, nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", domain.NewError(domain.KindLocalIO, "detect type of "+path, err)
	}
	return strings.TrimPrefix(mt.Extension(), "."), nil
}

func extensionForMIME(m string) string {
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if mt := mimetype.Lookup(m); mt != nil {
		return strings.TrimPrefix(mt.Extension(), ".")
	}
	return ""
}

func htmlText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", domain.NewError(domain.KindLocalIO, "read "+path, err)
	}
	body, err := charset.NewReader(bytes.NewReader(raw), "text/html")
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, tr, li, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return compactLines(doc.Find("body").Text()), nil
}

func plainText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", domain.NewError(domain.KindLocalIO, "read "+path, err)
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(raw) {
		// Regulator portals publish legacy GB-encoded text files.
		if enc, _ := charset.Lookup("gbk"); enc != nil {
			if decoded, decErr := enc.NewDecoder().Bytes(raw); decErr == nil {
				raw = decoded
			}
		}
	}
	return compactLines(string(raw)), nil
}

func compactLines(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
