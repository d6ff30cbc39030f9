package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"PenaltyScanner/internal/ports"
)

// ContentRules decide whether a detail page carries free text worth keeping, as opposed to
// being a bare list of download links.
type ContentRules struct {
	// Containers are tried in order; the first match is the structured content container.
	Containers []string
	// MinTextLength is the rune count the filtered non-link text must exceed.
	MinTextLength int
	// FileMarkers flag lines that only describe downloads.
	FileMarkers []string
}

// DefaultContentRules matches the common government CMS layouts.
func DefaultContentRules() ContentRules {
	return ContentRules{
		Containers:    []string{"#zoom", "#con", "div.TRS_Editor", "div.content", "div.article", "#r_con"},
		MinTextLength: 50,
		FileMarkers:   []string{"下载", "文件", "附件", ".pdf", ".doc", ".xls", ".wps", ".zip", ".rar"},
	}
}

// Container returns the first configured content container present in doc.
func (r ContentRules) Container(doc *goquery.Document) *goquery.Selection {
	if doc == nil {
		return nil
	}
	for _, sel := range r.Containers {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// Evaluate returns the captured text of page and whether it is meaningful. A container with a
// table of more than one row is meaningful as is; otherwise the non-link text, minus download
// lines, has to be longer than MinTextLength.
func (r ContentRules) Evaluate(page *ports.Page) (string, bool) {
	if page == nil {
		return "", false
	}
	container := r.Container(page.Doc)
	if container == nil {
		return "", false
	}

	var best *goquery.Selection
	container.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if table.Find("tr").Length() > 1 {
			best = table
			return false
		}
		return true
	})
	if best != nil {
		return tableText(best), true
	}

	text := r.filteredText(container)
	return text, utf8.RuneCountInString(text) > r.MinTextLength
}

func (r ContentRules) filteredText(container *goquery.Selection) string {
	clone := container.Clone()
	clone.Find("a, script, style").Remove()
	clone.Find("br").ReplaceWithHtml("\n")
	clone.Find("p, div, li, tr, h1, h2, h3, h4").AppendHtml("\n")

	var kept []string
	for _, line := range strings.Split(clone.Text(), "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "\u00a0", " "))
		if line == "" || r.isFileLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func (r ContentRules) isFileLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range r.FileMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func tableText(table *goquery.Selection) string {
	rows := ports.Rows(table.Find("tr"))
	lines := make([]string, 0, len(rows))
	for _, cells := range rows {
		lines = append(lines, strings.Join(cells, "\t"))
	}
	return strings.Join(lines, "\n")
}
