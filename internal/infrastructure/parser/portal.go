package parser

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/scanner"
)

var (
	dateExpr      = regexp.MustCompile(`\d{4}[-/.年]\d{1,2}[-/.月]\d{1,2}日?`)
	indexPageExpr = regexp.MustCompile(`index(_\d+)?\.s?html?$`)
)

var attachmentExts = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".wps", ".et", ".zip", ".rar", ".jpg", ".jpeg", ".png", ".txt"}

// PortalStrategy parses list and detail pages of a table- or list-based disclosure portal.
// Selectors can be overridden per region through options.
type PortalStrategy struct {
	name     string
	listRows string
	rules    ContentRules
}

// NewPortalStrategy builds a strategy with default selectors.
func NewPortalStrategy(name, listRows string, rules ContentRules) *PortalStrategy {
	return &PortalStrategy{name: name, listRows: listRows, rules: rules}
}

// NewPBCStrategy matches the central bank branch portals (paginated index_N.html lists,
// #zoom detail container).
func NewPBCStrategy() *PortalStrategy {
	return NewPortalStrategy("pbc", "td.hei12jj table tr, #r_con table tr, ul.list li", DefaultContentRules())
}

// NewGenericStrategy is a fallback for plain table lists.
func NewGenericStrategy() *PortalStrategy {
	return NewPortalStrategy("generic", "table tr, ul li", DefaultContentRules())
}

var _ scanner.Strategy = (*PortalStrategy)(nil)

// Name identifies the strategy inside the registry.
func (p *PortalStrategy) Name() string {
	return p.name
}

// Rules returns the content rules after applying option overrides.
func (p *PortalStrategy) Rules(opts scanner.Options) ContentRules {
	rules := p.rules
	if v := opts.Get("content", ""); v != "" {
		rules.Containers = splitSelectors(v)
	}
	if v := opts.Get("min_text_length", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			rules.MinTextLength = n
		}
	}
	if v := opts.Get("file_markers", ""); v != "" {
		rules.FileMarkers = strings.Split(v, "|")
	}
	return rules
}

// PageURL returns the URL of list page n (1 based).
func (p *PortalStrategy) PageURL(base string, page int, opts scanner.Options) (string, error) {
	return buildPageURL(base, page, opts.Get("page_param", ""))
}

// ParseList turns list rows into summaries. Rows without a usable anchor are ignored.
func (p *PortalStrategy) ParseList(page *ports.Page, opts scanner.Options) ([]domain.SummaryRecord, error) {
	if page == nil || page.Doc == nil {
		return nil, fmt.Errorf("empty page")
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %s: %w", page.URL, err)
	}

	var records []domain.SummaryRecord
	page.Doc.Find(opts.Get("list_rows", p.listRows)).Each(func(_ int, row *goquery.Selection) {
		if rec, ok := parseRow(row, base); ok {
			records = append(records, rec)
		}
	})
	return records, nil
}

// ParseDetail collects attachment anchors and evaluates the free-text heuristic.
func (p *PortalStrategy) ParseDetail(page *ports.Page, opts scanner.Options) (scanner.Detail, error) {
	if page == nil || page.Doc == nil {
		return scanner.Detail{}, fmt.Errorf("empty page")
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return scanner.Detail{}, fmt.Errorf("invalid page url %s: %w", page.URL, err)
	}

	var detail scanner.Detail
	seen := map[string]struct{}{}
	page.Doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		text := strings.TrimSpace(a.Text())
		if !isAttachment(href, text) {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		detail.Attachments = append(detail.Attachments, domain.AttachmentDescriptor{
			ID:          AttachmentID(abs),
			Link:        page.URL,
			DownloadURL: abs,
			FileName:    fileNameFor(text, abs),
			Status:      domain.StatusPending,
		})
	})

	detail.Text, detail.Meaningful = p.Rules(opts).Evaluate(page)
	if !detail.Meaningful {
		detail.Text = ""
	}
	return detail, nil
}

// AttachmentID derives a stable id from the download URL so re-crawls agree on it.
func AttachmentID(downloadURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(downloadURL)).String()
}

func parseRow(row *goquery.Selection, base *url.URL) (domain.SummaryRecord, bool) {
	anchor := row.Find("a[href]").First()
	if anchor.Length() == 0 {
		return domain.SummaryRecord{}, false
	}
	href, _ := anchor.Attr("href")
	link, ok := resolve(base, href)
	if !ok {
		return domain.SummaryRecord{}, false
	}

	title, _ := anchor.Attr("title")
	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSpace(anchor.Text())
	}
	if title == "" {
		return domain.SummaryRecord{}, false
	}

	rowText := strings.Join(strings.Fields(row.Text()), " ")
	date := dateExpr.FindString(rowText)
	summary := strings.TrimSpace(strings.Replace(strings.Replace(rowText, strings.Join(strings.Fields(anchor.Text()), " "), "", 1), date, "", 1))

	return domain.SummaryRecord{
		Title:       title,
		PublishDate: normalizeDate(date),
		Link:        link,
		Summary:     summary,
	}, true
}

func normalizeDate(raw string) string {
	if raw == "" {
		return ""
	}
	r := strings.NewReplacer("年", "-", "月", "-", "日", "", "/", "-", ".", "-")
	parts := strings.Split(r.Replace(raw), "-")
	if len(parts) != 3 {
		return raw
	}
	y, errY := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	d, errD := strconv.Atoi(parts[2])
	if errY != nil || errM != nil || errD != nil {
		return raw
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	if href == "" || href == "#" || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String(), true
}

func isAttachment(href, text string) bool {
	lower := strings.ToLower(href)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range attachmentExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return strings.Contains(text, "附件") || strings.Contains(text, "下载")
}

func fileNameFor(text, downloadURL string) string {
	if hasAttachmentExt(text) {
		return sanitizeName(text)
	}
	name := ""
	if u, err := url.Parse(downloadURL); err == nil {
		name = path.Base(u.Path)
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
	}
	if text != "" && name != "" && path.Ext(name) != "" && !strings.Contains(text, "下载") {
		return sanitizeName(text + path.Ext(name))
	}
	if name == "" || name == "/" || name == "." {
		return AttachmentID(downloadURL)
	}
	return sanitizeName(name)
}

func hasAttachmentExt(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range attachmentExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\n', '\r', '\t':
			return '_'
		}
		return r
	}, name)
	return name
}

func splitSelectors(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func buildPageURL(base string, page int, pageParam string) (string, error) {
	if strings.Contains(base, "{page}") {
		return strings.ReplaceAll(base, "{page}", strconv.Itoa(page)), nil
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid list url %s: %w", base, err)
	}
	if page <= 1 {
		return parsed.String(), nil
	}

	if pageParam == "" && indexPageExpr.MatchString(parsed.Path) {
		ext := path.Ext(parsed.Path)
		parsed.Path = indexPageExpr.ReplaceAllString(parsed.Path, "index"+strconv.Itoa(page)+ext)
		return parsed.String(), nil
	}
	if pageParam == "" {
		pageParam = "page"
	}

	query := parsed.Query()
	query.Set(pageParam, strconv.Itoa(page))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
