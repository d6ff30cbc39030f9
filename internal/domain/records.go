package domain

import "strings"

// SummaryRecord is one row of a portal list page. Link is the natural key.
type SummaryRecord struct {
	Title       string `json:"title"`
	PublishDate string `json:"publish_date"`
	Link        string `json:"link"`
	Summary     string `json:"summary"`
	Region      string `json:"region"`
}

// DetailRecord is a normalized penalty decision. UID is assigned once at normalization time
// and never changes; Link points back to the owning SummaryRecord.
type DetailRecord struct {
	EntityName      string `json:"entity_name"`
	DecisionDocNo   string `json:"decision_doc_no"`
	ViolationFacts  string `json:"violation_facts"`
	LegalBasis      string `json:"legal_basis"`
	DecisionContent string `json:"decision_content"`
	IssuingAgency   string `json:"issuing_agency"`
	DecisionDate    string `json:"decision_date"`
	Link            string `json:"link"`
	UID             string `json:"uid"`
}

// CategoryRecord classifies a DetailRecord. ID carries the link or the uid depending on the producer.
type CategoryRecord struct {
	Amount   string `json:"amount"`
	Category string `json:"category"`
	Province string `json:"province"`
	Industry string `json:"industry"`
	ID       string `json:"id"`
	UID      string `json:"uid"`
}

// FreeText is raw detail-page text captured when a page carries meaningful content.
type FreeText struct {
	Link   string `json:"link"`
	Region string `json:"region"`
	Text   string `json:"text"`
}

// RecordKind names one of the flat-file corpora.
type RecordKind string

const (
	KindSummary    RecordKind = "summary"
	KindDetail     RecordKind = "detail"
	KindCategory   RecordKind = "category"
	KindAttachment RecordKind = "attachment"
	KindFreeText   RecordKind = "freetext"
	KindVisited    RecordKind = "visited"
)

var (
	SummaryColumns    = []string{"title", "publish_date", "link", "summary", "region"}
	DetailColumns     = []string{"entity_name", "decision_doc_no", "violation_facts", "legal_basis", "decision_content", "issuing_agency", "decision_date", "link", "uid"}
	CategoryColumns   = []string{"amount", "category", "province", "industry", "id", "uid"}
	AttachmentColumns = []string{"id", "link", "download_url", "file_name", "status", "bytes_downloaded", "bytes_total", "retry_count", "local_path", "mime"}
	FreeTextColumns   = []string{"link", "region", "text"}
	VisitedColumns    = []string{"link", "region", "visited_at"}
)

// Columns returns the CSV header for a record kind.
func Columns(kind RecordKind) []string {
	switch kind {
	case KindSummary:
		return SummaryColumns
	case KindDetail:
		return DetailColumns
	case KindCategory:
		return CategoryColumns
	case KindAttachment:
		return AttachmentColumns
	case KindFreeText:
		return FreeTextColumns
	case KindVisited:
		return VisitedColumns
	default:
		return nil
	}
}

// Row is a loosely typed record as read from the corpus.
type Row map[string]string

// Get returns the trimmed value of a column.
func (r Row) Get(col string) string {
	return strings.TrimSpace(r[col])
}

func (s SummaryRecord) Values() []string {
	return []string{s.Title, s.PublishDate, s.Link, s.Summary, s.Region}
}

func SummaryFromRow(r Row) SummaryRecord {
	return SummaryRecord{
		Title:       r.Get("title"),
		PublishDate: r.Get("publish_date"),
		Link:        r.Get("link"),
		Summary:     r.Get("summary"),
		Region:      r.Get("region"),
	}
}

func (d DetailRecord) Values() []string {
	return []string{d.EntityName, d.DecisionDocNo, d.ViolationFacts, d.LegalBasis, d.DecisionContent, d.IssuingAgency, d.DecisionDate, d.Link, d.UID}
}

func DetailFromRow(r Row) DetailRecord {
	return DetailRecord{
		EntityName:      r.Get("entity_name"),
		DecisionDocNo:   r.Get("decision_doc_no"),
		ViolationFacts:  r.Get("violation_facts"),
		LegalBasis:      r.Get("legal_basis"),
		DecisionContent: r.Get("decision_content"),
		IssuingAgency:   r.Get("issuing_agency"),
		DecisionDate:    r.Get("decision_date"),
		Link:            r.Get("link"),
		UID:             r.Get("uid"),
	}
}

func (c CategoryRecord) Values() []string {
	return []string{c.Amount, c.Category, c.Province, c.Industry, c.ID, c.UID}
}

func CategoryFromRow(r Row) CategoryRecord {
	return CategoryRecord{
		Amount:   r.Get("amount"),
		Category: r.Get("category"),
		Province: r.Get("province"),
		Industry: r.Get("industry"),
		ID:       r.Get("id"),
		UID:      r.Get("uid"),
	}
}

// JoinKey is the key linking a category to its detail: uid when present, else the link-valued id.
func (c CategoryRecord) JoinKey() string {
	if c.UID != "" {
		return c.UID
	}
	return c.ID
}

func (f FreeText) Values() []string {
	return []string{f.Link, f.Region, f.Text}
}

func FreeTextFromRow(r Row) FreeText {
	return FreeText{Link: r.Get("link"), Region: r.Get("region"), Text: r.Get("text")}
}

// Document is the unit pushed into the authoritative document store.
type Document struct {
	UID      string          `json:"uid"`
	Link     string          `json:"link"`
	Detail   DetailRecord    `json:"detail"`
	Category *CategoryRecord `json:"category,omitempty"`
}
