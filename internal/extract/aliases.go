package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"PenaltyScanner/internal/domain"
)

// Item is one normalized penalty decision with its classification.
type Item struct {
	EntityName      string `json:"entity_name"`
	DecisionDocNo   string `json:"decision_doc_no"`
	ViolationFacts  string `json:"violation_facts"`
	LegalBasis      string `json:"legal_basis"`
	DecisionContent string `json:"decision_content"`
	IssuingAgency   string `json:"issuing_agency"`
	DecisionDate    string `json:"decision_date"`
	Amount          string `json:"amount"`
	Category        string `json:"category"`
	Province        string `json:"province"`
	Industry        string `json:"industry"`
	Link            string `json:"link"`
	UID             string `json:"uid"`
}

// Detail splits the decision part of the item.
func (it Item) Detail() domain.DetailRecord {
	return domain.DetailRecord{
		EntityName:      it.EntityName,
		DecisionDocNo:   it.DecisionDocNo,
		ViolationFacts:  it.ViolationFacts,
		LegalBasis:      it.LegalBasis,
		DecisionContent: it.DecisionContent,
		IssuingAgency:   it.IssuingAgency,
		DecisionDate:    it.DecisionDate,
		Link:            it.Link,
		UID:             it.UID,
	}
}

// CategoryRecord splits the classification part of the item. ID carries the provenance link.
func (it Item) CategoryRecord() domain.CategoryRecord {
	return domain.CategoryRecord{
		Amount:   it.Amount,
		Category: it.Category,
		Province: it.Province,
		Industry: it.Industry,
		ID:       it.Link,
		UID:      it.UID,
	}
}

// Empty reports whether no content field was recovered.
func (it Item) Empty() bool {
	return it.EntityName == "" && it.DecisionDocNo == "" && it.ViolationFacts == "" &&
		it.LegalBasis == "" && it.DecisionContent == "" && it.IssuingAgency == "" &&
		it.DecisionDate == "" && it.Amount == ""
}

type fieldAliases struct {
	set     func(*Item, string)
	aliases []string
}

// aliasTable lists, per canonical field, the keys models use for it in priority order.
var aliasTable = []fieldAliases{
	{func(it *Item, v string) { it.EntityName = v }, []string{
		"entity_name", "当事人名称", "企业名称", "单位名称", "行政相对人名称", "被处罚当事人", "当事人", "name",
	}},
	{func(it *Item, v string) { it.DecisionDocNo = v }, []string{
		"decision_doc_no", "行政处罚决定书文号", "处罚决定书文号", "决定书文号", "文号", "doc_no",
	}},
	{func(it *Item, v string) { it.ViolationFacts = v }, []string{
		"violation_facts", "主要违法违规事实", "违法违规事实", "违法事实", "违法行为类型", "案由", "facts",
	}},
	{func(it *Item, v string) { it.LegalBasis = v }, []string{
		"legal_basis", "行政处罚依据", "处罚依据", "法律依据", "basis",
	}},
	{func(it *Item, v string) { it.DecisionContent = v }, []string{
		"decision_content", "行政处罚决定", "处罚决定", "处罚内容", "处罚结果", "decision",
	}},
	{func(it *Item, v string) { it.IssuingAgency = v }, []string{
		"issuing_agency", "作出处罚决定的机关名称", "作出决定机关", "处罚机关", "决定机关", "agency",
	}},
	{func(it *Item, v string) { it.DecisionDate = v }, []string{
		"decision_date", "作出处罚决定的日期", "处罚决定日期", "处罚日期", "决定日期", "date",
	}},
	{func(it *Item, v string) { it.Amount = v }, []string{
		"amount", "罚款总金额", "罚款金额", "处罚金额", "金额", "penalty_amount",
	}},
	{func(it *Item, v string) { it.Category = v }, []string{
		"category", "违规类型", "违法类型", "类别", "type",
	}},
	{func(it *Item, v string) { it.Province = v }, []string{
		"province", "省份", "地区", "region",
	}},
	{func(it *Item, v string) { it.Industry = v }, []string{
		"industry", "行业", "所属行业",
	}},
}

// normalize maps a recovered record onto the canonical fields; the first non-empty alias wins.
func normalize(rec map[string]any, link string) Item {
	var it Item
	for _, f := range aliasTable {
		for _, alias := range f.aliases {
			if v := stringify(rec[alias]); v != "" {
				f.set(&it, v)
				break
			}
		}
	}
	it.Link = link
	return it
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
