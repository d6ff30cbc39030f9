package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"PenaltyScanner/internal/domain"
)

func summaries(links ...string) []domain.SummaryRecord {
	out := make([]domain.SummaryRecord, 0, len(links))
	for _, l := range links {
		out = append(out, domain.SummaryRecord{Link: l, Title: "t-" + l})
	}
	return out
}

func TestPendingSetAlgebra(t *testing.T) {
	a := NewSet("L1", "L2", "L3")
	b := NewSet("L2", "L9")

	assert.Equal(t, NewSet("L1", "L3"), Pending(a, b))
	assert.Empty(t, Pending(a, a))
	assert.Equal(t, a, Pending(a, NewSet[string]()))
}

func TestPendingLinksExcludesEmptyKeys(t *testing.T) {
	rows := summaries("L1", "", "  ", "L2")
	got := PendingLinks(rows, NewSet("", "L2"))
	assert.Equal(t, NewSet("L1"), got)
}

func TestPendingLinksUsesUnionOfBatches(t *testing.T) {
	rows := summaries("L1", "L2", "L3", "L4")
	run1 := NewSet("L1")
	run2 := NewSet("L3")

	assert.Equal(t, NewSet("L2", "L4"), PendingLinks(rows, run1, run2))
}

func TestScrapeResumeScenario(t *testing.T) {
	rows := summaries("L1", "L2", "L3")
	details := NewSet("L1")

	pending := PendingSummaries(rows, details)
	assert.Equal(t, []string{"L2", "L3"}, links(pending))

	// L2 scraped, L3 timed out and was not recorded.
	details["L2"] = struct{}{}
	pending = PendingSummaries(rows, details)
	assert.Equal(t, []string{"L3"}, links(pending))

	// Idempotence once everything is detailed.
	details["L3"] = struct{}{}
	assert.Empty(t, PendingSummaries(rows, details))
}

func TestPendingSummariesKeepsOrderAndDedupes(t *testing.T) {
	rows := summaries("L3", "L1", "L3", "L2")
	assert.Equal(t, []string{"L3", "L1", "L2"}, links(PendingSummaries(rows)))
}

func TestPendingDetails(t *testing.T) {
	local := []domain.DetailRecord{
		{UID: "u1", Link: "L1"},
		{UID: "u2", Link: "L2"},
		{UID: "", Link: "L3"},
		{UID: "", Link: "L4"},
		{UID: "", Link: ""},
		{UID: "u2", Link: "L2"},
	}
	remoteUIDs := NewSet("u1")
	remoteLinks := NewSet("L4", "L2")

	got := PendingDetails(local, remoteUIDs, remoteLinks)
	// u2 is pending by uid even though its link exists remotely; L3 is a legacy row.
	assert.Len(t, got, 2)
	assert.Equal(t, "u2", got[0].UID)
	assert.Equal(t, "L3", got[1].Link)
}

func TestDedupeByLink(t *testing.T) {
	rows := []domain.SummaryRecord{
		{Link: "a", Title: "first"},
		{Link: "b"},
		{Link: "a", Title: "second"},
		{Link: ""},
	}
	got := DedupeByLink(rows)
	assert.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Title)
}

func links(rows []domain.SummaryRecord) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Link)
	}
	return out
}
