// Package reconcile computes which records still need processing by anti-joining the keys
// a producing store holds against the keys a consuming store already has.
package reconcile

import (
	"strings"

	"PenaltyScanner/internal/domain"
)

// Set is a membership set of keys.
type Set[K comparable] map[K]struct{}

// NewSet builds a set from keys.
func NewSet[K comparable](keys ...K) Set[K] {
	s := make(Set[K], len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set[K]) Has(k K) bool {
	_, ok := s[k]
	return ok
}

// Union adds every key of o into s and returns s.
func (s Set[K]) Union(o Set[K]) Set[K] {
	for k := range o {
		s[k] = struct{}{}
	}
	return s
}

// Pending returns local - remote.
func Pending[K comparable](local, remote Set[K]) Set[K] {
	out := make(Set[K])
	for k := range local {
		if _, ok := remote[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// KeySet collects the non-empty keys of items. Empty keys never take part in a join.
func KeySet[T any](items []T, key func(T) string) Set[string] {
	s := make(Set[string], len(items))
	for _, it := range items {
		if k := strings.TrimSpace(key(it)); k != "" {
			s[k] = struct{}{}
		}
	}
	return s
}

// PendingLinks is the scrape-time join: summary links with no detail yet.
// remote may be any number of historical batches; their union is the membership set.
func PendingLinks(summaries []domain.SummaryRecord, remote ...Set[string]) Set[string] {
	local := KeySet(summaries, func(s domain.SummaryRecord) string { return s.Link })
	seen := make(Set[string])
	for _, r := range remote {
		seen.Union(r)
	}
	return Pending(local, seen)
}

// PendingSummaries returns the summaries whose link is pending, in input order, once per link.
func PendingSummaries(summaries []domain.SummaryRecord, remote ...Set[string]) []domain.SummaryRecord {
	pending := PendingLinks(summaries, remote...)
	out := make([]domain.SummaryRecord, 0, len(pending))
	for _, s := range summaries {
		link := strings.TrimSpace(s.Link)
		if !pending.Has(link) {
			continue
		}
		delete(pending, link)
		out = append(out, s)
	}
	return out
}

// PendingDetails is the publish-time join. A detail is pending unless the remote store has its
// uid; legacy rows without a uid are matched on link instead. Rows with neither key are skipped.
func PendingDetails(local []domain.DetailRecord, remoteUIDs, remoteLinks Set[string]) []domain.DetailRecord {
	out := make([]domain.DetailRecord, 0)
	emitted := make(Set[string])
	for _, d := range local {
		uid := strings.TrimSpace(d.UID)
		link := strings.TrimSpace(d.Link)
		switch {
		case uid != "":
			if remoteUIDs.Has(uid) || emitted.Has("uid:"+uid) {
				continue
			}
			emitted["uid:"+uid] = struct{}{}
		case link != "":
			if remoteLinks.Has(link) || emitted.Has("link:"+link) {
				continue
			}
			emitted["link:"+link] = struct{}{}
		default:
			continue
		}
		out = append(out, d)
	}
	return out
}

// DedupeByLink keeps the first summary per link and drops rows without one.
func DedupeByLink(rows []domain.SummaryRecord) []domain.SummaryRecord {
	seen := make(Set[string], len(rows))
	out := make([]domain.SummaryRecord, 0, len(rows))
	for _, r := range rows {
		link := strings.TrimSpace(r.Link)
		if link == "" || seen.Has(link) {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, r)
	}
	return out
}
