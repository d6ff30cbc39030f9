package scanner

import (
	"testing"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/ports"
)

type stubStrategy struct{ name string }

func (s stubStrategy) Name() string { return s.name }

func (stubStrategy) PageURL(base string, _ int, _ Options) (string, error) { return base, nil }

func (stubStrategy) ParseList(*ports.Page, Options) ([]domain.SummaryRecord, error) {
	return nil, nil
}

func (stubStrategy) ParseDetail(*ports.Page, Options) (Detail, error) { return Detail{}, nil }

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(stubStrategy{name: "pbc"})

	got, err := reg.Resolve("pbc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Name() != "pbc" {
		t.Fatalf("unexpected strategy %s", got.Name())
	}
	if _, err := reg.Resolve("missing"); err == nil {
		t.Fatalf("expected error for unknown parser")
	}
}

func TestOptionsGet(t *testing.T) {
	t.Parallel()

	opts := Options{"list_rows": "ul li", "empty": ""}
	if opts.Get("list_rows", "x") != "ul li" {
		t.Fatalf("expected configured value")
	}
	if opts.Get("empty", "def") != "def" || opts.Get("absent", "def") != "def" {
		t.Fatalf("expected default value")
	}
	var none Options
	if none.Get("k", "d") != "d" {
		t.Fatalf("nil options should fall back")
	}
}
