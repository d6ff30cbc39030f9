package scanner

import (
	"fmt"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/ports"
)

// Options carries per-region selector overrides from config.
type Options map[string]string

// Get returns the option value or def when unset.
func (o Options) Get(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Detail is what a detail page yields. Any combination of attachments and text is valid,
// including neither.
type Detail struct {
	Attachments []domain.AttachmentDescriptor
	Text        string
	Meaningful  bool
}

// Strategy knows the page layout of one family of disclosure portals.
type Strategy interface {
	Name() string
	PageURL(base string, page int, opts Options) (string, error)
	ParseList(page *ports.Page, opts Options) ([]domain.SummaryRecord, error)
	ParseDetail(page *ports.Page, opts Options) (Detail, error)
}

// Registry keeps a mapping from strategy names to their implementations.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: map[string]Strategy{}}
}

// Register adds or replaces a strategy implementation.
func (r *Registry) Register(strategy Strategy) {
	if r.strategies == nil {
		r.strategies = map[string]Strategy{}
	}
	r.strategies[strategy.Name()] = strategy
}

// Resolve returns a strategy by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Strategy, error) {
	if strategy, ok := r.strategies[name]; ok {
		return strategy, nil
	}
	return nil, fmt.Errorf("parser %s is not registered", name)
}
