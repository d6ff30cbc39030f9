package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const sourcesFile = ".sources.json"

// Resolution is where a download should land, or that it should be skipped.
type Resolution struct {
	Path string
	Skip bool
}

// Sources remembers which URL each file in a directory came from, in a .sources.json sidecar.
// A name is claimed as soon as it is resolved, so concurrent downloads of different sources
// with the same name get different paths.
type Sources struct {
	mu sync.Mutex
}

// NewSources builds a provenance tracker.
func NewSources() *Sources {
	return &Sources{}
}

// Resolve applies the duplicate-name policy for name in dir:
//   - force: the plain name is claimed and overwritten.
//   - the file exists and came from sourceURL (or its origin is unknown): skip.
//   - the name belongs to a different source: the first free "name (n).ext" is used.
func (s *Sources) Resolve(dir, name, sourceURL string, force bool) (Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Resolution{}, fmt.Errorf("resolve destination: empty file name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Resolution{}, fmt.Errorf("create %s: %w", dir, err)
	}
	ledger, err := loadLedger(dir)
	if err != nil {
		return Resolution{}, err
	}

	if force {
		ledger[name] = sourceURL
		if err := saveLedger(dir, ledger); err != nil {
			return Resolution{}, err
		}
		return Resolution{Path: filepath.Join(dir, name)}, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(dir, candidate)
		exists := fileExists(path)
		owner, claimed := ledger[candidate]

		switch {
		case !claimed && !exists:
			ledger[candidate] = sourceURL
			if err := saveLedger(dir, ledger); err != nil {
				return Resolution{}, err
			}
			return Resolution{Path: path}, nil
		case claimed && owner == sourceURL:
			return Resolution{Path: path, Skip: exists}, nil
		case !claimed && exists:
			return Resolution{Path: path, Skip: true}, nil
		}
	}
}

// Source returns the recorded origin of a file name.
func (s *Sources) Source(dir, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, err := loadLedger(dir)
	if err != nil {
		return "", false
	}
	src, ok := ledger[name]
	return src, ok
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func loadLedger(dir string) (map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, sourcesFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	ledger := map[string]string{}
	if len(raw) == 0 {
		return ledger, nil
	}
	if err := json.Unmarshal(raw, &ledger); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return ledger, nil
}

func saveLedger(dir string, ledger map[string]string) error {
	raw, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	tmp := filepath.Join(dir, sourcesFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, sourcesFile)); err != nil {
		return fmt.Errorf("replace sources: %w", err)
	}
	return nil
}
