package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"PenaltyScanner/internal/logging"
)

const defaultSnapshotEvery = 5

var unsafeRunID = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Snapshot records what one accumulation step wrote.
type Snapshot struct {
	Call       int
	Latest     string
	Cumulative string
}

// Accumulator keeps extraction results per run id. Each call rewrites latest_<run>.json with
// that call's items; every Nth call of an epoch also writes cumulative_<run>_<n>.json with
// everything gathered since the epoch started.
type Accumulator struct {
	dir    string
	every  int
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*epoch
}

type epoch struct {
	calls int
	items []Item
}

type snapshotFile struct {
	RunID       string    `json:"run_id"`
	Call        int       `json:"call"`
	Cumulative  bool      `json:"cumulative"`
	GeneratedAt time.Time `json:"generated_at"`
	Items       []Item    `json:"items"`
}

// NewAccumulator writes snapshots under dir. every <= 0 means every fifth call.
func NewAccumulator(dir string, every int, logger *slog.Logger) *Accumulator {
	if every <= 0 {
		every = defaultSnapshotEvery
	}
	return &Accumulator{
		dir:    dir,
		every:  every,
		now:    time.Now,
		logger: logging.OrDiscard(logger),
		runs:   make(map[string]*epoch),
	}
}

// Record adds one call's items to the run. A run id seen for the first time or reset starts a
// new epoch with the counter at one.
func (a *Accumulator) Record(runID string, reset bool, items []Item) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ep, ok := a.runs[runID]
	if !ok || reset {
		ep = &epoch{}
		a.runs[runID] = ep
	}
	ep.calls++
	ep.items = append(ep.items, items...)

	snap := Snapshot{Call: ep.calls}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return snap, fmt.Errorf("create snapshot dir: %w", err)
	}

	safe := unsafeRunID.ReplaceAllString(runID, "_")
	if safe == "" {
		safe = "default"
	}
	snap.Latest = filepath.Join(a.dir, fmt.Sprintf("latest_%s.json", safe))
	if err := a.write(snap.Latest, snapshotFile{RunID: runID, Call: ep.calls, Items: items}); err != nil {
		return snap, err
	}

	if ep.calls%a.every == 0 {
		snap.Cumulative = filepath.Join(a.dir, fmt.Sprintf("cumulative_%s_%d.json", safe, ep.calls))
		all := make([]Item, len(ep.items))
		copy(all, ep.items)
		if err := a.write(snap.Cumulative, snapshotFile{RunID: runID, Call: ep.calls, Cumulative: true, Items: all}); err != nil {
			return snap, err
		}
		a.logger.Info("cumulative snapshot written", "run", runID, "call", ep.calls, "items", len(all))
	}
	return snap, nil
}

// Items returns everything accumulated in the run's current epoch.
func (a *Accumulator) Items(runID string) []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	ep, ok := a.runs[runID]
	if !ok {
		return nil
	}
	out := make([]Item, len(ep.items))
	copy(out, ep.items)
	return out
}

// Calls returns the call counter of the run's current epoch.
func (a *Accumulator) Calls(runID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ep, ok := a.runs[runID]; ok {
		return ep.calls
	}
	return 0
}

// Dispose forgets a run. Snapshots already written stay on disk.
func (a *Accumulator) Dispose(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}

func (a *Accumulator) write(path string, snap snapshotFile) error {
	if snap.Items == nil {
		snap.Items = []Item{}
	}
	snap.GeneratedAt = a.now().UTC()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
