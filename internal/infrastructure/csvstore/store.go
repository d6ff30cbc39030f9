// Package csvstore keeps the flat-file record corpus: one CSV file per write batch, read back
// by kind and filename prefix.
package csvstore

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Store implements ports.RecordStore over a directory of CSV files named <kind>_<name>.csv.
type Store struct {
	dir    string
	cache  *lru.Cache
	ttl    time.Duration
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

var _ ports.RecordStore = (*Store)(nil)

type cacheEntry struct {
	signature string
	loadedAt  time.Time
	rows      []domain.Row
}

// Options tunes the load cache.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// New opens (and creates if needed) a corpus directory.
func New(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("csvstore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create corpus dir: %w", err)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Store{
		dir:    dir,
		cache:  cache,
		ttl:    opts.CacheTTL,
		logger: logging.OrDiscard(opts.Logger),
		now:    time.Now,
	}, nil
}

// Dir returns the corpus directory.
func (s *Store) Dir() string {
	return s.dir
}

// LoadByPrefix reads every <kind>_<prefix>*.csv file in lexical order and concatenates the rows.
// Unreadable files are logged and skipped.
func (s *Store) LoadByPrefix(ctx context.Context, kind domain.RecordKind, prefix string) ([]domain.Row, error) {
	pattern := filepath.Join(s.dir, fileName(kind, prefix)+"*.csv")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(files)

	key := string(kind) + "|" + prefix
	sig := signature(files)
	if cached, ok := s.cache.Get(key); ok {
		entry := cached.(cacheEntry)
		fresh := s.ttl <= 0 || s.now().Sub(entry.loadedAt) < s.ttl
		if entry.signature == sig && fresh {
			return append([]domain.Row(nil), entry.rows...), nil
		}
	}

	var rows []domain.Row
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fileRows, err := readFile(f)
		if err != nil {
			s.logger.Warn("skip unreadable corpus file", "file", f, "error", domain.NewError(domain.KindLocalIO, "read", err))
			continue
		}
		rows = append(rows, fileRows...)
	}

	s.cache.Add(key, cacheEntry{signature: sig, loadedAt: s.now(), rows: rows})
	return append([]domain.Row(nil), rows...), nil
}

// Append writes rows to <kind>_<name>.csv, creating it with a header when new.
func (s *Store) Append(ctx context.Context, kind domain.RecordKind, name string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	header := domain.Columns(kind)
	if header == nil {
		return fmt.Errorf("csvstore: unknown record kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fileName(kind, name)+".csv")
	if err := ensureHeader(path, header); err != nil {
		return fmt.Errorf("prepare %s: %w", path, err)
	}
	if err := appendRows(path, rows); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	s.invalidate(kind)
	return nil
}

func (s *Store) invalidate(kind domain.RecordKind) {
	for _, k := range s.cache.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, string(kind)+"|") {
			s.cache.Remove(k)
		}
	}
}

func fileName(kind domain.RecordKind, name string) string {
	if name == "" {
		return string(kind)
	}
	return string(kind) + "_" + name
}

func signature(files []string) string {
	var b strings.Builder
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s:%d:%d;", filepath.Base(f), fi.Size(), fi.ModTime().UnixNano())
	}
	return b.String()
}

func readFile(path string) ([]domain.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if first, _ := br.Peek(3); len(first) == 3 && first[0] == utf8BOM[0] && first[1] == utf8BOM[1] && first[2] == utf8BOM[2] {
		_, _ = br.Discard(3)
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []domain.Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read record: %w", err)
		}
		row := make(domain.Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func ensureHeader(path string, header []string) error {
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(utf8BOM); err != nil {
		f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func appendRows(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<16)
	w := csv.NewWriter(bw)
	for _, rec := range rows {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
