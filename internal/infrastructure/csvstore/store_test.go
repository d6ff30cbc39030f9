package csvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PenaltyScanner/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), Options{CacheSize: 4, CacheTTL: time.Minute})
	require.NoError(t, err)
	return s
}

func TestAppendAndLoadByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first := domain.SummaryRecord{Title: "罚款决定, 一", Link: "http://a/1", Region: "beijing"}
	second := domain.SummaryRecord{Title: "二", Link: "http://a/2", Region: "beijing"}
	other := domain.SummaryRecord{Title: "三", Link: "http://b/3", Region: "tianjin"}

	require.NoError(t, s.Append(ctx, domain.KindSummary, "beijing_20240101", [][]string{first.Values()}))
	require.NoError(t, s.Append(ctx, domain.KindSummary, "beijing_20240102", [][]string{second.Values()}))
	require.NoError(t, s.Append(ctx, domain.KindSummary, "tianjin_20240102", [][]string{other.Values()}))

	rows, err := s.LoadByPrefix(ctx, domain.KindSummary, "beijing")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first, domain.SummaryFromRow(rows[0]))
	assert.Equal(t, second, domain.SummaryFromRow(rows[1]))

	all, err := s.LoadByPrefix(ctx, domain.KindSummary, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	d := domain.DetailRecord{EntityName: "某公司", Link: "http://a/1", UID: "u1"}
	require.NoError(t, s.Append(ctx, domain.KindDetail, "batch", [][]string{d.Values()}))
	require.NoError(t, s.Append(ctx, domain.KindDetail, "batch", [][]string{d.Values()}))

	raw, err := os.ReadFile(filepath.Join(s.Dir(), "detail_batch.csv"))
	require.NoError(t, err)
	assert.Equal(t, utf8BOM, raw[:3])

	rows, err := s.LoadByPrefix(ctx, domain.KindDetail, "batch")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "u1", rows[1].Get("uid"))
}

func TestLoadSeesNewFilesDespiteCache(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Append(ctx, domain.KindFreeText, "r_1", [][]string{{"l1", "r", "text"}}))
	rows, err := s.LoadByPrefix(ctx, domain.KindFreeText, "r")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Written behind the store's back: the file-set signature changes.
	path := filepath.Join(s.Dir(), "freetext_r_2.csv")
	require.NoError(t, os.WriteFile(path, []byte("link,region,text\nl2,r,more\n"), 0o644))

	rows, err = s.LoadByPrefix(ctx, domain.KindFreeText, "r")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLoadSkipsUnreadableFile(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Append(ctx, domain.KindVisited, "x_1", [][]string{{"l1", "x", "now"}}))
	// A directory matching the glob cannot be read as a file.
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "visited_x_2.csv"), 0o755))

	rows, err := s.LoadByPrefix(ctx, domain.KindVisited, "x")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAppendUnknownKind(t *testing.T) {
	s := newStore(t)
	err := s.Append(context.Background(), domain.RecordKind("bogus"), "n", [][]string{{"a"}})
	assert.Error(t, err)
}
