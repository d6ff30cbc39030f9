package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/ports"
)

const defaultTable = "penalty_documents"

// insertChunk bounds the number of rows in one multi-values INSERT.
const insertChunk = 500

// PostgresDocuments persists published penalty documents into a Postgres JSONB table.
type PostgresDocuments struct {
	db    *sql.DB
	table string
	psql  sq.StatementBuilderType
}

var _ ports.DocumentStore = (*PostgresDocuments)(nil)

// Open connects to Postgres using the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open document store: empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping", err)
	}
	return db, nil
}

// NewPostgresDocuments wires a sql.DB implementation. An empty table name selects penalty_documents.
func NewPostgresDocuments(db *sql.DB, table string) *PostgresDocuments {
	if table == "" {
		table = defaultTable
	}
	return &PostgresDocuments{
		db:    db,
		table: table,
		psql:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// EnsureSchema creates the documents table when missing.
func (r *PostgresDocuments) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	uid        TEXT PRIMARY KEY,
	link       TEXT NOT NULL DEFAULT '',
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, pq.QuoteIdentifier(r.table))
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

// ExistingKeys returns every non-empty value of keyField (uid or link) already stored.
func (r *PostgresDocuments) ExistingKeys(ctx context.Context, keyField string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if r.db == nil {
		return result, nil
	}

	query, args, err := r.existingKeysQuery(keyField)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query existing keys", err)
	}

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan key: %w", err)
		}
		result[key] = struct{}{}
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return result, nil
}

// InsertMany inserts documents, ignoring uids already present, and returns the number inserted.
// Documents without a uid are rejected before any write.
func (r *PostgresDocuments) InsertMany(ctx context.Context, docs []domain.Document) (int, error) {
	if r.db == nil || len(docs) == 0 {
		return 0, nil
	}
	for _, d := range docs {
		if strings.TrimSpace(d.UID) == "" {
			return 0, fmt.Errorf("insert documents: document for %q has no uid", d.Link)
		}
	}

	inserted := 0
	for start := 0; start < len(docs); start += insertChunk {
		end := start + insertChunk
		if end > len(docs) {
			end = len(docs)
		}
		query, args, err := r.insertQuery(docs[start:end])
		if err != nil {
			return inserted, err
		}
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, classify("insert documents", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// Count returns the number of stored documents.
func (r *PostgresDocuments) Count(ctx context.Context) (int, error) {
	if r.db == nil {
		return 0, nil
	}
	query, args, err := r.psql.Select("COUNT(*)").From(r.table).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("count documents", err)
	}
	return n, nil
}

func (r *PostgresDocuments) existingKeysQuery(keyField string) (string, []interface{}, error) {
	col, err := keyColumn(keyField)
	if err != nil {
		return "", nil, err
	}
	query, args, err := r.psql.
		Select(col).
		Distinct().
		From(r.table).
		Where(sq.And{sq.NotEq{col: nil}, sq.NotEq{col: ""}}).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build existing keys: %w", err)
	}
	return query, args, nil
}

func (r *PostgresDocuments) insertQuery(docs []domain.Document) (string, []interface{}, error) {
	b := r.psql.Insert(r.table).Columns("uid", "link", "body")
	for _, d := range docs {
		body, err := json.Marshal(d)
		if err != nil {
			return "", nil, fmt.Errorf("encode document %s: %w", d.UID, err)
		}
		b = b.Values(d.UID, d.Link, string(body))
	}
	query, args, err := b.Suffix("ON CONFLICT (uid) DO NOTHING").ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build insert: %w", err)
	}
	return query, args, nil
}

func keyColumn(keyField string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(keyField)) {
	case "uid":
		return "uid", nil
	case "link":
		return "link", nil
	default:
		return "", fmt.Errorf("unsupported key field %q", keyField)
	}
}

// classify marks connection-level failures as transient so callers can tell an unreachable
// store from a rejected statement.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if strings.HasPrefix(string(pqErr.Code), "08") {
			return domain.NewError(domain.KindTransientNetwork, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTransientNetwork, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.NewError(domain.KindTransientNetwork, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
