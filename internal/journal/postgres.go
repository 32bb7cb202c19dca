package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRecorder persists journal entries to a Postgres table, allowing
// multiple gateway replicas to share one ingest history.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder opens a Postgres-backed recorder using the provided DSN.
func NewPostgresRecorder(dsn string) (*PostgresRecorder, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres journal dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres journal config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal pool: %w", err)
	}
	return &PostgresRecorder{pool: pool}, nil
}

// EnsureSchema creates the journal table when it does not exist yet.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres journal pool not configured")
	}
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ingest_journal (
    id UUID PRIMARY KEY,
    stream_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    event TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ingest_journal_stream_idx ON ingest_journal (stream_id, created_at DESC);
CREATE INDEX IF NOT EXISTS ingest_journal_created_idx ON ingest_journal (created_at);
`)
	return err
}

// Close releases the Postgres connection pool resources.
func (r *PostgresRecorder) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Append inserts the entry, assigning an ID and timestamp when absent.
func (r *PostgresRecorder) Append(ctx context.Context, entry Entry) error {
	if r.pool == nil {
		return fmt.Errorf("postgres journal pool not configured")
	}
	if entry.Event == "" {
		return fmt.Errorf("journal event is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO ingest_journal (id, stream_id, client_id, event, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, entry.ID, entry.StreamID, entry.ClientID, string(entry.Event), entry.Detail, entry.CreatedAt.UTC())
	return err
}

// List returns entries newest first, optionally filtered by stream ID.
func (r *PostgresRecorder) List(ctx context.Context, streamID string, limit int) ([]Entry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres journal pool not configured")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, stream_id, client_id, event, detail, created_at
FROM ingest_journal
WHERE ($1 = '' OR stream_id = $1)
ORDER BY created_at DESC
LIMIT $2
`, streamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var event string
		if err := rows.Scan(&entry.ID, &entry.StreamID, &entry.ClientID, &event, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Event = Event(event)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries created before the cutoff and reports how many rows
// were removed.
func (r *PostgresRecorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres journal pool not configured")
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM ingest_journal WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping verifies database connectivity.
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres journal pool not configured")
	}
	return r.pool.Ping(ctx)
}
