package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

// PGStore archives final transcripts in a PostgreSQL table. All methods are
// safe for concurrent use; in practice only the Recorder goroutine writes.
type PGStore struct {
	pool *pgxpool.Pool
}

// schema creates the archive table on first start. Session IDs repeat across
// segments, so the primary key is (session_id, segment).
const schema = `
CREATE TABLE IF NOT EXISTS finals (
    session_id  text        NOT NULL,
    segment     integer     NOT NULL,
    wire        text        NOT NULL,
    text        text        NOT NULL,
    audio_secs  real        NOT NULL DEFAULT 0,
    created_at  timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, segment)
);
CREATE INDEX IF NOT EXISTS finals_created_at_idx ON finals (created_at);`

// NewPGStore connects to the database at dsn and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ensure schema: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

// WriteFinal implements Store. Re-sent segments (e.g. a client retry after a
// reconnect) overwrite rather than duplicate.
func (s *PGStore) WriteFinal(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO finals (session_id, segment, wire, text, audio_secs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, segment) DO UPDATE
		    SET text = EXCLUDED.text, audio_secs = EXCLUDED.audio_secs`

	_, err := s.pool.Exec(ctx, q, e.SessionID, e.Segment, e.Wire, e.Text, e.AudioSeconds, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("transcript store: write final: %w", err)
	}
	return nil
}

// Ping probes database connectivity; used by the readiness endpoint.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
