// Package postgres provides a PostgreSQL-backed chat log store for robots
// that report into a shared analytics database instead of a local file.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevil-robotics/nevil/internal/chatlog"
)

// Compile-time interface check.
var _ chatlog.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS chat_log (
    id              BIGSERIAL PRIMARY KEY,
    ts              TIMESTAMPTZ NOT NULL,
    conversation_id TEXT        NOT NULL,
    step            TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    duration_ms     BIGINT      NOT NULL,
    input_text      TEXT,
    output_text     TEXT,
    error           TEXT,
    metadata        JSONB
);
CREATE INDEX IF NOT EXISTS chat_log_conversation_idx ON chat_log (conversation_id, ts);
`

// Store persists chat log entries in PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the chat_log table
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("chatlog postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chatlog postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chatlog postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append inserts one entry.
func (s *Store) Append(ctx context.Context, e chatlog.Entry) error {
	var metadata []byte
	if e.Metadata != nil {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("chatlog postgres: marshal metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_log (ts, conversation_id, step, status, duration_ms, input_text, output_text, error, metadata)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.Timestamp, e.ConversationID, e.Step, e.Status, e.DurationMS,
		e.InputText, e.OutputText, e.Error, metadata,
	)
	if err != nil {
		return fmt.Errorf("chatlog postgres: insert: %w", err)
	}
	return nil
}

// Conversation returns all entries for one conversation, oldest first.
func (s *Store) Conversation(ctx context.Context, conversationID string) ([]chatlog.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, conversation_id, step, status, duration_ms,
		       COALESCE(input_text, ''), COALESCE(output_text, ''), COALESCE(error, ''), metadata
		FROM chat_log WHERE conversation_id = $1 ORDER BY ts`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatlog postgres: query: %w", err)
	}
	defer rows.Close()

	var out []chatlog.Entry
	for rows.Next() {
		var e chatlog.Entry
		var metadata []byte
		if err := rows.Scan(&e.Timestamp, &e.ConversationID, &e.Step, &e.Status,
			&e.DurationMS, &e.InputText, &e.OutputText, &e.Error, &metadata); err != nil {
			return nil, fmt.Errorf("chatlog postgres: scan: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("chatlog postgres: decode metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatlog postgres: rows: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
