package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
)

// PostgresStore keeps session snapshots in the exam_session_snapshots table.
// Used when progress must survive a Redis flush.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get returns the snapshot of an attempt.
func (s *PostgresStore) Get(ctx context.Context, key examsession.AttemptKey) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM exam_session_snapshots WHERE student_id = $1 AND session_id = $2`,
		key.StudentID, key.SessionID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, examsession.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return payload, nil
}

// Set UPSERTs the snapshot.
func (s *PostgresStore) Set(ctx context.Context, key examsession.AttemptKey, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exam_session_snapshots (student_id, session_id, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (student_id, session_id) DO UPDATE
		 SET payload = EXCLUDED.payload, updated_at = NOW()`,
		key.StudentID, key.SessionID, value,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Remove deletes the snapshot.
func (s *PostgresStore) Remove(ctx context.Context, key examsession.AttemptKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM exam_session_snapshots WHERE student_id = $1 AND session_id = $2`,
		key.StudentID, key.SessionID,
	)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
