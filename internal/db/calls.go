package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rx3lixir/callcore/internal/calls"
)

const uniqueViolation = "23505"

// CreateCall inserts a new call record. A second open call between the
// same two users violates call_sessions_open_pair and yields calls.ErrConflict.
func (s *PostgresStore) CreateCall(ctx context.Context, session *calls.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			id, caller_id, callee_id, thread_id, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	_, err := s.db.Exec(ctx, query,
		session.ID,
		session.CallerID,
		session.CalleeID,
		nullableText(session.ThreadID),
		string(session.Status),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s and %s", calls.ErrConflict, session.CallerID, session.CalleeID)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// UpdateCallStatus moves an open call to status. Terminal records are never
// touched; updating one, or a missing one, yields calls.ErrNotFound.
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID uuid.UUID, status calls.Status, endedAt *time.Time) error {
	query := `
		UPDATE call_sessions
		SET
			status = $2,
			updated_at = GREATEST(updated_at, $3),
			ended_at = COALESCE($4, ended_at)
		WHERE id = $1
		  AND status IN ('dialing', 'ringing', 'accepted', 'active')
	`

	result, err := s.db.Exec(ctx, query, callID, string(status), s.now(), endedAt)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("call %s: %w", callID, calls.ErrNotFound)
	}

	return nil
}

// GetCall retrieves a call record by ID
func (s *PostgresStore) GetCall(ctx context.Context, id uuid.UUID) (*calls.CallSession, error) {
	query := `
		SELECT id, caller_id, callee_id, thread_id, status, created_at, updated_at, ended_at
		FROM call_sessions
		WHERE id = $1
	`

	var (
		session  calls.CallSession
		threadID *string
		status   string
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.CallerID,
		&session.CalleeID,
		&threadID,
		&status,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("call %s: %w", id, calls.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	if threadID != nil {
		session.ThreadID = *threadID
	}
	session.Status = calls.Status(status)

	return &session, nil
}

// CountCallsByStatus reports how many call records are in each status.
func (s *PostgresStore) CountCallsByStatus(ctx context.Context) (map[calls.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM call_sessions GROUP BY status`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count calls: %w", err)
	}
	defer rows.Close()

	counts := make(map[calls.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan call count: %w", err)
		}
		counts[calls.Status(status)] = n
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call counts: %w", err)
	}

	return counts, nil
}

// ExpireStaleCalls times out calls left dialing or ringing since before
// cutoff, which happens when both ends vanished without hanging up.
func (s *PostgresStore) ExpireStaleCalls(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE call_sessions
		SET status = 'timed_out', updated_at = $2, ended_at = $2
		WHERE status IN ('dialing', 'ringing')
		  AND updated_at < $1
	`

	result, err := s.db.Exec(ctx, query, cutoff, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale calls: %w", err)
	}

	return result.RowsAffected(), nil
}

// ListStaleConnectedCalls returns accepted or active calls not updated since
// cutoff. Such a call is only still open if both participants kept the
// runtime that accepted it.
func (s *PostgresStore) ListStaleConnectedCalls(ctx context.Context, cutoff time.Time) ([]calls.CallSession, error) {
	query := `
		SELECT id, caller_id, callee_id, thread_id, status, created_at, updated_at
		FROM call_sessions
		WHERE status IN ('accepted', 'active')
		  AND updated_at < $1
		ORDER BY updated_at
	`

	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected calls: %w", err)
	}
	defer rows.Close()

	var out []calls.CallSession
	for rows.Next() {
		var (
			session  calls.CallSession
			threadID *string
			status   string
		)
		if err := rows.Scan(
			&session.ID,
			&session.CallerID,
			&session.CalleeID,
			&threadID,
			&status,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		if threadID != nil {
			session.ThreadID = *threadID
		}
		session.Status = calls.Status(status)
		out = append(out, session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return out, nil
}

// FailOrphanedCall fails an accepted or active call that has not been
// updated since cutoff. It reports false when the call moved on meanwhile.
func (s *PostgresStore) FailOrphanedCall(ctx context.Context, callID uuid.UUID, cutoff time.Time) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = 'failed', updated_at = $3, ended_at = $3
		WHERE id = $1
		  AND status IN ('accepted', 'active')
		  AND updated_at < $2
	`

	result, err := s.db.Exec(ctx, query, callID, cutoff, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to fail orphaned call: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
