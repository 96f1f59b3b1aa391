package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

// InsertSignal appends a signal to the log. Inserting the same message id
// twice is a no-op, so a retried dispatch does not duplicate rows.
func (s *PostgresStore) InsertSignal(ctx context.Context, msg *calls.SignalMessage) error {
	query := `
		INSERT INTO signal_messages (
			id, call_id, from_user_id, to_user_id, type, payload, reason, thread_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	var payload []byte
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}

	_, err := s.db.Exec(ctx, query,
		msg.ID,
		msg.CallID,
		msg.FromUserID,
		msg.ToUserID,
		string(msg.Type),
		payload,
		msg.Reason,
		msg.ThreadID,
		msg.CreatedAt,
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return nil
}

// ListSignalsSince returns signals addressed to userID created at or after since,
// oldest first.
func (s *PostgresStore) ListSignalsSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]calls.SignalMessage, error) {
	query := `
		SELECT id, call_id, from_user_id, to_user_id, type, payload, reason, thread_id, created_at
		FROM signal_messages
		WHERE to_user_id = $1 AND created_at >= $2
		ORDER BY created_at, id
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	signals := []calls.SignalMessage{}
	for rows.Next() {
		var (
			msg     calls.SignalMessage
			typ     string
			payload []byte
		)
		err := rows.Scan(
			&msg.ID,
			&msg.CallID,
			&msg.FromUserID,
			&msg.ToUserID,
			&typ,
			&payload,
			&msg.Reason,
			&msg.ThreadID,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		msg.Type = calls.SignalType(typ)
		msg.Payload = payload
		signals = append(signals, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}

// PruneSignals deletes log rows older than cutoff.
func (s *PostgresStore) PruneSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(ctx, `DELETE FROM signal_messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune signals: %w", err)
	}
	return result.RowsAffected(), nil
}
