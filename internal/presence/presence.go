// Package presence records which users currently have a live event stream,
// so callers can tell whether the other side is reachable.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// Presence is the record kept for a reachable user.
type Presence struct {
	UserID      uuid.UUID `json:"user_id"`
	Node        string    `json:"node"`
	// ConnectedAt is when the user's runtime started. Heartbeats keep it.
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Manager handles presence records in valkey
type Manager struct {
	client valkey.Client
	node   string
	ttl    time.Duration
}

// NewManager creates a presence manager. Records expire after ttl unless
// refreshed.
func NewManager(client valkey.Client, node string, ttl time.Duration) *Manager {
	return &Manager{
		client: client,
		node:   node,
		ttl:    ttl,
	}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID.String())
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// MarkReachable stores a fresh presence record for userID.
func (m *Manager) MarkReachable(ctx context.Context, userID uuid.UUID) error {
	now := time.Now()
	p := Presence{
		UserID:      userID,
		Node:        m.node,
		ConnectedAt: now,
		LastSeen:    now,
	}
	return m.write(ctx, p)
}

func (m *Manager) write(ctx context.Context, p Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	setCmd := m.client.B().Set().
		Key(presenceKey(p.UserID)).
		Value(string(data)).
		ExSeconds(ttlSeconds(m.ttl)).
		Build()

	if err := m.client.Do(ctx, setCmd).Error(); err != nil {
		return fmt.Errorf("failed to write presence: %w", err)
	}

	return nil
}

// Get returns the presence record of userID, or nil when unreachable.
func (m *Manager) Get(ctx context.Context, userID uuid.UUID) (*Presence, error) {
	getCmd := m.client.B().Get().Key(presenceKey(userID)).Build()

	result := m.client.Do(ctx, getCmd)
	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	data, err := result.ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to parse presence data: %w", err)
	}

	var p Presence
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}

	return &p, nil
}

// Refresh bumps LastSeen and resets the expiry. A record that already
// expired is recreated.
func (m *Manager) Refresh(ctx context.Context, userID uuid.UUID) error {
	p, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return m.MarkReachable(ctx, userID)
	}

	p.LastSeen = time.Now()
	return m.write(ctx, *p)
}

// MarkUnreachable removes the presence record of userID
func (m *Manager) MarkUnreachable(ctx context.Context, userID uuid.UUID) error {
	delCmd := m.client.B().Del().Key(presenceKey(userID)).Build()

	if err := m.client.Do(ctx, delCmd).Error(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	return nil
}

// IsReachable reports whether userID has an unexpired presence record.
func (m *Manager) IsReachable(ctx context.Context, userID uuid.UUID) (bool, error) {
	existsCmd := m.client.B().Exists().Key(presenceKey(userID)).Build()

	// returns the number of keys that exist
	n, err := m.client.Do(ctx, existsCmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}

	return n == 1, nil
}
