package main

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/presence"
)

// sweepStore is the maintenance side of the call record store.
type sweepStore interface {
	ExpireStaleCalls(ctx context.Context, cutoff time.Time) (int64, error)
	ListStaleConnectedCalls(ctx context.Context, cutoff time.Time) ([]calls.CallSession, error)
	FailOrphanedCall(ctx context.Context, callID uuid.UUID, cutoff time.Time) (bool, error)
	PruneSignals(ctx context.Context, cutoff time.Time) (int64, error)
}

type presenceLookup interface {
	Get(ctx context.Context, userID uuid.UUID) (*presence.Presence, error)
}

// sweeper times out call records whose participants vanished, fails
// connected calls whose runtime is gone and trims the signal log.
type sweeper struct {
	store      sweepStore
	presence   presenceLookup
	staleAfter time.Duration
	logTTL     time.Duration
	logger     *log.Logger
	now        func() time.Time
}

func (s *sweeper) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	now := s.now()
	cutoff := now.Add(-s.staleAfter)

	expired, err := s.store.ExpireStaleCalls(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to expire stale calls", "error", err)
	} else if expired > 0 {
		s.logger.Info("Expired stale calls", "count", expired)
	}

	s.releaseOrphans(ctx, cutoff)

	pruned, err := s.store.PruneSignals(ctx, now.Add(-s.logTTL))
	if err != nil {
		s.logger.Error("Failed to prune signal log", "error", err)
	} else if pruned > 0 {
		s.logger.Debug("Pruned signal log", "count", pruned)
	}
}

// releaseOrphans fails accepted or active calls that no runtime holds any
// more. A runtime hangs up its calls when it stops, so a participant who is
// gone, or who connected after the call last changed, means the call was
// lost with a crashed process.
func (s *sweeper) releaseOrphans(ctx context.Context, cutoff time.Time) {
	if s.presence == nil {
		return
	}

	open, err := s.store.ListStaleConnectedCalls(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to list connected calls", "error", err)
		return
	}

	for _, session := range open {
		orphaned, err := s.orphaned(ctx, session)
		if err != nil {
			s.logger.Warn("Failed to check call participants", "call_id", session.ID, "error", err)
			continue
		}
		if !orphaned {
			continue
		}

		failed, err := s.store.FailOrphanedCall(ctx, session.ID, cutoff)
		if err != nil {
			s.logger.Error("Failed to release orphaned call", "call_id", session.ID, "error", err)
			continue
		}
		if failed {
			s.logger.Info("Released orphaned call", "call_id", session.ID, "status", session.Status)
		}
	}
}

func (s *sweeper) orphaned(ctx context.Context, session calls.CallSession) (bool, error) {
	for _, id := range []uuid.UUID{session.CallerID, session.CalleeID} {
		p, err := s.presence.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if p == nil || p.ConnectedAt.After(session.UpdatedAt) {
			return true, nil
		}
	}
	return false, nil
}
