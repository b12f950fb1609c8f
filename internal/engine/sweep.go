package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castore/castore/internal/meta"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper reclaims state abandoned by crashed or disconnected writers:
// locks whose lease expired, and blocks stuck in UPLOADING past the lease.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper over the engine's stores. An interval of
// zero selects DefaultSweepInterval.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps periodically until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// SweepOnce performs one pass: expired locks are deleted, and stale
// UPLOADING blocks are resolved by their reference count. A stale block
// that gained references crashed between reference insert and going
// ONLINE, so it is promoted; one with no references is an orphan and is
// removed along with its bytes.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	e := s.engine
	now := time.Now().UTC()

	locks, err := e.meta.SweepExpiredLocks(ctx, now)
	if err != nil {
		return fmt.Errorf("sweep locks: %w", err)
	}
	if locks > 0 {
		log.Info().Int64("count", locks).Msg("Removed expired locks")
	}

	stale, err := e.meta.StaleUploading(ctx, now.Add(-e.lockLease))
	if err != nil {
		return fmt.Errorf("find stale uploading blocks: %w", err)
	}

	for _, id := range stale {
		n, err := e.meta.CountBlockReferences(ctx, id)
		if err != nil {
			return fmt.Errorf("count references: %w", err)
		}

		if n > 0 {
			// Writer died after recording references. Finish the job.
			ok, err := e.meta.TransitionBlock(ctx, id, meta.StatusUploading, meta.StatusOnline)
			if err != nil {
				return fmt.Errorf("promote stale block: %w", err)
			}
			if ok {
				log.Info().Stringer("block", id).Msg("Promoted abandoned block to online")
			}
			continue
		}

		ok, err := e.meta.TransitionBlock(ctx, id, meta.StatusUploading, meta.StatusRemoving)
		if err != nil {
			return fmt.Errorf("mark orphan block removing: %w", err)
		}
		if !ok {
			// A live writer got there first.
			continue
		}
		if err := e.blobs.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete orphan blob: %w", err)
		}
		if err := e.meta.DeleteBlockStatus(ctx, id); err != nil {
			return fmt.Errorf("delete orphan block status: %w", err)
		}
		log.Info().Stringer("block", id).Msg("Removed orphaned uploading block")
	}

	return nil
}
