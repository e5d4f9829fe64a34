package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/store"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ScoreStore is the slice of the store the isolation job needs.
type ScoreStore interface {
	ListBeacons(ctx context.Context, f store.BeaconFilter) ([]domain.Beacon, error)
	SetIsolationScore(ctx context.Context, id uuid.UUID, score float64) error
}

// IsolationJob scores active flagged beacons that have no isolation score yet.
// It runs beside the coordinator and never blocks a sync cycle.
type IsolationJob struct {
	store  ScoreStore
	scorer domain.IsolationScorer
	clock  clockwork.Clock
	logger *slog.Logger
	batch  int
}

// NewIsolationJob creates an IsolationJob scoring at most batch beacons per run.
func NewIsolationJob(s ScoreStore, scorer domain.IsolationScorer, clock clockwork.Clock, logger *slog.Logger, batch int) *IsolationJob {
	return &IsolationJob{store: s, scorer: scorer, clock: clock, logger: logger, batch: batch}
}

// RunOnce scores one batch. A failed lookup leaves the beacon unscored so a
// later run retries it; only context cancellation and store errors abort.
func (j *IsolationJob) RunOnce(ctx context.Context) (int, error) {
	pending, err := j.store.ListBeacons(ctx, store.BeaconFilter{
		ActiveOnly:  true,
		FlaggedOnly: true,
		Unscored:    true,
		Limit:       j.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list unscored beacons: %w", err)
	}

	scored := 0
	for _, b := range pending {
		if err := ctx.Err(); err != nil {
			return scored, err
		}
		score, err := j.scorer.IsolationScore(ctx, b.Lat, b.Lng)
		if err != nil {
			j.logger.Warn("isolation score unavailable", "beacon_id", b.ID, "source", b.Source, "error", err)
			continue
		}
		if err := j.store.SetIsolationScore(ctx, b.ID, score); err != nil {
			return scored, fmt.Errorf("store isolation score: %w", err)
		}
		scored++
	}

	if len(pending) > 0 {
		j.logger.Info("isolation prefetch completed", "pending", len(pending), "scored", scored)
	}
	return scored, nil
}

// Run calls RunOnce immediately and then every interval until ctx is cancelled.
func (j *IsolationJob) Run(ctx context.Context, interval time.Duration) {
	ticker := j.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("isolation prefetch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
