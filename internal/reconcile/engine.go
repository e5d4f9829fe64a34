// Package reconcile aligns the persisted beacon set of a source with the
// contents of its latest feed snapshot.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Tx is the unit of work a reconciliation runs inside. All calls made on one
// Tx commit or roll back together.
type Tx interface {
	// ActiveBeacons returns the active beacons of a source, oldest first.
	ActiveBeacons(ctx context.Context, source domain.Source) ([]domain.Beacon, error)
	InsertBeacons(ctx context.Context, beacons []domain.Beacon) error
	UpdateBeacon(ctx context.Context, beacon domain.Beacon) error
	DeactivateBeacons(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Store opens units of work. WithinTx commits when fn returns nil and rolls
// back otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Outcome is what one committed reconciliation did.
type Outcome struct {
	Counts      domain.SyncCounts
	Created     []domain.Beacon
	Updated     []domain.Beacon
	Deactivated []domain.Beacon
}

// Changes flattens the outcome into lifecycle transitions for publishing.
func (o Outcome) Changes(at time.Time) []domain.BeaconChange {
	changes := make([]domain.BeaconChange, 0, len(o.Created)+len(o.Deactivated))
	for _, b := range o.Created {
		changes = append(changes, domain.BeaconChange{
			Kind: domain.ChangeCreated, Beacon: b, Flagged: domain.IsFlaggedIncident(b.Record), OccurredAt: at,
		})
	}
	for _, b := range o.Deactivated {
		changes = append(changes, domain.BeaconChange{
			Kind: domain.ChangeDeactivated, Beacon: b, Flagged: domain.IsFlaggedIncident(b.Record), OccurredAt: at,
		})
	}
	return changes
}

// Option configures an Engine.
type Option func(*Engine)

// WithSkipUnchanged makes matches whose content did not change count as
// unchanged instead of updated. Their rows, including updated_at, are left alone.
func WithSkipUnchanged(skip bool) Option {
	return func(e *Engine) { e.skipUnchanged = skip }
}

// WithIDGenerator overrides how new beacon ids are minted.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(e *Engine) { e.newID = gen }
}

// Engine applies feed snapshots to the store.
type Engine struct {
	store         Store
	clock         clockwork.Clock
	logger        *slog.Logger
	skipUnchanged bool
	newID         func() uuid.UUID
}

// NewEngine creates an Engine writing through store.
func NewEngine(store Store, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		clock:  clock,
		logger: logger,
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile makes the active beacons of source match records, in a single
// transaction. On error nothing is written and the outcome is empty.
func (e *Engine) Reconcile(ctx context.Context, source domain.Source, records []domain.Record) (Outcome, error) {
	var out Outcome

	err := e.store.WithinTx(ctx, func(tx Tx) error {
		active, err := tx.ActiveBeacons(ctx, source)
		if err != nil {
			return fmt.Errorf("load active beacons: %w", err)
		}

		plan := Diff(records, active)
		now := e.clock.Now().UTC()
		res := Outcome{Counts: domain.SyncCounts{InFeed: plan.InFeed}}

		if len(plan.Create) > 0 {
			created := make([]domain.Beacon, 0, len(plan.Create))
			for _, rec := range plan.Create {
				created = append(created, domain.Beacon{
					Record:    rec,
					ID:        e.newID(),
					Source:    source,
					IsActive:  true,
					CreatedAt: now,
					UpdatedAt: now,
				})
			}
			if err := tx.InsertBeacons(ctx, created); err != nil {
				return fmt.Errorf("insert beacons: %w", err)
			}
			res.Created = created
			res.Counts.Created = len(created)
		}

		for _, m := range plan.Update {
			if e.skipUnchanged && m.Beacon.SameContent(m.Record) {
				res.Counts.Unchanged++
				continue
			}
			b := m.Beacon
			b.Record = m.Record
			b.UpdatedAt = now
			if err := tx.UpdateBeacon(ctx, b); err != nil {
				return fmt.Errorf("update beacon %s: %w", b.ID, err)
			}
			res.Updated = append(res.Updated, b)
			res.Counts.Updated++
		}

		if len(plan.Deactivate) > 0 {
			ids := make([]uuid.UUID, 0, len(plan.Deactivate))
			deactivated := make([]domain.Beacon, 0, len(plan.Deactivate))
			for _, b := range plan.Deactivate {
				ids = append(ids, b.ID)
				b.IsActive = false
				b.DeletedAt = &now
				deactivated = append(deactivated, b)
			}
			if err := tx.DeactivateBeacons(ctx, ids, now); err != nil {
				return fmt.Errorf("deactivate beacons: %w", err)
			}
			res.Deactivated = deactivated
			res.Counts.Deactivated = len(deactivated)
		}

		out = res
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logger.Info("source reconciled",
		"source", source,
		"in_feed", out.Counts.InFeed,
		"created", out.Counts.Created,
		"updated", out.Counts.Updated,
		"deactivated", out.Counts.Deactivated,
		"unchanged", out.Counts.Unchanged,
	)
	return out, nil
}
