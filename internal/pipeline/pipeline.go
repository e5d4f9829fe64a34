package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/feed"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/aseinotegi/dgt-beacon-etl/internal/reconcile"
	"github.com/jonboulle/clockwork"
)

// ErrCycleInProgress is returned by RunCycle when another cycle has not finished.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ErrStopped is returned by TriggerCycle once Run has begun shutting down.
var ErrStopped = errors.New("coordinator stopped")

// Fetcher downloads every configured feed, one result per endpoint.
type Fetcher interface {
	FetchAll(ctx context.Context, endpoints []feed.Endpoint) []feed.Result
}

// Reconciler applies one source snapshot to the store.
type Reconciler interface {
	Reconcile(ctx context.Context, source domain.Source, records []domain.Record) (reconcile.Outcome, error)
}

// AuditStore persists the audit row of one source sync and reports whether
// the database is reachable.
type AuditStore interface {
	WriteSyncLog(ctx context.Context, entry *domain.SyncLog) error
	Ping(ctx context.Context) error
}

// ChangePublisher forwards committed lifecycle transitions downstream.
type ChangePublisher interface {
	Publish(ctx context.Context, changes []domain.BeaconChange) error
}

// Coordinator runs sync cycles: fetch every source concurrently, then parse,
// reconcile and audit each source independently.
type Coordinator struct {
	endpoints  []feed.Endpoint
	fetcher    Fetcher
	reconciler Reconciler
	logs       AuditStore
	publisher  ChangePublisher
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	running  atomic.Bool
	ready    atomic.Bool
	mu       sync.Mutex // guards stopped and inFlight.Add
	stopped  bool
	inFlight sync.WaitGroup
}

// New creates a Coordinator. publisher may be nil to disable event publishing.
func New(endpoints []feed.Endpoint, f Fetcher, r Reconciler, logs AuditStore, publisher ChangePublisher,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics,
) *Coordinator {
	return &Coordinator{
		endpoints:  endpoints,
		fetcher:    f,
		reconciler: r,
		logs:       logs,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once a cycle has synced at least one source and
// the store answers a ping, or an error describing why the service is not ready.
func (c *Coordinator) CheckReadiness(ctx context.Context) error {
	if !c.ready.Load() {
		return errors.New("no source has been synced yet")
	}
	if err := c.logs.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. A tick that fires while a cycle is still running is skipped.
// Run returns after the in-flight cycle, if any, has finished. From then on
// TriggerCycle fails with ErrStopped.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	c.logger.Info("coordinator started", "interval", interval, "sources", len(c.endpoints))
	c.metrics.PipelineRunning.Set(1)
	defer c.metrics.PipelineRunning.Set(0)
	defer c.stop()

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	c.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			c.trigger(ctx)
		}
	}
}

func (c *Coordinator) trigger(ctx context.Context) {
	if err := c.TriggerCycle(ctx); err != nil {
		c.logger.Warn("sync tick skipped", "reason", err)
	}
}

func (c *Coordinator) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.inFlight.Wait()
}

// RunCycle runs one full cycle synchronously. It returns ErrCycleInProgress
// without doing anything if another cycle is running.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.CyclesSkipped.Inc()
		return CycleReport{}, ErrCycleInProgress
	}
	defer c.running.Store(false)
	return c.cycle(ctx), nil
}

// TriggerCycle starts a cycle in the background, returning ErrCycleInProgress
// if one is already running and ErrStopped once Run is shutting down. The
// cycle is not cancelled with ctx; fetch timeouts bound how long it takes.
func (c *Coordinator) TriggerCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.CyclesSkipped.Inc()
		return ErrCycleInProgress
	}
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		defer c.running.Store(false)
		c.cycle(context.WithoutCancel(ctx))
	}()
	return nil
}

// Wait blocks until every background cycle has finished.
func (c *Coordinator) Wait() {
	c.inFlight.Wait()
}

// CycleReport summarizes one cycle, one entry per configured source.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Sources   []SourceReport
}

// Succeeded returns how many sources synced successfully.
func (r CycleReport) Succeeded() int {
	n := 0
	for _, s := range r.Sources {
		if s.Log.Success {
			n++
		}
	}
	return n
}

// Outcome is "success" when every source synced, "failed" when none did and
// "partial" otherwise.
func (r CycleReport) Outcome() string {
	switch ok := r.Succeeded(); {
	case ok == len(r.Sources):
		return "success"
	case ok == 0:
		return "failed"
	default:
		return "partial"
	}
}

func (c *Coordinator) cycle(ctx context.Context) CycleReport {
	started := c.clock.Now().UTC()
	c.logger.Info("sync cycle started", "sources", len(c.endpoints))

	results := c.fetcher.FetchAll(ctx, c.endpoints)

	report := CycleReport{StartedAt: started, Sources: make([]SourceReport, 0, len(results))}
	for _, res := range results {
		report.Sources = append(report.Sources, c.syncSource(ctx, res, started))
	}
	// Events go out once every source is reconciled so a slow broker cannot
	// hold back the remaining sources.
	for _, src := range report.Sources {
		c.publish(ctx, src.Log.Source, src.Changes)
	}
	report.Duration = c.clock.Since(started)

	outcome := report.Outcome()
	c.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	c.metrics.CycleDuration.Observe(report.Duration.Seconds())
	if report.Succeeded() > 0 {
		c.ready.Store(true)
	}

	c.logger.Info("sync cycle completed",
		"outcome", outcome,
		"succeeded", report.Succeeded(),
		"sources", len(report.Sources),
		"duration", report.Duration,
	)
	return report
}
