package pipeline

import (
	"context"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/feed"
	"github.com/aseinotegi/dgt-beacon-etl/internal/datex"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
)

// Per-source outcome labels.
const (
	outcomeSuccess    = "success"
	outcomeFetchError = "fetch_error"
	outcomeParseError = "parse_error"
	outcomeStoreError = "store_error"
)

// SourceReport is the result of syncing one source within a cycle.
type SourceReport struct {
	Log     domain.SyncLog
	Dropped int
	Changes []domain.BeaconChange
}

// syncSource parses, reconciles and audits one fetched feed. Every path ends
// with exactly one sync log write. Committed changes are returned for the
// cycle to publish.
func (c *Coordinator) syncSource(ctx context.Context, res feed.Result, started time.Time) SourceReport {
	source := res.Source
	report := SourceReport{Log: domain.SyncLog{Source: source, StartedAt: started}}

	if res.Err != nil {
		c.fail(ctx, &report, outcomeFetchError, res.Err.Error())
		return report
	}

	parsed := datex.Parse(domain.DialectFor(source), res.Body, c.logger.With("source", source))
	report.Log.PublicationTime = parsed.PublicationTime
	report.Dropped = parsed.Dropped
	if parsed.Dropped > 0 {
		c.metrics.RecordsDropped.WithLabelValues(string(source), "missing_required").Add(float64(parsed.Dropped))
	}
	if parsed.Err != nil {
		c.fail(ctx, &report, outcomeParseError, parsed.Err.Error())
		return report
	}

	outcome, err := c.reconciler.Reconcile(ctx, source, parsed.Records)
	if err != nil {
		c.fail(ctx, &report, outcomeStoreError, err.Error())
		return report
	}

	counts := outcome.Counts
	completed := c.clock.Now().UTC()
	report.Log.CompletedAt = &completed
	report.Log.InFeed = intPtr(counts.InFeed)
	report.Log.Created = intPtr(counts.Created)
	report.Log.Updated = intPtr(counts.Updated)
	report.Log.Deactivated = intPtr(counts.Deactivated)
	report.Log.Success = true
	c.writeLog(ctx, &report.Log)

	c.metrics.SourceSyncs.WithLabelValues(string(source), outcomeSuccess).Inc()
	c.metrics.ActiveBeacons.WithLabelValues(string(source)).Set(float64(counts.InFeed))
	changed := c.metrics.BeaconsChanged
	changed.WithLabelValues(string(source), string(domain.ChangeCreated)).Add(float64(counts.Created))
	changed.WithLabelValues(string(source), string(domain.ChangeUpdated)).Add(float64(counts.Updated))
	changed.WithLabelValues(string(source), string(domain.ChangeDeactivated)).Add(float64(counts.Deactivated))
	if counts.Unchanged > 0 {
		changed.WithLabelValues(string(source), "unchanged").Add(float64(counts.Unchanged))
	}

	report.Changes = outcome.Changes(completed)
	return report
}

func (c *Coordinator) fail(ctx context.Context, report *SourceReport, outcome, msg string) {
	completed := c.clock.Now().UTC()
	report.Log.CompletedAt = &completed
	report.Log.Success = false
	report.Log.ErrorMessage = &msg

	c.metrics.SourceSyncs.WithLabelValues(string(report.Log.Source), outcome).Inc()
	c.logger.Error("source sync failed", "source", report.Log.Source, "outcome", outcome, "error", msg)
	c.writeLog(ctx, &report.Log)
}

func (c *Coordinator) writeLog(ctx context.Context, entry *domain.SyncLog) {
	if err := c.logs.WriteSyncLog(ctx, entry); err != nil {
		c.logger.Error("write sync log failed", "source", entry.Source, "success", entry.Success, "error", err)
	}
}

// publish runs after every source of the cycle committed; failures are logged
// and counted but never undo the sync.
func (c *Coordinator) publish(ctx context.Context, source domain.Source, changes []domain.BeaconChange) {
	if c.publisher == nil || len(changes) == 0 {
		return
	}
	if err := c.publisher.Publish(ctx, changes); err != nil {
		c.metrics.EventsPublished.WithLabelValues("error").Add(float64(len(changes)))
		c.logger.Error("publish beacon events failed", "source", source, "count", len(changes), "error", err)
		return
	}
	c.metrics.EventsPublished.WithLabelValues("success").Add(float64(len(changes)))
}

func intPtr(v int) *int { return &v }
