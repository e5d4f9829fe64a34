package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// flaggedClause selects stationary-vehicle obstructions from persisted columns.
const flaggedClause = "(detailed_cause_type = ? OR LOWER(incident_type) = ?)"

// BeaconFilter narrows ListBeacons. Zero values match everything.
type BeaconFilter struct {
	Source      domain.Source
	ActiveOnly  bool
	FlaggedOnly bool
	// Unscored restricts to beacons without an isolation score.
	Unscored bool
	Limit    int
}

// ListBeacons returns beacons matching f, newest first.
func (s *Store) ListBeacons(ctx context.Context, f BeaconFilter) ([]domain.Beacon, error) {
	q := s.db.WithContext(ctx).Model(&beaconRow{})
	if f.Source != "" {
		q = q.Where("source = ?", string(f.Source))
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if f.FlaggedOnly {
		q = q.Where(flaggedClause, domain.FlaggedDetailedCause, domain.FlaggedIncidentType)
	}
	if f.Unscored {
		q = q.Where("isolation_score IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []beaconRow
	if err := q.Order("created_at DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list beacons: %w", err)
	}
	return rowsToBeacons(rows), nil
}

// Beacon loads a single beacon by id, active or not.
func (s *Store) Beacon(ctx context.Context, id uuid.UUID) (domain.Beacon, error) {
	var row beaconRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Beacon{}, fmt.Errorf("beacon %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Beacon{}, fmt.Errorf("get beacon: %w", err)
	}
	return row.toDomain(), nil
}

// History returns every beacon ever recorded for one upstream id, oldest first.
func (s *Store) History(ctx context.Context, source domain.Source, externalID string) ([]domain.Beacon, error) {
	var rows []beaconRow
	err := s.db.WithContext(ctx).
		Where("source = ? AND external_id = ?", string(source), externalID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("beacon history: %w", err)
	}
	return rowsToBeacons(rows), nil
}

// SetIsolationScore stores the isolation score of a beacon.
func (s *Store) SetIsolationScore(ctx context.Context, id uuid.UUID, score float64) error {
	res := s.db.WithContext(ctx).
		Model(&beaconRow{}).
		Where("id = ?", id).
		Update("isolation_score", score)
	if res.Error != nil {
		return fmt.Errorf("set isolation score: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("beacon %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSyncLogs returns sync log rows ordered by start time, newest first.
// An empty source returns rows for every source.
func (s *Store) ListSyncLogs(ctx context.Context, source domain.Source, limit int) ([]domain.SyncLog, error) {
	q := s.db.WithContext(ctx).Model(&syncLogRow{})
	if source != "" {
		q = q.Where("source = ?", string(source))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []syncLogRow
	if err := q.Order("sync_started_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}

	out := make([]domain.SyncLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// LastSuccessfulSync returns the start time of the newest successful sync of
// source, or nil if there is none.
func (s *Store) LastSuccessfulSync(ctx context.Context, source domain.Source) (*time.Time, error) {
	var row syncLogRow
	err := s.db.WithContext(ctx).
		Where("source = ? AND success = ?", string(source), true).
		Order("sync_started_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last successful sync: %w", err)
	}
	t := row.SyncStartedAt.UTC()
	return &t, nil
}

// Stats summarizes the active beacon set.
type Stats struct {
	TotalActive    int64
	FlaggedActive  int64
	BySource       map[string]int64
	ByIncidentType map[string]int64
	ByRoadType     map[string]int64
}

type groupCount struct {
	Grp *string
	N   int64
}

// Stats aggregates active beacons by source, incident type, and road type.
// Beacons without a road type are grouped under "unknown".
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		BySource:       map[string]int64{},
		ByIncidentType: map[string]int64{},
		ByRoadType:     map[string]int64{},
	}

	active := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&beaconRow{}).Where("is_active = ?", true)
	}

	if err := active().Count(&st.TotalActive).Error; err != nil {
		return Stats{}, fmt.Errorf("count active: %w", err)
	}
	if err := active().
		Where(flaggedClause, domain.FlaggedDetailedCause, domain.FlaggedIncidentType).
		Count(&st.FlaggedActive).Error; err != nil {
		return Stats{}, fmt.Errorf("count flagged: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int64
	}{
		{"source", st.BySource},
		{"incident_type", st.ByIncidentType},
		{"road_type", st.ByRoadType},
	}
	for _, g := range groups {
		var counts []groupCount
		err := active().
			Select(g.column + " AS grp, COUNT(*) AS n").
			Group(g.column).
			Scan(&counts).Error
		if err != nil {
			return Stats{}, fmt.Errorf("group by %s: %w", g.column, err)
		}
		for _, c := range counts {
			key := "unknown"
			if c.Grp != nil && *c.Grp != "" {
				key = *c.Grp
			}
			g.into[key] += c.N
		}
	}

	return st, nil
}
