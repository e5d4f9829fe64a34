package domain

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies one of the configured DGT feeds.
type Source string

const (
	SourceNacional  Source = "nacional"
	SourcePaisVasco Source = "pais_vasco"
	SourceCataluna  Source = "cataluna"
)

// Sources lists every configured feed in a stable order.
var Sources = []Source{SourceNacional, SourcePaisVasco, SourceCataluna}

// Valid reports whether s is one of the known feeds.
func (s Source) Valid() bool {
	switch s {
	case SourceNacional, SourcePaisVasco, SourceCataluna:
		return true
	default:
		return false
	}
}

// Dialect selects the XML schema family a feed is published in.
type Dialect int

const (
	// DialectA is DATEX II v3.6 (namespace-qualified, DGT Nacional).
	DialectA Dialect = iota + 1
	// DialectB is DATEX II v1.0 (regional feeds, parsed namespace-agnostic).
	DialectB
)

func (d Dialect) String() string {
	switch d {
	case DialectA:
		return "datex-v3.6"
	case DialectB:
		return "datex-v1.0"
	default:
		return "unknown"
	}
}

// DialectFor maps a source to the schema family it publishes.
func DialectFor(s Source) Dialect {
	if s == SourceNacional {
		return DialectA
	}
	return DialectB
}

// Record is the canonical, schema-independent representation of one incident
// as it appears in a single feed snapshot.
type Record struct {
	ExternalID           string     `json:"external_id"`
	Lat                  float64    `json:"lat"`
	Lng                  float64    `json:"lng"`
	IncidentType         string     `json:"incident_type"`
	DetailedCauseType    *string    `json:"detailed_cause_type,omitempty"`
	RoadName             *string    `json:"road_name,omitempty"`
	RoadType             *string    `json:"road_type,omitempty"`
	Severity             *string    `json:"severity,omitempty"`
	Municipality         *string    `json:"municipality,omitempty"`
	Province             *string    `json:"province,omitempty"`
	AutonomousCommunity  *string    `json:"autonomous_community,omitempty"`
	Direction            *string    `json:"direction,omitempty"`
	PK                   *string    `json:"pk,omitempty"`
	ActivationTime       *time.Time `json:"activation_time,omitempty"`
	SourceIdentification *string    `json:"source_identification,omitempty"`
}

// Beacon is the persisted lifecycle entity for one incident reported by a source.
// At most one active beacon exists per (Source, ExternalID); inactive rows are history.
type Beacon struct {
	Record

	ID       uuid.UUID `json:"id"`
	Source   Source    `json:"source"`
	IsActive bool      `json:"is_active"`
	// IsolationScore is filled asynchronously for flagged beacons; nil until scored.
	IsolationScore *float64   `json:"isolation_score,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// SyncCounts are the reconciliation metrics for one source in one cycle.
type SyncCounts struct {
	InFeed      int `json:"beacons_in_feed"`
	Created     int `json:"beacons_created"`
	Updated     int `json:"beacons_updated"`
	Deactivated int `json:"beacons_deactivated"`
	// Unchanged is only non-zero when unchanged matches are skipped instead of overwritten.
	Unchanged int `json:"beacons_unchanged,omitempty"`
}

// SyncLog is the audit row written for every (source, cycle) pair.
// Counts are nil when the source failed before reconciliation produced them.
type SyncLog struct {
	ID              uint       `json:"id"`
	Source          Source     `json:"source"`
	StartedAt       time.Time  `json:"sync_started_at"`
	CompletedAt     *time.Time `json:"sync_completed_at,omitempty"`
	PublicationTime *time.Time `json:"publication_time,omitempty"`
	InFeed          *int       `json:"beacons_in_feed"`
	Created         *int       `json:"beacons_created"`
	Updated         *int       `json:"beacons_updated"`
	Deactivated     *int       `json:"beacons_deactivated"`
	Success         bool       `json:"success"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
}

// Duration returns how long the sync took, or zero if it never completed.
func (l SyncLog) Duration() time.Duration {
	if l.CompletedAt == nil {
		return 0
	}
	return l.CompletedAt.Sub(l.StartedAt)
}

// ChangeKind labels a beacon lifecycle transition.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeDeactivated ChangeKind = "deactivated"
)

// BeaconChange is a committed lifecycle transition, published to downstream consumers.
type BeaconChange struct {
	Kind       ChangeKind `json:"kind"`
	Beacon     Beacon     `json:"beacon"`
	Flagged    bool       `json:"flagged"`
	OccurredAt time.Time  `json:"occurred_at"`
}
