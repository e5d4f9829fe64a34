package store

import (
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/google/uuid"
)

// beaconRow is the persisted form of domain.Beacon.
type beaconRow struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Source     string    `gorm:"column:source;type:varchar(32);not null;index:idx_beacons_source_ext_active,priority:1"`
	ExternalID string    `gorm:"column:external_id;type:varchar(255);not null;index:idx_beacons_source_ext_active,priority:2"`
	IsActive   bool      `gorm:"column:is_active;not null;index:idx_beacons_source_ext_active,priority:3"`

	Lat                  float64    `gorm:"column:lat;not null"`
	Lng                  float64    `gorm:"column:lng;not null"`
	IncidentType         string     `gorm:"column:incident_type;type:varchar(100);not null"`
	DetailedCauseType    *string    `gorm:"column:detailed_cause_type;type:varchar(100)"`
	RoadName             *string    `gorm:"column:road_name;type:varchar(255)"`
	RoadType             *string    `gorm:"column:road_type;type:varchar(32)"`
	Severity             *string    `gorm:"column:severity;type:varchar(50)"`
	Municipality         *string    `gorm:"column:municipality;type:varchar(255)"`
	Province             *string    `gorm:"column:province;type:varchar(255)"`
	AutonomousCommunity  *string    `gorm:"column:autonomous_community;type:varchar(255)"`
	Direction            *string    `gorm:"column:direction;type:varchar(50)"`
	PK                   *string    `gorm:"column:pk;type:varchar(50)"`
	ActivationTime       *time.Time `gorm:"column:activation_time"`
	SourceIdentification *string    `gorm:"column:source_identification;type:varchar(255)"`
	IsolationScore       *float64   `gorm:"column:isolation_score"`

	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

func (beaconRow) TableName() string {
	return "beacons"
}

// mutableColumns are overwritten when a feed record matches an active beacon.
var mutableColumns = []string{
	"lat", "lng", "incident_type", "detailed_cause_type", "road_name", "road_type",
	"severity", "municipality", "province", "autonomous_community", "direction",
	"pk", "activation_time", "source_identification", "updated_at",
}

// syncLogRow is the persisted form of domain.SyncLog.
type syncLogRow struct {
	ID                 uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Source             string     `gorm:"column:source;type:varchar(32);not null;index"`
	SyncStartedAt      time.Time  `gorm:"column:sync_started_at;not null;index"`
	SyncCompletedAt    *time.Time `gorm:"column:sync_completed_at"`
	PublicationTime    *time.Time `gorm:"column:publication_time"`
	BeaconsInFeed      *int       `gorm:"column:beacons_in_feed"`
	BeaconsCreated     *int       `gorm:"column:beacons_created"`
	BeaconsUpdated     *int       `gorm:"column:beacons_updated"`
	BeaconsDeactivated *int       `gorm:"column:beacons_deactivated"`
	Success            bool       `gorm:"column:success;not null"`
	ErrorMessage       *string    `gorm:"column:error_message;type:text"`
}

func (syncLogRow) TableName() string {
	return "sync_logs"
}

func toBeaconRow(b domain.Beacon) beaconRow {
	return beaconRow{
		ID:                   b.ID,
		Source:               string(b.Source),
		ExternalID:           b.ExternalID,
		IsActive:             b.IsActive,
		Lat:                  b.Lat,
		Lng:                  b.Lng,
		IncidentType:         b.IncidentType,
		DetailedCauseType:    b.DetailedCauseType,
		RoadName:             b.RoadName,
		RoadType:             b.RoadType,
		Severity:             b.Severity,
		Municipality:         b.Municipality,
		Province:             b.Province,
		AutonomousCommunity:  b.AutonomousCommunity,
		Direction:            b.Direction,
		PK:                   b.PK,
		ActivationTime:       utcPtr(b.ActivationTime),
		SourceIdentification: b.SourceIdentification,
		IsolationScore:       b.IsolationScore,
		CreatedAt:            b.CreatedAt.UTC(),
		UpdatedAt:            b.UpdatedAt.UTC(),
		DeletedAt:            utcPtr(b.DeletedAt),
	}
}

func (r beaconRow) toDomain() domain.Beacon {
	return domain.Beacon{
		Record: domain.Record{
			ExternalID:           r.ExternalID,
			Lat:                  r.Lat,
			Lng:                  r.Lng,
			IncidentType:         r.IncidentType,
			DetailedCauseType:    r.DetailedCauseType,
			RoadName:             r.RoadName,
			RoadType:             r.RoadType,
			Severity:             r.Severity,
			Municipality:         r.Municipality,
			Province:             r.Province,
			AutonomousCommunity:  r.AutonomousCommunity,
			Direction:            r.Direction,
			PK:                   r.PK,
			ActivationTime:       utcPtr(r.ActivationTime),
			SourceIdentification: r.SourceIdentification,
		},
		ID:             r.ID,
		Source:         domain.Source(r.Source),
		IsActive:       r.IsActive,
		IsolationScore: r.IsolationScore,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		DeletedAt:      utcPtr(r.DeletedAt),
	}
}

func toSyncLogRow(l domain.SyncLog) syncLogRow {
	return syncLogRow{
		ID:                 l.ID,
		Source:             string(l.Source),
		SyncStartedAt:      l.StartedAt.UTC(),
		SyncCompletedAt:    utcPtr(l.CompletedAt),
		PublicationTime:    utcPtr(l.PublicationTime),
		BeaconsInFeed:      l.InFeed,
		BeaconsCreated:     l.Created,
		BeaconsUpdated:     l.Updated,
		BeaconsDeactivated: l.Deactivated,
		Success:            l.Success,
		ErrorMessage:       l.ErrorMessage,
	}
}

func (r syncLogRow) toDomain() domain.SyncLog {
	return domain.SyncLog{
		ID:              r.ID,
		Source:          domain.Source(r.Source),
		StartedAt:       r.SyncStartedAt.UTC(),
		CompletedAt:     utcPtr(r.SyncCompletedAt),
		PublicationTime: utcPtr(r.PublicationTime),
		InFeed:          r.BeaconsInFeed,
		Created:         r.BeaconsCreated,
		Updated:         r.BeaconsUpdated,
		Deactivated:     r.BeaconsDeactivated,
		Success:         r.Success,
		ErrorMessage:    r.ErrorMessage,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
