// Package store persists beacons and sync logs with gorm. Postgres is used in
// production; SQLite backs local runs and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/aseinotegi/dgt-beacon-etl/internal/reconcile"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the gorm-backed persistence layer.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ reconcile.Store = (*Store)(nil)

// Open connects to the database named by dsn. postgres:// and postgresql://
// select Postgres; sqlite://<path> and file: select SQLite.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	dialector, sqliteDB, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if sqliteDB {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		// One connection: keeps :memory: databases shared and serializes writers.
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db, logger: logger}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, bool, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), false, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, false, errors.New("sqlite dsn has no path")
		}
		return sqlite.Open(path), true, nil
	case strings.HasPrefix(dsn, "file:"):
		return sqlite.Open(dsn), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported database url %q", redact(dsn))
	}
}

// redact drops credentials so a bad DSN can be logged.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "<invalid>"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}

// Migrate creates or updates the beacons and sync_logs tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&beaconRow{}, &syncLogRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithinTx runs fn in a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx reconcile.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&txn{db: gtx})
	})
}

type txn struct {
	db *gorm.DB
}

func (t *txn) ActiveBeacons(ctx context.Context, source domain.Source) ([]domain.Beacon, error) {
	var rows []beaconRow
	err := t.db.WithContext(ctx).
		Where("source = ? AND is_active = ?", string(source), true).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rowsToBeacons(rows), nil
}

// insertBatchSize keeps multi-row inserts under SQLite's bound-variable limit.
const insertBatchSize = 200

func (t *txn) InsertBeacons(ctx context.Context, beacons []domain.Beacon) error {
	if len(beacons) == 0 {
		return nil
	}
	rows := make([]beaconRow, 0, len(beacons))
	for _, b := range beacons {
		rows = append(rows, toBeaconRow(b))
	}
	return t.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error
}

func (t *txn) UpdateBeacon(ctx context.Context, b domain.Beacon) error {
	row := toBeaconRow(b)
	res := t.db.WithContext(ctx).
		Model(&beaconRow{ID: b.ID}).
		Select(mutableColumns).
		Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("beacon %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (t *txn) DeactivateBeacons(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).
		Model(&beaconRow{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"is_active":  false,
			"deleted_at": at.UTC(),
		}).Error
}

// WriteSyncLog inserts an audit row and sets its ID.
func (s *Store) WriteSyncLog(ctx context.Context, entry *domain.SyncLog) error {
	row := toSyncLogRow(*entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("write sync log: %w", err)
	}
	entry.ID = row.ID
	return nil
}

func rowsToBeacons(rows []beaconRow) []domain.Beacon {
	out := make([]domain.Beacon, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
