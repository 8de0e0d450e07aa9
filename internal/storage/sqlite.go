package storage

import (
	"context"
	"fmt"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/database"
	"chartink-webhook-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLiteTier keeps records in a local SQLite database through gorm.
type SQLiteTier struct {
	cfg    config.SQLite
	logger *zap.Logger
	init   initOnce
	db     *gorm.DB
}

// NewSQLiteTier creates the tier; the database is opened on Initialize.
func NewSQLiteTier(cfg config.SQLite, logger *zap.Logger) *SQLiteTier {
	return &SQLiteTier{cfg: cfg, logger: logger.Named("sqlite")}
}

// NewSQLiteTierWithDB wraps an already opened and migrated database.
func NewSQLiteTierWithDB(db *gorm.DB, logger *zap.Logger) *SQLiteTier {
	t := &SQLiteTier{db: db, logger: logger.Named("sqlite")}
	t.init.done = true
	return t
}

func (t *SQLiteTier) Name() string { return config.TierSQLite }

// Initialize opens the database and migrates the alert table.
func (t *SQLiteTier) Initialize(ctx context.Context) error {
	return t.init.Do(ctx, func(context.Context) error {
		db, err := database.NewDatabase(t.cfg)
		if err != nil {
			return err
		}
		t.db = db
		t.logger.Info("SQLite initialized", zap.String("dsn", t.cfg.DSN))
		return nil
	})
}

// Write inserts the record, ignoring a duplicate record id.
func (t *SQLiteTier) Write(ctx context.Context, path string, record *models.StorageRecord) error {
	row, err := models.NewStoredAlert(record)
	if err != nil {
		return err
	}
	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "record_id"}}, DoNothing: true}).
		Create(row)
	if result.Error != nil {
		return fmt.Errorf("sqlite insert failed: %w", result.Error)
	}
	return nil
}

// ReadDate returns the records of one date directory, newest first.
func (t *SQLiteTier) ReadDate(ctx context.Context, date string) ([]*models.StorageRecord, error) {
	var rows []models.StoredAlert
	if err := t.db.WithContext(ctx).
		Where("date_directory = ?", date).
		Order("received_at desc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite read failed: %w", err)
	}

	records := make([]*models.StorageRecord, 0, len(rows))
	for i := range rows {
		r, err := rows[i].Record()
		if err != nil {
			t.logger.Warn("Skipping undecodable row", zap.String("record_id", rows[i].RecordID), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Dates lists the stored date directories, newest first.
func (t *SQLiteTier) Dates(ctx context.Context) ([]string, error) {
	var dates []string
	if err := t.db.WithContext(ctx).
		Model(&models.StoredAlert{}).
		Distinct("date_directory").
		Order("date_directory desc").
		Pluck("date_directory", &dates).Error; err != nil {
		return nil, fmt.Errorf("sqlite read failed: %w", err)
	}
	return dates, nil
}

// Probe pings the underlying connection.
func (t *SQLiteTier) Probe(ctx context.Context) error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
