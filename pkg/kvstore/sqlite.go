package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trybe-app/trybesync/pkg/constants"
)

// Entry is the row layout of the SQLite store.
type Entry struct {
	Key       string    `gorm:"column:blob_key;type:TEXT NOT NULL;primaryKey"`
	Value     string    `gorm:"type:TEXT NOT NULL"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime"`
}

func (Entry) TableName() string { return "kv_entries" }

// SQLite persists blobs in a single-table SQLite database.
type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at dsn, e.g. a file path
// or "file::memory:?cache=shared".
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite kv store: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite kv store: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%q: %w", key, constants.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return e.Value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Entry{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("%w: %w", constants.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&Entry{}, "blob_key = ?", key).Error; err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
