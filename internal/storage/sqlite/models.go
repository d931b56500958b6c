// Package sqlitestore persists the catalog and run state in a single SQLite
// file through gorm, for deployments without Postgres.
package sqlitestore

import (
	"fmt"
	"time"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type mediaRow struct {
	ID           uint       `gorm:"primaryKey"`
	PageURL      string     `gorm:"uniqueIndex;not null"`
	Name         string     `gorm:"not null"`
	Description  string     `gorm:"not null"`
	ThumbnailURL string     `gorm:"not null"`
	DateAdded    *time.Time
	Duration     string
	Categories   []string `gorm:"serializer:json"`
	UpdatedAt    time.Time
}

func (mediaRow) TableName() string { return "media" }

type sourceRow struct {
	ID      uint   `gorm:"primaryKey"`
	MediaID uint   `gorm:"index;not null"`
	Label   string
	URL     string `gorm:"not null"`
}

func (sourceRow) TableName() string { return "sources" }

type castRow struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"not null"`
	NameKey  string `gorm:"uniqueIndex;not null"`
	ImageURL string
}

func (castRow) TableName() string { return "cast_members" }

type mediaCastRow struct {
	MediaID uint `gorm:"primaryKey"`
	CastID  uint `gorm:"primaryKey"`
}

func (mediaCastRow) TableName() string { return "media_cast" }

type runRow struct {
	ID          string `gorm:"primaryKey"`
	Kind        string `gorm:"index:idx_runs_kind_status;not null"`
	Status      string `gorm:"index:idx_runs_kind_status;not null"`
	SubmittedAt time.Time
	UpdatedAt   time.Time
	State       []byte `gorm:"not null"`
}

func (runRow) TableName() string { return "scrape_runs" }

// Open opens (or creates) the database file and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db.sqlite_path is required")
	}
	db, err := gorm.Open(gormsqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&mediaRow{}, &sourceRow{}, &castRow{}, &mediaCastRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}
