package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// RunStore persists run state as JSON blobs keyed by run ID.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore wraps an opened database.
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveRun overwrites the run's state.
func (s *RunStore) SaveRun(ctx context.Context, run crawler.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":     row.Status,
		"state":      row.State,
		"updated_at": row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).Where("id = ?", runID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crawler.Run{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Run{}, fmt.Errorf("select run: %w", err)
	}
	return fromRunRow(row)
}

// ListRuns returns runs matching the filter ordered by submission time.
func (s *RunStore) ListRuns(ctx context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	query := s.db.WithContext(ctx).Model(&runRow{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", string(filter.Kind))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	var rows []runRow
	if err := query.Order("submitted_at").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]crawler.Run, 0, len(rows))
	for _, row := range rows {
		run, err := fromRunRow(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func toRunRow(run crawler.Run) (runRow, error) {
	state, err := json.Marshal(run)
	if err != nil {
		return runRow{}, fmt.Errorf("marshal run: %w", err)
	}
	return runRow{
		ID:          run.ID,
		Kind:        string(run.Kind),
		Status:      string(run.Status),
		SubmittedAt: run.Submitted.UTC(),
		UpdatedAt:   time.Now().UTC(),
		State:       state,
	}, nil
}

func fromRunRow(row runRow) (crawler.Run, error) {
	var run crawler.Run
	if err := json.Unmarshal(row.State, &run); err != nil {
		return crawler.Run{}, fmt.Errorf("decode run %s: %w", row.ID, err)
	}
	return run, nil
}
