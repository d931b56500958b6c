package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// RunStore persists run state machines as JSONB rows. Kind and status are
// duplicated into columns so active runs can be found without decoding state.
type RunStore struct {
	pool  Pool
	table string
}

// NewRunStore constructs a store over an existing pool.
func NewRunStore(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, kind, status, submitted_at, state) VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, run.ID, string(run.Kind), string(run.Status), run.Submitted, state); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveRun overwrites the run's state. It is called after every completed step.
func (s *RunStore) SaveRun(ctx context.Context, run crawler.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, state = $3, updated_at = now() WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, run.ID, string(run.Status), state)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	query := fmt.Sprintf(`SELECT state FROM %s WHERE id = $1`, s.table)
	var state []byte
	if err := s.pool.QueryRow(ctx, query, runID).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Run{}, crawler.ErrNotFound
		}
		return crawler.Run{}, fmt.Errorf("select run: %w", err)
	}
	var run crawler.Run
	if err := json.Unmarshal(state, &run); err != nil {
		return crawler.Run{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter ordered by submission time.
func (s *RunStore) ListRuns(ctx context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}
	query := fmt.Sprintf(`
SELECT state FROM %s
WHERE ($1 = '' OR kind = $1)
  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
ORDER BY submitted_at, id`, s.table)
	rows, err := s.pool.Query(ctx, query, string(filter.Kind), statuses)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []crawler.Run
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run crawler.Run
		if err := json.Unmarshal(state, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
