package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// RunStorage implements interfaces.RunStorage for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) SaveRun(ctx context.Context, report *models.RunReport) error {
	if report == nil || report.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := s.db.Store().Upsert(report.ID, report); err != nil {
		return fmt.Errorf("failed to save run %s: %w", report.ID, err)
	}
	s.logger.Debug().Str("run_id", report.ID).Int("items", len(report.Items)).Msg("Run saved")
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, id string) (*models.RunReport, error) {
	var report models.RunReport
	if err := s.db.Store().Get(id, &report); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, models.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &report, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns every run.
func (s *RunStorage) ListRuns(ctx context.Context, limit int) ([]*models.RunReport, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var reports []models.RunReport
	if err := s.db.Store().Find(&reports, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*models.RunReport, len(reports))
	for i := range reports {
		out[i] = &reports[i]
	}
	return out, nil
}

func (s *RunStorage) DeleteRun(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.RunReport{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, models.ErrRunNotFound)
		}
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}
