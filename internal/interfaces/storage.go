package interfaces

import (
	"context"

	"github.com/ternarybob/portalbatch/internal/models"
)

// RunStorage persists finalized run reports
type RunStorage interface {
	SaveRun(ctx context.Context, report *models.RunReport) error
	GetRun(ctx context.Context, id string) (*models.RunReport, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RunReport, error)
	DeleteRun(ctx context.Context, id string) error
}
