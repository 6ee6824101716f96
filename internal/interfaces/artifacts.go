package interfaces

import (
	"context"

	"github.com/ternarybob/portalbatch/internal/models"
)

// ArtifactStore records diagnostic files for a step of one identifier
type ArtifactStore interface {
	SaveSnapshot(ctx context.Context, identifier, step, html string) (string, error)
	SaveScreenshot(ctx context.Context, identifier, step string, png []byte) (string, error)
}

// ReportExporter writes a finished run report to disk and returns the written paths
type ReportExporter interface {
	Export(ctx context.Context, report *models.RunReport) ([]string, error)
}
