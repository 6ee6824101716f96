package interfaces

import (
	"context"

	"github.com/ternarybob/portalbatch/internal/models"
)

// IdentifierSource reads the ordered batch of identifiers from a tabular file
type IdentifierSource interface {
	Read(ctx context.Context, path string) ([]models.Identifier, error)
}
