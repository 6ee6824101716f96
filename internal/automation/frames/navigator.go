// Package frames finds and re-enters nested browsing contexts by frame path.
package frames

import (
	"context"
	"fmt"

	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// Navigator re-enters a frame path from the top-level document
type Navigator struct {
	browser interfaces.Browser
}

// NewNavigator creates a navigator bound to one browser
func NewNavigator(browser interfaces.Browser) *Navigator {
	return &Navigator{browser: browser}
}

// Enter walks path from the top-level document. An index that is out of range, or a
// context without a reachable document, yields models.ErrStaleFramePath.
func (n *Navigator) Enter(ctx context.Context, path models.FramePath) (interfaces.Document, error) {
	doc, err := n.browser.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("enter %s: %w", path, err)
	}

	for depth, index := range path {
		count, err := doc.FrameCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("enter %s at depth %d: %w", path, depth, err)
		}
		if index < 0 || index >= count {
			return nil, fmt.Errorf("enter %s: index %d at depth %d out of range (%d contexts): %w",
				path, index, depth, count, models.ErrStaleFramePath)
		}
		if doc, err = doc.Frame(ctx, index); err != nil {
			return nil, fmt.Errorf("enter %s at depth %d: %w", path, depth, err)
		}
	}

	return doc, nil
}
