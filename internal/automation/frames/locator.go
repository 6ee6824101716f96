package frames

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/selector"
	"github.com/ternarybob/portalbatch/internal/models"
)

const (
	DefaultMaxDepth     = 2
	DefaultMaxBranching = 16
)

// Limits bounds the breadth-first search
type Limits struct {
	MaxDepth     int // deepest frame path length searched
	MaxBranching int // child contexts considered per context
}

// Result is a successful search. Visited counts the contexts queried.
type Result struct {
	Path    models.FramePath
	Match   selector.Match
	Visited int
}

// Locator searches embedded contexts for a target whose frame is unknown
type Locator struct {
	navigator *Navigator
	limits    Limits
	logger    arbor.ILogger
}

// NewLocator creates a locator. Zero limits fall back to the defaults.
func NewLocator(navigator *Navigator, limits Limits, logger arbor.ILogger) *Locator {
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	if limits.MaxBranching <= 0 {
		limits.MaxBranching = DefaultMaxBranching
	}
	return &Locator{navigator: navigator, limits: limits, logger: logger}
}

// Locate runs a breadth-first search over frame paths, starting at the top-level
// document. Every candidate is entered fresh from the top; a live child handle is never
// reused to reach a sibling. Candidates that turn stale mid-search are skipped.
// Exhausting the bounded tree returns models.ErrNotFound, which callers treat as
// "not there yet".
func (l *Locator) Locate(ctx context.Context, target selector.Target) (Result, error) {
	queue := []models.FramePath{{}}
	visited := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{Visited: visited}, err
		}

		path := queue[0]
		queue = queue[1:]

		doc, err := l.navigator.Enter(ctx, path)
		if err != nil {
			if errors.Is(err, models.ErrStaleFramePath) {
				l.logger.Debug().Str("target", target.Name).Str("path", path.String()).Msg("Skipping stale context")
				continue
			}
			return Result{Visited: visited}, err
		}
		visited++

		match, err := target.Resolve(ctx, doc)
		if err == nil {
			l.logger.Debug().
				Str("target", target.Name).
				Str("path", path.String()).
				Str("strategy", match.Strategy.String()).
				Int("visited", visited).
				Msg("Target located")
			return Result{Path: path, Match: match, Visited: visited}, nil
		}
		if errors.Is(err, models.ErrStaleFramePath) {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return Result{Visited: visited}, err
		}

		if path.Depth() >= l.limits.MaxDepth {
			continue
		}

		count, err := doc.FrameCount(ctx)
		if err != nil {
			if errors.Is(err, models.ErrStaleFramePath) {
				continue
			}
			return Result{Visited: visited}, err
		}
		if count > l.limits.MaxBranching {
			l.logger.Debug().
				Str("path", path.String()).
				Int("contexts", count).
				Int("max_branching", l.limits.MaxBranching).
				Msg("Context has more children than searched")
			count = l.limits.MaxBranching
		}
		for i := 0; i < count; i++ {
			queue = append(queue, path.Child(i))
		}
	}

	return Result{Visited: visited}, fmt.Errorf("%s not found in %d contexts (depth %d): %w",
		target.Name, visited, l.limits.MaxDepth, models.ErrNotFound)
}
