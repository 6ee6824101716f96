// Package selector resolves one logical element from an ordered list of locator strategies.
package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// Kind is a locator kind understood by interfaces.Document.Query
type Kind string

const (
	ByID    Kind = "id"
	ByName  Kind = "name"
	ByCSS   Kind = "css"
	ByXPath Kind = "xpath"
	ByText  Kind = "text"  // visible text contains value
	ByTitle Kind = "title" // title attribute contains value
	ByAttr  Kind = "attr"  // value is name=value
)

var knownKinds = map[Kind]bool{
	ByID: true, ByName: true, ByCSS: true, ByXPath: true, ByText: true, ByTitle: true, ByAttr: true,
}

// Strategy is one way to find an element
type Strategy struct {
	Kind  Kind
	Value string
}

func (s Strategy) String() string {
	return string(s.Kind) + ":" + s.Value
}

// ParseStrategy reads the "kind:value" shorthand used in workflow files,
// e.g. "xpath://img[@title='Consultar ficha']". Only the first colon separates.
func ParseStrategy(s string) (Strategy, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Strategy{}, fmt.Errorf("strategy %q: expected kind:value", s)
	}
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	if !knownKinds[k] {
		return Strategy{}, fmt.Errorf("strategy %q: unknown kind %q", s, kind)
	}
	if k == ByAttr && !strings.Contains(value, "=") {
		return Strategy{}, fmt.Errorf("strategy %q: attr value must be name=value", s)
	}
	return Strategy{Kind: k, Value: value}, nil
}

// Target is a logical element: a name plus its strategies in priority order
type Target struct {
	Name       string
	Strategies []Strategy
}

// NewTarget parses shorthand strategies into a Target
func NewTarget(name string, strategies ...string) (Target, error) {
	if len(strategies) == 0 {
		return Target{}, fmt.Errorf("target %s: no strategies", name)
	}
	t := Target{Name: name}
	for _, raw := range strategies {
		s, err := ParseStrategy(raw)
		if err != nil {
			return Target{}, fmt.Errorf("target %s: %w", name, err)
		}
		t.Strategies = append(t.Strategies, s)
	}
	return t, nil
}

// Match is a resolved element and the strategy that found it
type Match struct {
	Element  interfaces.Element
	Strategy Strategy
}

// Resolve tries each strategy in declared order against doc and returns the first
// candidate, in document order, that is visible and enabled. Hidden or disabled
// duplicates are skipped. Stale contexts are reported as models.ErrStaleFramePath;
// anything else that yields no usable element is models.ErrNotFound.
func (t Target) Resolve(ctx context.Context, doc interfaces.Document) (Match, error) {
	var lastErr error
	for _, strategy := range t.Strategies {
		candidates, err := doc.Query(ctx, string(strategy.Kind), strategy.Value)
		if err != nil {
			if errors.Is(err, models.ErrStaleFramePath) || ctx.Err() != nil {
				return Match{}, err
			}
			lastErr = err
			continue
		}

		for _, el := range candidates {
			usable, err := isUsable(ctx, el)
			if err != nil {
				if errors.Is(err, models.ErrStaleFramePath) {
					return Match{}, err
				}
				lastErr = err
				continue
			}
			if usable {
				return Match{Element: el, Strategy: strategy}, nil
			}
		}
	}

	if lastErr != nil {
		return Match{}, fmt.Errorf("%s in %s (last error: %v): %w", t.Name, doc.Path(), lastErr, models.ErrNotFound)
	}
	return Match{}, fmt.Errorf("%s in %s: %w", t.Name, doc.Path(), models.ErrNotFound)
}

func isUsable(ctx context.Context, el interfaces.Element) (bool, error) {
	visible, err := el.Visible(ctx)
	if err != nil || !visible {
		return false, err
	}
	return el.Enabled(ctx)
}
