// Package workflow executes named UI steps against frame-resolved elements with
// bounded retries, and composes them into per-identifier workflows.
package workflow

import (
	"strings"
	"time"

	"github.com/ternarybob/portalbatch/internal/automation/selector"
	"github.com/ternarybob/portalbatch/internal/models"
)

// Operation is what a step does to its target
type Operation string

const (
	OpClick    Operation = "click"
	OpFill     Operation = "fill"
	OpSelect   Operation = "select"
	OpWait     Operation = "wait"
	OpNavigate Operation = "navigate"
)

// PredicateKind names a post-condition
type PredicateKind string

const (
	PredicateNone  PredicateKind = "none"
	ValueConfirmed PredicateKind = "value_confirmed" // fill/select read the value back
	ElementAppears PredicateKind = "element_appears"
	ElementAbsent  PredicateKind = "element_absent"
	URLContains    PredicateKind = "url_contains"
	URLChanged     PredicateKind = "url_changed"
	StateChanged   PredicateKind = "state_changed"
)

// Predicate is a step's success condition
type Predicate struct {
	Kind   PredicateKind
	Target *selector.Target // element_appears, element_absent
	Value  string           // url_contains
}

// Step is one named unit of work
type Step struct {
	Name        string
	Target      *selector.Target // nil for wait and navigate
	Operation   Operation
	Value       string // template, see Item.Expand
	Success     Predicate
	MaxAttempts int           // 0 uses the executor default
	Delay       time.Duration // 0 uses the executor default
	BestEffort  bool          // an absent target counts as success
	Snapshot    bool          // save an HTML snapshot once the step succeeds
}

// Workflow is an ordered list of steps
type Workflow struct {
	Name  string
	Steps []Step
}

// StepNames lists the step names in order
func (w Workflow) StepNames() []string {
	names := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		names[i] = s.Name
	}
	return names
}

// Item is the per-identifier context threaded through a workflow. Frames caches the
// frame path of each target for the lifetime of the item only.
type Item struct {
	Identifier string
	Frames     map[string]models.FramePath

	vars    map[string]string
	secrets []string
}

// NewItem creates an item with an empty frame cache
func NewItem(identifier string) *Item {
	return &Item{
		Identifier: identifier,
		Frames:     make(map[string]models.FramePath),
		vars:       map[string]string{"identifier": identifier},
	}
}

// WithVar makes {name} expand to value
func (i *Item) WithVar(name, value string) *Item {
	i.vars[name] = value
	return i
}

// WithSecret makes {name} expand to value and masks value in every reported reason
func (i *Item) WithSecret(name, value string) *Item {
	i.vars[name] = value
	if value != "" {
		i.secrets = append(i.secrets, value)
	}
	return i
}

// Expand replaces {name} placeholders with item variables
func (i *Item) Expand(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(i.vars)*2)
	for name, value := range i.vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Redact masks secret values in s
func (i *Item) Redact(s string) string {
	for _, secret := range i.secrets {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}
