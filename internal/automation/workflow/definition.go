package workflow

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/portalbatch/internal/automation/selector"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/templates"
)

// Definition is a workflow file as written by the operator.
// All fields are validated using go-playground/validator tags.
type Definition struct {
	Name    string              `toml:"name" yaml:"name" validate:"required"`
	Markers MarkerDefinition    `toml:"markers" yaml:"markers"`
	Targets map[string][]string `toml:"targets" yaml:"targets" validate:"required,min=1,dive,keys,required,endkeys,min=1,dive,required"`

	Login    []StepDefinition `toml:"login" yaml:"login" validate:"required,min=1,dive"`
	Position []StepDefinition `toml:"position" yaml:"position" validate:"dive"`
	Item     []StepDefinition `toml:"item" yaml:"item" validate:"required,min=1,dive"`
	Final    []StepDefinition `toml:"final" yaml:"final" validate:"dive"`
}

// MarkerDefinition names the targets the session manager uses to recognise its state
type MarkerDefinition struct {
	LoginForm  string `toml:"login_form" yaml:"login_form" validate:"required_without=PostLogin"`
	PostLogin  string `toml:"post_login" yaml:"post_login" validate:"required_without=LoginForm"`
	Positioned string `toml:"positioned" yaml:"positioned" validate:"required"`
}

// StepDefinition is one step entry
type StepDefinition struct {
	Name       string              `toml:"name" yaml:"name" validate:"required"`
	Operation  string              `toml:"operation" yaml:"operation" validate:"required,oneof=click fill select wait navigate"`
	Target     string              `toml:"target" yaml:"target"`
	Value      string              `toml:"value" yaml:"value"`
	Attempts   int                 `toml:"attempts" yaml:"attempts" validate:"gte=0,lte=20"`
	Delay      string              `toml:"delay" yaml:"delay"`
	BestEffort bool                `toml:"best_effort" yaml:"best_effort"`
	Snapshot   bool                `toml:"snapshot" yaml:"snapshot"`
	Success    PredicateDefinition `toml:"success" yaml:"success"`
}

// PredicateDefinition is a step's success entry
type PredicateDefinition struct {
	Kind   string `toml:"kind" yaml:"kind" validate:"omitempty,oneof=none value_confirmed element_appears element_absent url_contains url_changed state_changed"`
	Target string `toml:"target" yaml:"target"`
	Value  string `toml:"value" yaml:"value"`
}

// Plan is a compiled definition ready to execute
type Plan struct {
	Name     string
	Login    Workflow
	Position Workflow
	Item     Workflow
	Final    Workflow

	LoginMarker      *selector.Target
	PostLoginMarker  *selector.Target
	PositionedMarker *selector.Target

	Targets map[string]selector.Target
}

// ParseDefinition decodes a definition. Unknown keys are rejected so typos in step
// fields do not silently disable behaviour.
func ParseDefinition(data []byte, format string) (*Definition, error) {
	def := &Definition{}
	switch strings.ToLower(format) {
	case "", "toml":
		if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(def); err != nil {
			return nil, fmt.Errorf("failed to parse toml workflow: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to parse yaml workflow: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow format %q", format)
	}
	return def, nil
}

// Validate checks field constraints
func (d *Definition) Validate() error {
	validate := validator.New()
	return validate.Struct(d)
}

// Compile validates the definition and resolves every target reference
func (d *Definition) Compile() (*Plan, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", d.Name, err)
	}

	plan := &Plan{Name: d.Name, Targets: make(map[string]selector.Target, len(d.Targets))}

	names := make([]string, 0, len(d.Targets))
	for name := range d.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target, err := selector.NewTarget(name, d.Targets[name]...)
		if err != nil {
			return nil, err
		}
		plan.Targets[name] = target
	}

	marker := func(field, name string) (*selector.Target, error) {
		if name == "" {
			return nil, nil
		}
		t, ok := plan.Targets[name]
		if !ok {
			return nil, fmt.Errorf("markers.%s: unknown target %q", field, name)
		}
		return &t, nil
	}
	var err error
	if plan.LoginMarker, err = marker("login_form", d.Markers.LoginForm); err != nil {
		return nil, err
	}
	if plan.PostLoginMarker, err = marker("post_login", d.Markers.PostLogin); err != nil {
		return nil, err
	}
	if plan.PositionedMarker, err = marker("positioned", d.Markers.Positioned); err != nil {
		return nil, err
	}

	seen := map[string]string{}
	sections := []struct {
		name  string
		steps []StepDefinition
		out   *Workflow
	}{
		{"login", d.Login, &plan.Login},
		{"position", d.Position, &plan.Position},
		{"item", d.Item, &plan.Item},
		{"final", d.Final, &plan.Final},
	}
	for _, section := range sections {
		section.out.Name = section.name
		for i, sd := range section.steps {
			if prev, dup := seen[sd.Name]; dup {
				return nil, fmt.Errorf("%s[%d]: step name %q already used in %s", section.name, i, sd.Name, prev)
			}
			seen[sd.Name] = section.name

			step, err := plan.compileStep(sd)
			if err != nil {
				return nil, fmt.Errorf("%s[%d] %s: %w", section.name, i, sd.Name, err)
			}
			section.out.Steps = append(section.out.Steps, step)
		}
	}

	return plan, nil
}

func (p *Plan) compileStep(sd StepDefinition) (Step, error) {
	step := Step{
		Name:        sd.Name,
		Operation:   Operation(sd.Operation),
		Value:       sd.Value,
		MaxAttempts: sd.Attempts,
		BestEffort:  sd.BestEffort,
		Snapshot:    sd.Snapshot,
	}

	delay, err := common.ParseDuration(sd.Delay, 0)
	if err != nil {
		return Step{}, fmt.Errorf("delay: %w", err)
	}
	step.Delay = delay

	switch step.Operation {
	case OpClick, OpFill, OpSelect:
		if sd.Target == "" {
			return Step{}, fmt.Errorf("%s requires a target", sd.Operation)
		}
	case OpNavigate:
		if sd.Value == "" {
			return Step{}, fmt.Errorf("navigate requires a value")
		}
	}
	if (step.Operation == OpFill || step.Operation == OpSelect) && sd.Value == "" {
		return Step{}, fmt.Errorf("%s requires a value", sd.Operation)
	}
	if sd.Target != "" {
		if step.Target, err = p.target(sd.Target); err != nil {
			return Step{}, err
		}
	}

	kind := PredicateKind(sd.Success.Kind)
	if kind == "" {
		kind = PredicateNone
	}
	step.Success = Predicate{Kind: kind, Value: sd.Success.Value}
	switch kind {
	case ElementAppears, ElementAbsent:
		if sd.Success.Target == "" {
			return Step{}, fmt.Errorf("success %s requires a target", kind)
		}
		if step.Success.Target, err = p.target(sd.Success.Target); err != nil {
			return Step{}, fmt.Errorf("success: %w", err)
		}
	case URLContains:
		if sd.Success.Value == "" {
			return Step{}, fmt.Errorf("success url_contains requires a value")
		}
	case ValueConfirmed:
		if step.Operation != OpFill && step.Operation != OpSelect {
			return Step{}, fmt.Errorf("success value_confirmed only applies to fill and select")
		}
	}
	if step.Operation == OpWait && kind == PredicateNone {
		return Step{}, fmt.Errorf("wait requires a success condition")
	}

	return step, nil
}

func (p *Plan) target(name string) (*selector.Target, error) {
	t, ok := p.Targets[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	return &t, nil
}

// LoadPlan reads and compiles the workflow at path, or the embedded portal workflow
// when path is empty
func LoadPlan(path string) (*Plan, error) {
	source, err := templates.GetWorkflow(path)
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(source.Data, source.Format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name, err)
	}
	plan, err := def.Compile()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name, err)
	}
	return plan, nil
}
