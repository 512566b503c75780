package funnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"funnelscope/internal/predicate"
)

// Definition is the YAML form of a funnel.
type Definition struct {
	Name           string                `yaml:"name"`
	Project        string                `yaml:"project"`
	Order          string                `yaml:"order"`
	Window         time.Duration         `yaml:"window"`
	WindowInterval int                   `yaml:"window_interval"`
	WindowUnit     string                `yaml:"window_unit"`
	Steps          []StepDefinition      `yaml:"steps"`
	Exclusions     []ExclusionDefinition `yaml:"exclusions"`
	Breakdown      *BreakdownDefinition  `yaml:"breakdown"`
	Population     *PopulationDefinition `yaml:"population"`

	// dir resolves relative sigma_rule paths.
	dir string
}

// StepDefinition is the YAML form of a step. Event accepts a single name,
// Events a list of alternatives. Sigma holds an inline detection block and
// SigmaRule a path to a complete rule file.
type StepDefinition struct {
	Label     string                 `yaml:"label"`
	Event     string                 `yaml:"event"`
	Events    []string               `yaml:"events"`
	Where     *predicate.Group       `yaml:"where"`
	Sigma     map[string]interface{} `yaml:"sigma"`
	SigmaRule string                 `yaml:"sigma_rule"`
}

// ExclusionDefinition is the YAML form of an exclusion.
type ExclusionDefinition struct {
	Event    string `yaml:"event"`
	FromStep int    `yaml:"from_step"`
	ToStep   int    `yaml:"to_step"`
}

// BreakdownDefinition is the YAML form of a breakdown.
type BreakdownDefinition struct {
	Property    string                 `yaml:"property"`
	Limit       int                    `yaml:"limit"`
	Populations []PopulationDefinition `yaml:"populations"`
}

// PopulationDefinition is the YAML form of a population reference.
type PopulationDefinition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoadDefinition reads a funnel definition file and builds its Spec.
func LoadDefinition(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read funnel definition: %w", err)
	}
	return parseDefinition(data, filepath.Dir(path))
}

// ParseDefinition decodes YAML and builds a validated Spec. Relative rule
// paths resolve against the working directory.
func ParseDefinition(data []byte) (*Spec, error) {
	return parseDefinition(data, "")
}

func parseDefinition(data []byte, dir string) (*Spec, error) {
	def := Definition{dir: dir}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse funnel definition: %w", err)
	}
	spec, err := def.Spec()
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Spec compiles the definition's predicates and resolves its window.
func (d *Definition) Spec() (*Spec, error) {
	window, err := d.window()
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		Name:    strings.TrimSpace(d.Name),
		Project: strings.TrimSpace(d.Project),
		Order:   OrderType(strings.ToLower(strings.TrimSpace(d.Order))),
		Window:  window,
	}

	for i, sd := range d.Steps {
		step, err := sd.step(i, d.dir)
		if err != nil {
			return nil, err
		}
		spec.Steps = append(spec.Steps, step)
	}

	for _, ed := range d.Exclusions {
		spec.Exclusions = append(spec.Exclusions, Exclusion{
			Event:    strings.TrimSpace(ed.Event),
			FromStep: ed.FromStep,
			ToStep:   ed.ToStep,
		})
	}

	if d.Breakdown != nil {
		b := &Breakdown{
			Property: strings.TrimSpace(d.Breakdown.Property),
			Limit:    d.Breakdown.Limit,
		}
		for _, p := range d.Breakdown.Populations {
			b.Populations = append(b.Populations, Population{ID: strings.TrimSpace(p.ID), Name: p.Name})
		}
		spec.Breakdown = b
	}
	if d.Population != nil {
		spec.Population = &Population{ID: strings.TrimSpace(d.Population.ID), Name: d.Population.Name}
	}
	return spec, nil
}

func (sd StepDefinition) step(i int, dir string) (Step, error) {
	names := make([]string, 0, len(sd.Events)+1)
	if v := strings.TrimSpace(sd.Event); v != "" {
		names = append(names, v)
	}
	for _, name := range sd.Events {
		if v := strings.TrimSpace(name); v != "" {
			names = append(names, v)
		}
	}

	var preds []predicate.Predicate
	if !sd.Where.IsEmpty() {
		p, err := predicate.Compile(sd.Where)
		if err != nil {
			return Step{}, fmt.Errorf("%w: step %d filter: %v", ErrInvalidSpec, i, err)
		}
		preds = append(preds, p)
	}
	if len(sd.Sigma) > 0 {
		title := sd.Label
		if title == "" {
			title = fmt.Sprintf("step %d", i)
		}
		p, err := predicate.NewSigma(title, sd.Sigma)
		if err != nil {
			return Step{}, fmt.Errorf("%w: step %d sigma filter: %v", ErrInvalidSpec, i, err)
		}
		preds = append(preds, p)
	}
	if path := strings.TrimSpace(sd.SigmaRule); path != "" {
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		p, err := predicate.LoadSigmaFile(path)
		if err != nil {
			return Step{}, fmt.Errorf("%w: step %d sigma rule: %v", ErrInvalidSpec, i, err)
		}
		preds = append(preds, p)
	}

	return Step{
		Events:    names,
		Label:     strings.TrimSpace(sd.Label),
		Predicate: predicate.Combine(preds...),
	}, nil
}

func (d *Definition) window() (time.Duration, error) {
	if d.Window != 0 && d.WindowInterval != 0 {
		return 0, fmt.Errorf("%w: window and window_interval are mutually exclusive", ErrInvalidSpec)
	}
	if d.Window < 0 || d.WindowInterval < 0 {
		return 0, fmt.Errorf("%w: window must be positive", ErrInvalidSpec)
	}
	if d.Window > 0 {
		return d.Window, nil
	}
	if d.WindowInterval == 0 {
		return DefaultWindow, nil
	}
	unit, err := windowUnit(d.WindowUnit)
	if err != nil {
		return 0, err
	}
	return time.Duration(d.WindowInterval) * unit, nil
}

func windowUnit(unit string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(unit), "s")) {
	case "second":
		return time.Second, nil
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "", "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown window unit %q", ErrInvalidSpec, unit)
	}
}
