package funnel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"funnelscope/internal/predicate"
)

// OrderType selects how steps must be sequenced.
type OrderType string

const (
	// Ordered requires steps in sequence; unrelated events in between are ignored.
	Ordered OrderType = "ordered"
	// Strict requires steps in sequence with no other event in between.
	Strict OrderType = "strict"
	// Unordered counts steps completed in any order within the window.
	Unordered OrderType = "unordered"
)

// MaxSteps is the largest supported funnel.
const MaxSteps = 64

// DefaultWindow is the conversion window used when none is configured.
const DefaultWindow = 14 * 24 * time.Hour

// DefaultBreakdownLimit caps the number of property breakdown groups.
const DefaultBreakdownLimit = 25

// ErrInvalidSpec is returned when a funnel definition cannot be evaluated.
var ErrInvalidSpec = errors.New("invalid funnel spec")

// Step is one stage of a funnel.
type Step struct {
	Events    []string
	Label     string
	Predicate predicate.Predicate
}

// Exclusion disqualifies entities that perform Event between two steps.
type Exclusion struct {
	Event    string
	FromStep int
	ToStep   int
}

// Population identifies a set of entities.
type Population struct {
	ID   string
	Name string
}

// DisplayName returns the name, or the id when the name is empty.
func (p Population) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.ID
}

// Breakdown segments results by an anchor property or by populations.
type Breakdown struct {
	Property    string
	Limit       int
	Populations []Population
}

func (b *Breakdown) byProperty() bool {
	return b != nil && strings.TrimSpace(b.Property) != ""
}

func (b *Breakdown) byPopulation() bool {
	return b != nil && len(b.Populations) > 0
}

func (b *Breakdown) limit() int {
	if b == nil || b.Limit <= 0 {
		return DefaultBreakdownLimit
	}
	return b.Limit
}

// Spec is a complete funnel query definition.
type Spec struct {
	Name       string
	Project    string
	Steps      []Step
	Order      OrderType
	Window     time.Duration
	Exclusions []Exclusion
	Breakdown  *Breakdown
	// Population restricts every pass to members of one population.
	Population *Population
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))
}

// Validate checks the spec before any events are read.
func (s *Spec) Validate() error {
	if s == nil {
		return invalidf("spec is nil")
	}
	n := len(s.Steps)
	if n == 0 {
		return invalidf("at least one step is required")
	}
	if n > MaxSteps {
		return invalidf("%d steps exceeds the maximum of %d", n, MaxSteps)
	}
	for i, step := range s.Steps {
		if len(step.Events) == 0 {
			return invalidf("step %d has no event names", i)
		}
		for _, name := range step.Events {
			if strings.TrimSpace(name) == "" {
				return invalidf("step %d has an empty event name", i)
			}
		}
	}
	switch s.order() {
	case Ordered, Strict:
	case Unordered:
		if n < 2 {
			return invalidf("unordered funnels need at least 2 steps")
		}
	default:
		return invalidf("unknown order type %q", s.Order)
	}
	if s.Window < 0 || (s.Window > 0 && s.Window < time.Millisecond) {
		return invalidf("window must be positive")
	}
	for i, ex := range s.Exclusions {
		if strings.TrimSpace(ex.Event) == "" {
			return invalidf("exclusion %d has no event name", i)
		}
		if ex.FromStep < 0 || ex.ToStep >= n || ex.FromStep >= ex.ToStep {
			return invalidf("exclusion %d step range %d..%d is out of bounds for %d steps", i, ex.FromStep, ex.ToStep, n)
		}
	}
	if s.Breakdown.byProperty() && s.Breakdown.byPopulation() {
		return invalidf("breakdown by property and by population are mutually exclusive")
	}
	if s.Breakdown != nil && s.Breakdown.Limit < 0 {
		return invalidf("breakdown limit must not be negative")
	}
	for i, pop := range s.populations() {
		if strings.TrimSpace(pop.ID) == "" {
			return invalidf("population %d has no id", i)
		}
	}
	return nil
}

// ValidateTimeToConvert checks a time-to-convert step pair.
func (s *Spec) ValidateTimeToConvert(fromStep, toStep int) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if fromStep < 0 || fromStep >= toStep {
		return invalidf("from_step %d must be lower than to_step %d", fromStep, toStep)
	}
	if toStep >= len(s.Steps) {
		return invalidf("to_step %d is out of range for %d steps", toStep, len(s.Steps))
	}
	return nil
}

func (s *Spec) order() OrderType {
	if s.Order == "" {
		return Ordered
	}
	return OrderType(strings.ToLower(string(s.Order)))
}

func (s *Spec) window() time.Duration {
	if s.Window <= 0 {
		return DefaultWindow
	}
	return s.Window
}

func (s *Spec) windowMs() int64 {
	return s.window().Milliseconds()
}

func (s *Spec) populations() []Population {
	var out []Population
	if s.Population != nil {
		out = append(out, *s.Population)
	}
	if s.Breakdown != nil {
		out = append(out, s.Breakdown.Populations...)
	}
	return out
}

// eventNames lists the names a pass needs from the source. Strict funnels
// need every event, so they return nil.
func (s *Spec) eventNames() []string {
	if s.order() == Strict {
		return nil
	}
	seen := make(map[string]struct{}, len(s.Steps)*2)
	out := make([]string, 0, len(s.Steps)*2)
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, step := range s.Steps {
		for _, name := range step.Events {
			add(name)
		}
	}
	for _, ex := range s.Exclusions {
		add(ex.Event)
	}
	return out
}

// StepLabel returns the display label of step i.
func (s *Spec) StepLabel(i int) string {
	step := s.Steps[i]
	if strings.TrimSpace(step.Label) != "" {
		return step.Label
	}
	return strings.Join(step.Events, " or ")
}

// StepEventName returns the event names of step i joined with commas.
func (s *Spec) StepEventName(i int) string {
	return strings.Join(s.Steps[i].Events, ",")
}
