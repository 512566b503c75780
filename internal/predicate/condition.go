package predicate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"funnelscope/pkg/models"
)

// Rule compares one property against a value.
type Rule struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// Group combines rules and nested groups with AND or OR.
type Group struct {
	Operator string  `yaml:"operator" json:"operator"`
	Rules    []Rule  `yaml:"rules" json:"rules"`
	Groups   []Group `yaml:"groups" json:"groups"`
}

// IsEmpty reports whether the group has nothing to evaluate.
func (g *Group) IsEmpty() bool {
	return g == nil || (len(g.Rules) == 0 && len(g.Groups) == 0)
}

// Compile turns a rule group into a Predicate.
func Compile(group *Group) (Predicate, error) {
	if group.IsEmpty() {
		return Always, nil
	}

	var children []Predicate
	for _, rule := range group.Rules {
		p, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	for i := range group.Groups {
		if group.Groups[i].IsEmpty() {
			continue
		}
		p, err := Compile(&group.Groups[i])
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}

	switch strings.ToUpper(strings.TrimSpace(group.Operator)) {
	case "", "AND":
		return All(children), nil
	case "OR":
		return Any(children), nil
	default:
		return nil, fmt.Errorf("unknown group operator: %s", group.Operator)
	}
}

// CompileRules ANDs a flat list of rules.
func CompileRules(rules []Rule) (Predicate, error) {
	return Compile(&Group{Rules: rules})
}

func compileRule(rule Rule) (Predicate, error) {
	field := strings.TrimSpace(rule.Field)
	if field == "" {
		return nil, fmt.Errorf("rule field is empty")
	}
	want := models.FormatValue(rule.Value)

	switch rule.Operator {
	case "eq", "":
		return Func(func(p models.Properties) bool {
			v, ok := p.Lookup(field)
			return ok && equalValues(v, rule.Value)
		}), nil
	case "ne":
		return Func(func(p models.Properties) bool {
			v, ok := p.Lookup(field)
			return !ok || !equalValues(v, rule.Value)
		}), nil
	case "gt", "gte", "lt", "lte":
		op := rule.Operator
		return Func(func(p models.Properties) bool {
			v, ok := p.Lookup(field)
			if !ok {
				return false
			}
			c, ok := compareValues(v, rule.Value)
			if !ok {
				return false
			}
			switch op {
			case "gt":
				return c > 0
			case "gte":
				return c >= 0
			case "lt":
				return c < 0
			default:
				return c <= 0
			}
		}), nil
	case "in", "nin":
		list, ok := rule.Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s operator requires a list value", rule.Operator)
		}
		set := make(map[string]struct{}, len(list))
		for _, item := range list {
			set[models.FormatValue(item)] = struct{}{}
		}
		negate := rule.Operator == "nin"
		return Func(func(p models.Properties) bool {
			v, ok := p.Lookup(field)
			if !ok {
				return negate
			}
			_, found := set[models.FormatValue(v)]
			return found != negate
		}), nil
	case "contains":
		return stringRule(field, func(s string) bool { return strings.Contains(s, want) }), nil
	case "icontains":
		lower := strings.ToLower(want)
		return stringRule(field, func(s string) bool { return strings.Contains(strings.ToLower(s), lower) }), nil
	case "startsWith", "starts_with":
		return stringRule(field, func(s string) bool { return strings.HasPrefix(s, want) }), nil
	case "endsWith", "ends_with":
		return stringRule(field, func(s string) bool { return strings.HasSuffix(s, want) }), nil
	case "regex":
		re, err := regexp.Compile(want)
		if err != nil {
			return nil, fmt.Errorf("compile regex for %s: %w", field, err)
		}
		return stringRule(field, re.MatchString), nil
	case "is_set":
		return Func(func(p models.Properties) bool {
			v, ok := p.Lookup(field)
			return ok && v != nil
		}), nil
	case "is_not_set":
		return Func(func(p models.Properties) bool {
			v, ok := p.Lookup(field)
			return !ok || v == nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown operator: %s", rule.Operator)
	}
}

func stringRule(field string, fn func(string) bool) Predicate {
	return Func(func(p models.Properties) bool {
		v, ok := p.Lookup(field)
		if !ok || v == nil {
			return false
		}
		return fn(models.FormatValue(v))
	})
}

func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return models.FormatValue(a) == models.FormatValue(b)
}

func compareValues(a, b interface{}) (int, bool) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if okA != okB {
		return 0, false
	}
	return strings.Compare(models.FormatValue(a), models.FormatValue(b)), true
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
