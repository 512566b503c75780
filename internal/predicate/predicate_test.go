package predicate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelscope/pkg/models"
)

func TestCompileRules(t *testing.T) {
	props := models.Properties{
		"plan":    "pro",
		"amount":  float64(42),
		"country": "DE",
		"browser": "Mobile Safari",
		"empty":   nil,
		"utm":     map[string]interface{}{"source": "newsletter"},
	}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"eq string", Rule{Field: "plan", Operator: "eq", Value: "pro"}, true},
		{"eq number from yaml int", Rule{Field: "amount", Operator: "eq", Value: 42}, true},
		{"ne", Rule{Field: "plan", Operator: "ne", Value: "free"}, true},
		{"ne missing field", Rule{Field: "missing", Operator: "ne", Value: "x"}, true},
		{"gt", Rule{Field: "amount", Operator: "gt", Value: 40}, true},
		{"gte equal", Rule{Field: "amount", Operator: "gte", Value: "42"}, true},
		{"lt false", Rule{Field: "amount", Operator: "lt", Value: 10}, false},
		{"lte missing", Rule{Field: "missing", Operator: "lte", Value: 10}, false},
		{"in", Rule{Field: "country", Operator: "in", Value: []interface{}{"FR", "DE"}}, true},
		{"nin", Rule{Field: "country", Operator: "nin", Value: []interface{}{"FR", "DE"}}, false},
		{"contains", Rule{Field: "browser", Operator: "contains", Value: "Safari"}, true},
		{"contains is case sensitive", Rule{Field: "browser", Operator: "contains", Value: "safari"}, false},
		{"icontains", Rule{Field: "browser", Operator: "icontains", Value: "safari"}, true},
		{"starts_with", Rule{Field: "browser", Operator: "starts_with", Value: "Mobile"}, true},
		{"endsWith", Rule{Field: "browser", Operator: "endsWith", Value: "Chrome"}, false},
		{"regex", Rule{Field: "country", Operator: "regex", Value: "^D[A-Z]$"}, true},
		{"is_set", Rule{Field: "plan", Operator: "is_set"}, true},
		{"is_set nil value", Rule{Field: "empty", Operator: "is_set"}, false},
		{"is_not_set", Rule{Field: "missing", Operator: "is_not_set"}, true},
		{"nested path", Rule{Field: "utm.source", Operator: "eq", Value: "newsletter"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := CompileRules([]Rule{tc.rule})
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Match(props))
		})
	}
}

func TestCompileGroupOperators(t *testing.T) {
	group := &Group{
		Operator: "or",
		Rules:    []Rule{{Field: "plan", Operator: "eq", Value: "enterprise"}},
		Groups: []Group{{
			Rules: []Rule{
				{Field: "plan", Operator: "eq", Value: "pro"},
				{Field: "country", Operator: "eq", Value: "DE"},
			},
		}},
	}
	p, err := Compile(group)
	require.NoError(t, err)

	assert.True(t, p.Match(models.Properties{"plan": "pro", "country": "DE"}))
	assert.True(t, p.Match(models.Properties{"plan": "enterprise"}))
	assert.False(t, p.Match(models.Properties{"plan": "pro", "country": "US"}))
}

func TestCompileErrors(t *testing.T) {
	_, err := CompileRules([]Rule{{Field: "plan", Operator: "between", Value: 1}})
	require.Error(t, err)

	_, err = CompileRules([]Rule{{Field: "", Operator: "eq", Value: 1}})
	require.Error(t, err)

	_, err = CompileRules([]Rule{{Field: "plan", Operator: "in", Value: "pro"}})
	require.Error(t, err)

	_, err = CompileRules([]Rule{{Field: "plan", Operator: "regex", Value: "("}})
	require.Error(t, err)

	_, err = Compile(&Group{Operator: "xor", Rules: []Rule{{Field: "a", Value: 1}}})
	require.Error(t, err)
}

func TestEmptyGroupMatchesEverything(t *testing.T) {
	p, err := Compile(nil)
	require.NoError(t, err)
	assert.True(t, p.Match(nil))
}

func TestCombine(t *testing.T) {
	yes := Func(func(models.Properties) bool { return true })
	no := Func(func(models.Properties) bool { return false })

	assert.True(t, Combine().Match(nil))
	assert.True(t, Combine(nil, yes).Match(nil))
	assert.False(t, Combine(yes, no).Match(nil))
	assert.False(t, Any{}.Match(nil))
}

func TestSigmaPredicate(t *testing.T) {
	p, err := NewSigma("pro plan", map[string]interface{}{
		"selection": map[string]interface{}{"plan": "pro"},
	})
	require.NoError(t, err)

	assert.True(t, p.Match(models.Properties{"plan": "pro"}))
	assert.False(t, p.Match(models.Properties{"plan": "free"}))
	assert.False(t, p.Match(models.Properties{}))
}

func TestSigmaPredicateRequiresCondition(t *testing.T) {
	_, err := NewSigma("ambiguous", map[string]interface{}{
		"a": map[string]interface{}{"plan": "pro"},
		"b": map[string]interface{}{"country": "DE"},
	})
	require.Error(t, err)

	_, err = NewSigma("empty", nil)
	require.Error(t, err)
}

func TestLoadSigmaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pro.yaml")
	rule := "title: Pro plan\nlogsource:\n  product: funnelscope\ndetection:\n  selection:\n    plan|startswith: pro\n  condition: selection\n"
	require.NoError(t, os.WriteFile(path, []byte(rule), 0644))

	p, err := LoadSigmaFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Pro plan", p.Title())
	assert.True(t, p.Match(models.Properties{"plan": "professional"}))
	assert.False(t, p.Match(models.Properties{"plan": "free"}))

	_, err = LoadSigmaFile(filepath.Join(dir, "rule.txt"))
	require.Error(t, err)

	agg := "title: Burst\nlogsource:\n  product: funnelscope\ndetection:\n  selection:\n    plan: pro\n  condition: selection | count() > 5\n"
	aggPath := filepath.Join(dir, "burst.yml")
	require.NoError(t, os.WriteFile(aggPath, []byte(agg), 0644))
	_, err = LoadSigmaFile(aggPath)
	require.Error(t, err)
}
