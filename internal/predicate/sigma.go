package predicate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"
	"gopkg.in/yaml.v3"

	"funnelscope/pkg/models"
)

// Sigma evaluates a Sigma detection block against event properties.
type Sigma struct {
	title string
	eval  *sigmaevaluator.RuleEvaluator
	ctx   context.Context
}

// NewSigma compiles a detection block, for example
//
//	selection:
//	  plan|startswith: pro
//	condition: selection
//
// When the condition is omitted and the block has a single search, that
// search becomes the condition.
func NewSigma(title string, detection map[string]interface{}) (*Sigma, error) {
	if len(detection) == 0 {
		return nil, fmt.Errorf("sigma detection is empty")
	}
	block := make(map[string]interface{}, len(detection)+1)
	for k, v := range detection {
		block[k] = v
	}
	if _, ok := block["condition"]; !ok {
		names := make([]string, 0, len(block))
		for k := range block {
			names = append(names, k)
		}
		if len(names) != 1 {
			sort.Strings(names)
			return nil, fmt.Errorf("sigma detection needs a condition (searches: %v)", names)
		}
		block["condition"] = names[0]
	}

	raw, err := yaml.Marshal(map[string]interface{}{
		"title":     title,
		"logsource": map[string]interface{}{"product": "funnelscope"},
		"detection": block,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sigma rule: %w", err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return nil, fmt.Errorf("parse sigma rule: %w", err)
	}
	return compileSigma(title, rule)
}

// LoadSigmaFile compiles a complete Sigma rule file. Only single-event rules
// over plain searches are accepted.
func LoadSigmaFile(path string) (*Sigma, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rule path: %w", err)
	}
	if !isYAMLFile(resolved) {
		return nil, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read sigma rule: %w", err)
	}
	rule, err := sigma.ParseRule(data)
	if err != nil {
		return nil, fmt.Errorf("parse sigma rule %s: %w", resolved, err)
	}
	title := strings.TrimSpace(rule.Title)
	if title == "" {
		title = filepath.Base(resolved)
	}
	return compileSigma(title, rule)
}

func compileSigma(title string, rule sigma.Rule) (*Sigma, error) {
	if ok, reason := isSingleEventRule(rule); !ok {
		return nil, fmt.Errorf("sigma rule %q: %s", title, reason)
	}
	return &Sigma{
		title: title,
		eval:  sigmaevaluator.ForRule(rule),
		ctx:   context.Background(),
	}, nil
}

// Title returns the rule title.
func (s *Sigma) Title() string {
	return s.title
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// Match implements Predicate. Evaluation errors count as a miss.
func (s *Sigma) Match(props models.Properties) bool {
	if s == nil || s.eval == nil {
		return false
	}
	event := make(map[string]interface{}, len(props))
	for k, v := range props {
		event[k] = v
	}
	res, err := s.eval.Matches(s.ctx, event)
	if err != nil {
		return false
	}
	return res.Match
}

func isSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
	}
	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}
