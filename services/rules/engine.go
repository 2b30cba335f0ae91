package rules

import (
	"fmt"
	"sync"
	"time"

	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var evaluationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rule_evaluation_duration_seconds",
		Help:    "histogram of single rule evaluation durations",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	},
	[]string{"matched"},
)

func init() {
	prometheus.MustRegister(evaluationDuration)
}

// Engine compiles and stores rules and evaluates them against event
// documents. Evaluation is a pure function of (compiled rule, context).
type Engine struct {
	mu    sync.RWMutex
	rules map[int64]*CompiledRule
}

// NewEngine - an empty engine
func NewEngine() *Engine {
	return &Engine{rules: map[int64]*CompiledRule{}}
}

// LoadRule - compile and store a rule by id, replacing any prior version
func (e *Engine) LoadRule(id int64, name string, version int, ruleJSON []byte) error {
	compiled, err := Compile(id, name, version, ruleJSON)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[id] = compiled
	e.mu.Unlock()
	return nil
}

// RemoveRule - drop a stored rule
func (e *Engine) RemoveRule(id int64) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
}

// Loaded - whether a rule is currently stored
func (e *Engine) Loaded(id int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.rules[id]
	return ok
}

// Evaluate - evaluate a stored rule against the context
func (e *Engine) Evaluate(id int64, evalCtx *Context) (*EvalResult, error) {
	e.mu.RLock()
	compiled, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rule %d: %w", id, errorutils.ErrNotFound)
	}
	return evaluate(compiled, evalCtx, false)
}

// EvaluateBatch - evaluate several stored rules against one context,
// results ordered as the ids. Unknown ids are skipped.
func (e *Engine) EvaluateBatch(ids []int64, evalCtx *Context) ([]*EvalResult, error) {
	doc, err := evalCtx.Document()
	if err != nil {
		return nil, err
	}

	results := make([]*EvalResult, 0, len(ids))
	for _, id := range ids {
		e.mu.RLock()
		compiled, ok := e.rules[id]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		result, err := evaluateDocument(compiled, doc, false)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// EvaluateCompiled - evaluate an already compiled rule directly. The in
// process fallback path when the engine has no stored copy.
func EvaluateCompiled(compiled *CompiledRule, evalCtx *Context) (*EvalResult, error) {
	return evaluate(compiled, evalCtx, false)
}

// TestRule - compile and evaluate without storing, with a trace
func TestRule(ruleJSON []byte, evalCtx *Context) (*EvalResult, error) {
	compiled, err := Compile(0, "test", 0, ruleJSON)
	if err != nil {
		return nil, err
	}
	return evaluate(compiled, evalCtx, true)
}

func evaluate(compiled *CompiledRule, evalCtx *Context, trace bool) (*EvalResult, error) {
	doc, err := evalCtx.Document()
	if err != nil {
		return nil, err
	}
	return evaluateDocument(compiled, doc, trace)
}

func evaluateDocument(compiled *CompiledRule, doc []byte, trace bool) (*EvalResult, error) {
	start := time.Now()
	result := &EvalResult{RuleID: compiled.ID}

	matched, err := evalNode(doc, compiled.Root, result, trace)
	result.EvaluationTime = time.Since(start)
	if err != nil {
		return nil, err
	}
	result.Matched = matched

	evaluationDuration.WithLabelValues(fmt.Sprintf("%t", matched)).
		Observe(result.EvaluationTime.Seconds())
	return result, nil
}

// evalNode walks the tree with short-circuit semantics: AND stops on the
// first false child, OR on the first true child.
func evalNode(doc []byte, n *Node, result *EvalResult, trace bool) (bool, error) {
	if !n.IsGroup() {
		matched, err := evalCondition(doc, n)
		if err != nil {
			return false, err
		}
		if trace {
			result.Trace = append(result.Trace, TraceEntry{
				Field:    n.Field,
				Operator: string(n.Operator),
				Matched:  matched,
			})
		}
		if matched {
			result.MatchedConditions = append(result.MatchedConditions,
				fmt.Sprintf("%s %s", n.Field, n.Operator))
		}
		return matched, nil
	}

	switch n.LogicalOp {
	case OpAnd:
		for _, child := range n.Children {
			matched, err := evalNode(doc, child, result, trace)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil
	default: // OpOr
		for _, child := range n.Children {
			matched, err := evalNode(doc, child, result, trace)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	}
}
