package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MaxExpressionLength bounds the size of a single condition.
const MaxExpressionLength = 1024

var (
	// ErrExpressionTooLong is returned for conditions above MaxExpressionLength.
	ErrExpressionTooLong = errors.New("expression too long")
	// ErrNotBoolean is returned when a condition yields a non-boolean value.
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	// Evaluate runs expression against context. An empty expression is true.
	Evaluate(expression string, context map[string]interface{}) (bool, error)
	// Value runs expression against context and returns the raw result.
	Value(expression string, context map[string]interface{}) (interface{}, error)
	// Compile checks that expression parses.
	Compile(expression string) error
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled once without a typed environment and cached by source text;
// context keys are resolved at run time and missing keys evaluate to nil.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	if len(expression) > MaxExpressionLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrExpressionTooLong, len(expression))
	}

	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Compile checks that expression parses without running it.
func (e *ExprEvaluator) Compile(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return nil
	}
	_, err := e.program(expression)
	return err
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The context is never modified.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	result, err := e.Value(expression, context)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("%w: '%s' got %T", ErrNotBoolean, expression, result)
}

// Value evaluates expression and returns its raw result.
func (e *ExprEvaluator) Value(expression string, context map[string]interface{}) (interface{}, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	env := make(map[string]interface{}, len(context))
	for k, v := range context {
		env[k] = v
	}
	return expr.Run(program, env)
}
