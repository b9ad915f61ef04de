// Package functions holds the registry of externally implemented task functions.
package functions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrFunctionNotRegistered is returned when no function is registered under a code.
	ErrFunctionNotRegistered = errors.New("function not registered")
	// ErrDuplicateFunction is returned when a code is registered twice.
	ErrDuplicateFunction = errors.New("function already registered")
	// ErrOutputInvalid is returned when a task output violates the function's output schema.
	ErrOutputInvalid = errors.New("output does not match schema")
	// ErrNoInvoker is returned when a worker-driven task names a function without an invoker.
	ErrNoInvoker = errors.New("function has no invoker")
)

// Invoker performs the external call behind a service or agent task.
type Invoker interface {
	// Invoke runs the call with the task input. A *BusinessError result is a declared refusal;
	// any other error is treated as a transport failure and retried.
	Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// InvokerFunc is a function adapter for Invoker.
type InvokerFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Invoke implements the Invoker interface.
func (f InvokerFunc) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, input)
}

// BusinessError is a failure declared by the external system. It is never retried.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// AsBusinessError reports whether err carries a *BusinessError.
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Function is a registered implementation referenced by Node.FunctionCode.
type Function struct {
	Code string
	// OutputSchema is a JSON schema document the task output must satisfy. Nil disables validation.
	OutputSchema map[string]interface{}
	// Invoker is required for SERVICE_TASK and AI_AGENT_TASK nodes.
	Invoker Invoker
	// Timeout bounds one invocation; zero means the worker default.
	Timeout time.Duration
}

type entry struct {
	fn     Function
	schema *gojsonschema.Schema
}

// Registry maps function codes to implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds fn. The output schema is compiled once here.
func (r *Registry) Register(fn Function) error {
	if fn.Code == "" {
		return errors.New("function code is required")
	}
	var schema *gojsonschema.Schema
	if fn.OutputSchema != nil {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(fn.OutputSchema))
		if err != nil {
			return fmt.Errorf("compile output schema of %s: %w", fn.Code, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[fn.Code]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.Code)
	}
	r.entries[fn.Code] = entry{fn: fn, schema: schema}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(fn Function) {
	if err := r.Register(fn); err != nil {
		panic(err)
	}
}

// Get returns the function registered under code.
func (r *Registry) Get(code string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[code]
	if !ok {
		return Function{}, fmt.Errorf("%w: %s", ErrFunctionNotRegistered, code)
	}
	return e.fn, nil
}

// Invoker returns the invoker of code.
func (r *Registry) Invoker(code string) (Invoker, error) {
	fn, err := r.Get(code)
	if err != nil {
		return nil, err
	}
	if fn.Invoker == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoInvoker, code)
	}
	return fn.Invoker, nil
}

// ValidateOutput checks output against the schema declared by code. Codes without a registered
// function or without a schema accept any output.
func (r *Registry) ValidateOutput(code string, output map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.entries[code]
	r.mu.RUnlock()
	if !ok || e.schema == nil {
		return nil
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(output))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputInvalid, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrOutputInvalid, strings.Join(msgs, "; "))
}
