// Package executor defines the boundary contract to the external audit
// services. Executors are opaque collaborators: the engine hands them a
// target URL and receives a result or a structured failure, never an
// uncaught panic.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/seolens/scan-engine/internal/scan"
)

// Result is a successful check outcome.
type Result struct {
	Score  int            `json:"score"`
	Data   map[string]any `json:"data,omitempty"`
	Issues []scan.Issue   `json:"issues,omitempty"`
}

// Failure is the structured error an executor reports. It implements error
// so executors can return it directly.
type Failure struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// CheckExecutor runs one audit dimension against a target URL. Execute must
// respect ctx cancellation and is expected to enforce its own timeout,
// reporting a timeout as an ordinary failure.
type CheckExecutor interface {
	Name() string
	Execute(ctx context.Context, target string) (Result, error)
}

// Run invokes an executor and converts any panic into a Failure so a
// misbehaving check can never crash the engine.
func Run(ctx context.Context, exec CheckExecutor, target string) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{}
			err = &Failure{
				Code:    "executor_panic",
				Message: fmt.Sprintf("%s executor panicked: %v", exec.Name(), rec),
			}
		}
	}()
	return exec.Execute(ctx, target)
}

// AsFailure normalizes an executor error into a structured Failure. Context
// deadline errors become timeout failures; anything else keeps its message
// under a generic code.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Code: "timeout", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Failure{Code: "canceled", Message: err.Error()}
	default:
		return &Failure{Code: "check_failed", Message: err.Error()}
	}
}
