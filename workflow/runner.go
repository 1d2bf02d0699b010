package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mdstudio/mdstudio/claims"
)

// Runner executes one task. Run receives a snapshot of the task and its
// resolved input and returns the task output; a nil error with a nil output
// map fails the task. Cancel is invoked when an active task is aborted and
// should stop the underlying work where possible.
type Runner interface {
	Run(ctx context.Context, task Task, input map[string]any) (map[string]any, error)
	Cancel(task Task)
}

// RunnerFunc adapts a function to the Runner interface with a no-op Cancel.
type RunnerFunc func(ctx context.Context, task Task, input map[string]any) (map[string]any, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task Task, input map[string]any) (map[string]any, error) {
	return f(ctx, task, input)
}

// Cancel implements Runner.
func (f RunnerFunc) Cancel(Task) {}

// Caller issues signed platform calls. *session.Kernel implements it.
type Caller interface {
	Call(ctx context.Context, uri string, request any, out any, extra ...claims.Claims) error
}

// ServiceRunner dispatches ServiceTask nodes as platform calls to the
// task's URI.
type ServiceRunner struct {
	caller Caller
}

// NewServiceRunner returns a runner calling endpoints through the caller.
func NewServiceRunner(caller Caller) *ServiceRunner {
	return &ServiceRunner{caller: caller}
}

// Run implements Runner.
func (r *ServiceRunner) Run(ctx context.Context, task Task, input map[string]any) (map[string]any, error) {
	if task.URI == "" {
		return nil, fmt.Errorf("service task %d (%s) has no uri", task.ID, task.Name)
	}
	var out map[string]any
	if err := r.caller.Call(ctx, task.URI, input, &out); err != nil {
		return nil, fmt.Errorf("call %s: %w", task.URI, err)
	}
	return out, nil
}

// Cancel implements Runner. In-flight platform calls stop through their
// context; there is no transport-level cancel to send.
func (r *ServiceRunner) Cancel(Task) {}

// startRunner is the built-in runner of Start tasks: the workflow input
// becomes the task output. A "file" input naming a local path is replaced by
// the file's contents so downstream tasks receive data, not paths.
func startRunner(_ context.Context, _ Task, input map[string]any) (map[string]any, error) {
	output := make(map[string]any, len(input))
	for k, v := range input {
		output[k] = v
	}

	if path, ok := output["file"].(string); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflow input file: %w", err)
		}
		output["file"] = string(data)
	}
	return output, nil
}

// resolveValue dereferences a "$<id>.<key>" output reference against the
// graph; non-reference values pass through unchanged.
func (s *Spec) resolveValue(value any) any {
	switch v := value.(type) {
	case string:
		if !strings.HasPrefix(v, "$") {
			return v
		}
		id, key, ok := splitReference(v)
		if !ok {
			return v
		}
		task := s.Nodes[id]
		if task == nil {
			return nil
		}
		return task.OutputData[key]
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.resolveValue(item)
		}
		return out
	default:
		return value
	}
}

// resolveInput materializes a task's input by dereferencing all references.
func (s *Spec) resolveInput(task *Task) map[string]any {
	input := make(map[string]any, len(task.InputData))
	for k, v := range task.InputData {
		input[k] = s.resolveValue(v)
	}
	return input
}

func splitReference(ref string) (id int, key string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(ref, "$"), ".", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return id, parts[1], true
}

// reference builds the "$<id>.<key>" form pointing at a task output key.
func reference(id int, key string) string {
	return fmt.Sprintf("$%d.%s", id, key)
}

// ensureWorkdir resolves the directory to an absolute path and creates it
// when missing. Creation is idempotent.
func ensureWorkdir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workdir %s: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create workdir %s: %w", abs, err)
	}
	return abs, nil
}
