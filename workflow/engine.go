package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// event carries a finished task or a cancel request into the executor.
type event struct {
	cancel bool
	id     int
	output map[string]any
	err    error
}

// Engine executes a workflow Spec. A single executor goroutine owns all
// graph mutations; task runners report back over the event channel; query
// methods take snapshots under the read lock.
type Engine struct {
	logger   *slog.Logger
	runner   Runner
	service  Runner
	handlers map[string]Runner

	mu   sync.RWMutex
	spec *Spec

	events chan event
	done   chan struct{}
}

// NewEngine creates an engine over the spec with the default task runner.
func NewEngine(spec *Spec, runner Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:   logger.With("component", "workflow"),
		spec:     spec,
		runner:   runner,
		handlers: make(map[string]Runner),
	}
}

// SetServiceCaller makes ServiceTask nodes dispatch as platform calls
// through the caller. Without one, service tasks fail at dispatch.
func (e *Engine) SetServiceCaller(caller Caller) {
	e.service = NewServiceRunner(caller)
}

// RegisterHandler registers a named runner tasks can select through their
// Handler field, overriding the engine default.
func (e *Engine) RegisterHandler(name string, runner Runner) {
	e.handlers[name] = runner
}

// Input merges data into a task's input.
func (e *Engine) Input(id int, data map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec.Input(id, data)
}

// Run starts or resumes the workflow, from the root task by default or from
// the given task. It returns once the executor is launched; Wait blocks
// until the workflow stops. Running twice is a no-op while the first run is
// still marked running.
func (e *Engine) Run(ctx context.Context, from ...int) error {
	e.mu.Lock()

	if e.spec.IsRunning {
		e.mu.Unlock()
		return nil
	}

	start := e.spec.Root
	if len(from) > 0 {
		start = from[0]
	}
	if e.spec.GetTask(start) == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTaskNotFound, start)
	}

	// Tasks that store output need the workflow-level workdir up front.
	storing := false
	for _, task := range e.spec.Nodes {
		if task.StoreOutput {
			storing = true
			break
		}
	}
	if storing {
		root := e.spec.Nodes[e.spec.Root]
		if root.Workdir == "" {
			e.mu.Unlock()
			return ErrNoWorkdir
		}
		abs, err := ensureWorkdir(root.Workdir)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		root.Workdir = abs
	}

	e.spec.IsRunning = true
	now := time.Now().Unix()
	if e.spec.StartTime == 0 {
		e.spec.StartTime = now
	}
	e.spec.UpdateTime = now

	e.events = make(chan event, 16)
	e.done = make(chan struct{})
	title := e.spec.Title
	e.mu.Unlock()

	e.logger.Info("Running workflow", "title", title, "start_task", start)
	go e.execute(ctx, start)
	return nil
}

// Wait blocks until the current run stops (finished, failed, suspended or
// cancelled) or the context expires.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts all active tasks and stops the workflow.
func (e *Engine) Cancel() {
	e.mu.RLock()
	running := e.spec.IsRunning
	events, done := e.events, e.done
	e.mu.RUnlock()

	if !running || events == nil {
		e.logger.Info("Workflow is not running")
		return
	}
	select {
	case events <- event{cancel: true}:
	case <-done:
	}
}

// StepBreakpoint lifts the breakpoint on a task and resumes the workflow
// from it when suspended.
func (e *Engine) StepBreakpoint(ctx context.Context, id int) error {
	e.mu.Lock()
	task := e.spec.Nodes[id]
	if task == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if !task.Breakpoint {
		e.mu.Unlock()
		return fmt.Errorf("no active breakpoint set on task %d", id)
	}
	task.Breakpoint = false
	name := task.Name
	running := e.spec.IsRunning
	e.mu.Unlock()

	e.logger.Info("Breakpoint lifted", "task", id, "name", name)
	if running {
		return nil
	}
	return e.Run(ctx, id)
}

// execute is the executor goroutine of one run.
func (e *Engine) execute(ctx context.Context, start int) {
	e.mu.Lock()
	events, done := e.events, e.done
	e.mu.Unlock()
	defer close(done)

	e.mu.Lock()
	e.runTask(ctx, start)
	stop := e.idle() || e.events != events
	e.mu.Unlock()

	for !stop {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.abortActive("context cancelled")
			e.mu.Unlock()
			return
		case ev := <-events:
			e.mu.Lock()
			if ev.cancel {
				e.abortActive("cancel requested")
			} else {
				e.finishTask(ctx, ev.id, ev.output, ev.err)
			}
			stop = e.idle() || e.events != events
			e.mu.Unlock()
		}
	}
}

// idle reports whether the executor can stop: the workflow is no longer
// marked running and no task is active. Callers hold the lock.
func (e *Engine) idle() bool {
	if e.spec.IsRunning {
		return false
	}
	for _, task := range e.spec.Nodes {
		if task.Active {
			return false
		}
	}
	return true
}

// runTask dispatches one task. Ready tasks go to a runner; finished tasks
// pass straight to the follow-up evaluation so a resumed workflow hops over
// them. Callers hold the lock; the lock is released around inline runners.
func (e *Engine) runTask(ctx context.Context, id int) {
	task := e.spec.Nodes[id]
	if task == nil {
		e.logger.Warn("No task in workflow", "task", id)
		return
	}
	if task.Active {
		e.logger.Debug("Task already active", "task", id, "name", task.Name)
		return
	}
	if task.Status != StatusReady {
		e.finishTask(ctx, id, nil, nil)
		return
	}

	root := e.spec.Nodes[e.spec.Root]
	task.Meta.TaskID = uuid.NewString()
	task.Meta.AuthID = root.Meta.AuthID
	task.Meta.StartedAt = time.Now().Unix()
	task.Meta.FinishedAt = 0

	// A single-parent task without declared input inherits references to
	// the parent's whole output.
	if len(task.InputData) == 0 {
		if parents := e.spec.parents(id); len(parents) == 1 {
			if parent := e.spec.Nodes[parents[0]]; len(parent.OutputData) > 0 {
				e.logger.Info("Use output of parent task as input", "task", id, "parent", parent.ID)
				task.InputData = make(map[string]any, len(parent.OutputData))
				for key := range parent.OutputData {
					task.InputData[key] = reference(parent.ID, key)
				}
			}
		}
	}

	if task.StoreOutput {
		if _, ok := task.InputData["workdir"]; !ok {
			dir := filepath.Join(root.Workdir, fmt.Sprintf("task-%d-%s", id, task.Meta.TaskID))
			abs, err := ensureWorkdir(dir)
			if err != nil {
				task.Active = true
				task.Status = StatusRunning
				e.finishTask(ctx, id, nil, err)
				return
			}
			if task.InputData == nil {
				task.InputData = make(map[string]any, 1)
			}
			task.InputData["workdir"] = abs
			task.Workdir = abs
		}
	}

	// Materialize references now so the stored input is exactly what the
	// runner received.
	task.InputData = e.spec.resolveInput(task)

	e.spec.IsRunning = true
	e.spec.UpdateTime = time.Now().Unix()
	task.Active = true
	task.Status = StatusRunning
	e.logger.Info("Task dispatched", "task", id, "name", task.Name, "type", string(task.Type))

	runner := e.runnerFor(task)
	if runner == nil {
		e.finishTask(ctx, id, nil, fmt.Errorf("no runner for task %d (%s)", id, task.Name))
		return
	}

	snapshot := *task
	input := make(map[string]any, len(task.InputData))
	for k, v := range task.InputData {
		input[k] = v
	}

	switch task.Type {
	case TypeBlockingTask, TypeChoice:
		e.mu.Unlock()
		output, err := runner.Run(ctx, snapshot, input)
		e.mu.Lock()
		e.finishTask(ctx, id, output, err)
	default:
		events, done := e.events, e.done
		go func() {
			output, err := runner.Run(ctx, snapshot, input)
			select {
			case events <- event{id: id, output: output, err: err}:
			case <-done:
			}
		}()
	}
}

// runnerFor picks the runner serving a task: its named handler when
// registered, the built-in start runner, the service runner, or the engine
// default.
func (e *Engine) runnerFor(task *Task) Runner {
	if task.Handler != "" {
		if r, ok := e.handlers[task.Handler]; ok {
			return r
		}
		e.logger.Error("No registered handler, falling back to default runner",
			"task", task.ID, "handler", task.Handler)
	}
	switch task.Type {
	case TypeStart:
		return RunnerFunc(startRunner)
	case TypeServiceTask:
		return e.service
	default:
		return e.runner
	}
}

// finishTask settles a task's result and stages whatever may run next.
// Callers hold the lock.
func (e *Engine) finishTask(ctx context.Context, id int, output map[string]any, err error) {
	task := e.spec.Nodes[id]
	if task == nil {
		return
	}
	task.Active = false
	now := time.Now().Unix()

	switch {
	case err != nil:
		e.logger.Error("Task crashed", "task", id, "name", task.Name, "error", err)
		if task.Status.CanTransitionTo(StatusFailed) {
			task.Status = StatusFailed
			task.Meta.FinishedAt = now
		}
		e.spec.UpdateTime = now
	case output == nil && task.Status == StatusRunning:
		e.logger.Error("Task returned no output", "task", id, "name", task.Name)
		task.Status = StatusFailed
		task.Meta.FinishedAt = now
		e.spec.UpdateTime = now
	case task.Status.CanTransitionTo(StatusCompleted):
		if task.OutputData == nil {
			task.OutputData = make(map[string]any, len(output))
		}
		for k, v := range output {
			task.OutputData[k] = v
		}
		task.Status = StatusCompleted
		task.Meta.FinishedAt = now
		e.spec.UpdateTime = now
	}

	e.logger.Info("Task finished", "task", id, "name", task.Name, "status", string(task.Status))

	if task.Type == TypeChoice && task.Status == StatusCompleted {
		e.applyChoice(task)
	}

	var next []int
	if task.Status == StatusCompleted {
		for _, cid := range e.spec.children(id) {
			child := e.spec.Nodes[cid]
			if child.Status == StatusDisabled {
				continue
			}
			input, ok := e.collectInput(child)
			if !ok {
				continue
			}
			if child.InputData == nil {
				child.InputData = make(map[string]any, len(input))
			}
			for k, v := range input {
				child.InputData[k] = v
			}
			next = append(next, cid)
		}
	}

	// Failures return to ready while the retry budget lasts.
	if task.Status == StatusFailed && task.RetryCount > 0 {
		task.RetryCount--
		task.Status = StatusReady
		e.logger.Warn("Task failed, retrying",
			"task", id, "name", task.Name, "retries_left", task.RetryCount)
		next = append(next, id)
	}

	if task.Status == StatusFailed {
		e.logger.Error("Task failed", "task", id, "name", task.Name)
		e.markNotRunning()
		return
	}

	// A breakpoint suspends the workflow before any children launch.
	if task.Breakpoint {
		e.logger.Info("Task finished but breakpoint is active", "task", id, "name", task.Name)
		e.spec.IsRunning = false
		return
	}

	if len(next) == 0 {
		active := e.activeIDs()
		completed := e.allSatisfied()
		switch {
		case len(active) == 0 && !completed:
			e.logger.Info("Workflow is not finished but there are no more active tasks")
			if bps := e.breakpointIDs(); len(bps) > 0 {
				e.logger.Info("Active breakpoints", "tasks", bps)
			}
			e.spec.IsRunning = false
		case completed || e.anyFailed():
			e.logger.Info("Workflow finished")
			e.markNotRunning()
		}
		return
	}

	for _, nid := range next {
		e.runTask(ctx, nid)
	}
}

// collectInput gathers a task's input over its incoming edges, applying each
// edge's selection and mapping. It returns false when the task's parents are
// not yet satisfied. Values are stored as output references and resolved at
// dispatch. Callers hold the lock.
func (e *Engine) collectInput(task *Task) (map[string]any, bool) {
	parents := e.spec.parents(task.ID)

	var failed []int
	satisfied := 0
	for _, pid := range parents {
		switch s := e.spec.Nodes[pid].Status; {
		case s.Satisfied():
			satisfied++
		case s == StatusFailed || s == StatusAborted:
			failed = append(failed, pid)
		}
	}
	if len(failed) > 0 {
		e.logger.Error("Failed parent tasks detected, unable to collect all output",
			"task", task.ID, "failed", failed)
	}

	if task.ContinueWithOne {
		if satisfied == 0 {
			e.logger.Info("No parent output available yet", "task", task.ID, "name", task.Name)
			return nil, false
		}
	} else if satisfied != len(parents) {
		e.logger.Info("Not all parent output available yet", "task", task.ID, "name", task.Name)
		return nil, false
	}

	merged := make(map[string]any)
	for _, pid := range parents {
		parent := e.spec.Nodes[pid]
		if !parent.Status.Satisfied() {
			continue
		}
		edge := e.spec.edge(pid, task.ID)
		for key := range parent.OutputData {
			if !edgeSelects(edge, key) {
				continue
			}
			name := key
			if mapped, ok := edge.DataMapping[key]; ok {
				name = mapped
			}
			merged[name] = reference(pid, key)
		}
	}
	e.logger.Info("Parent output available, continue",
		"task", task.ID, "name", task.Name, "parents", len(parents))
	return merged, true
}

func edgeSelects(edge *Edge, key string) bool {
	if edge == nil || len(edge.DataSelect) == 0 {
		return true
	}
	for _, s := range edge.DataSelect {
		if s == key {
			return true
		}
	}
	return false
}

// applyChoice disables the children a completed choice did not select and
// lets the choice's input ride along with its output. Callers hold the lock.
func (e *Engine) applyChoice(task *Task) {
	chosen := make(map[int]bool)
	switch raw := task.OutputData["choice"].(type) {
	case []any:
		for _, item := range raw {
			switch n := item.(type) {
			case float64:
				chosen[int(n)] = true
			case int:
				chosen[n] = true
			}
		}
	case []int:
		for _, n := range raw {
			chosen[n] = true
		}
	}

	var disabled []int
	for _, cid := range e.spec.children(task.ID) {
		if chosen[cid] {
			continue
		}
		child := e.spec.Nodes[cid]
		if child.Status == StatusReady {
			child.Status = StatusDisabled
			disabled = append(disabled, cid)
		}
	}
	if len(disabled) > 0 {
		sort.Ints(disabled)
		e.logger.Info("Choice disabled tasks", "choice", task.ID, "disabled", disabled)
	}

	for k, v := range task.InputData {
		if _, ok := task.OutputData[k]; !ok {
			task.OutputData[k] = v
		}
	}
}

// abortActive aborts every active task through its runner and stops the
// workflow. Callers hold the lock.
func (e *Engine) abortActive(reason string) {
	var aborted []int
	now := time.Now().Unix()
	for id, task := range e.spec.Nodes {
		if !task.Active {
			continue
		}
		snapshot := *task
		task.Active = false
		task.Status = StatusAborted
		task.Meta.FinishedAt = now
		if r := e.runnerFor(task); r != nil {
			r.Cancel(snapshot)
		}
		aborted = append(aborted, id)
	}
	sort.Ints(aborted)

	e.logger.Info("Cancelling active tasks", "reason", reason, "tasks", aborted)
	e.spec.IsRunning = false
	e.spec.UpdateTime = now
}

// markNotRunning clears the running flag unless another task is still
// active. Callers hold the lock.
func (e *Engine) markNotRunning() {
	e.spec.IsRunning = len(e.activeIDs()) > 0
}

func (e *Engine) activeIDs() []int {
	var out []int
	for id, task := range e.spec.Nodes {
		if task.Active {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func (e *Engine) breakpointIDs() []int {
	var out []int
	for id, task := range e.spec.Nodes {
		if task.Breakpoint {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func (e *Engine) allSatisfied() bool {
	for _, task := range e.spec.Nodes {
		if !task.Status.Satisfied() {
			return false
		}
	}
	return true
}

func (e *Engine) anyFailed() bool {
	for _, task := range e.spec.Nodes {
		if task.Status == StatusFailed || task.Status == StatusAborted {
			return true
		}
	}
	return false
}
