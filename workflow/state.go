package workflow

import (
	"sort"
	"time"
)

// IsRunning reports whether the workflow is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spec.IsRunning
}

// IsCompleted reports whether every task finished as completed or disabled.
func (e *Engine) IsCompleted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.allSatisfied()
}

// HasFailed reports whether the stopped workflow holds failed or aborted
// tasks.
func (e *Engine) HasFailed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.activeIDs()) == 0 && e.anyFailed()
}

// ActiveTasks lists the tasks currently running.
func (e *Engine) ActiveTasks() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeIDs()
}

// FailedTasks lists the tasks that failed or were aborted.
func (e *Engine) FailedTasks() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []int
	for id, task := range e.spec.Nodes {
		if task.Status == StatusFailed || task.Status == StatusAborted {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// ActiveBreakpoints lists the tasks holding a breakpoint.
func (e *Engine) ActiveBreakpoints() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.breakpointIDs()
}

// Task returns a snapshot of one task.
func (e *Engine) Task(id int) (Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	task := e.spec.Nodes[id]
	if task == nil {
		return Task{}, false
	}
	return *task, true
}

// Output collects the output of completed tasks, the workflow leaves by
// default.
func (e *Engine) Output(ids ...int) map[int]map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(ids) == 0 {
		ids = e.spec.leaves()
	}
	out := make(map[int]map[string]any, len(ids))
	for _, id := range ids {
		task := e.spec.Nodes[id]
		if task == nil || task.Status != StatusCompleted {
			continue
		}
		copied := make(map[string]any, len(task.OutputData))
		for k, v := range task.OutputData {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}

// Runtime returns how long one task ran, or the whole workflow without an
// argument. Still-running spans count up to now.
func (e *Engine) Runtime(ids ...int) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now().Unix()
	if len(ids) > 0 {
		task := e.spec.Nodes[ids[0]]
		if task == nil || task.Meta.StartedAt == 0 {
			return 0
		}
		end := task.Meta.FinishedAt
		if end == 0 {
			end = now
		}
		return time.Duration(end-task.Meta.StartedAt) * time.Second
	}

	if e.spec.StartTime == 0 {
		return 0
	}
	end := e.spec.UpdateTime
	if e.spec.IsRunning || end == 0 {
		end = now
	}
	return time.Duration(end-e.spec.StartTime) * time.Second
}

// Save serializes the workflow, including its runtime state.
func (e *Engine) Save() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spec.Save()
}

// SaveFile writes the serialized workflow to path.
func (e *Engine) SaveFile(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spec.SaveFile(path)
}
