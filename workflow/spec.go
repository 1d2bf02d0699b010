// Package workflow builds and runs directed acyclic graphs of tasks. A Spec
// is the serializable graph of tasks and the data edges between them; an
// Engine executes a Spec by dispatching ready tasks to runners, collecting
// their output over the graph's edges and feeding it to the next tasks.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Sentinel errors of the spec layer.
var (
	ErrTaskNotFound  = errors.New("task not found in workflow")
	ErrNoRoot        = errors.New("workflow does not have a root node defined")
	ErrRootNotStart  = errors.New("workflow root node is not a start task")
	ErrUnknownType   = errors.New("workflow task type not supported")
	ErrNoWorkdir     = errors.New("local storage requested but no storage path defined")
	ErrAlreadyLinked = errors.New("tasks are already connected")
)

// TaskMeta is the per-task execution metadata recorded by the engine.
type TaskMeta struct {
	// TaskID is the unique id minted when the task is first dispatched.
	TaskID string `json:"task_id,omitempty"`

	// AuthID is the identity the workflow runs under, copied from the root
	// task at dispatch.
	AuthID string `json:"authid,omitempty"`

	// StartedAt and FinishedAt bound the task's last run, unix seconds.
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// Task is one node of the workflow graph.
type Task struct {
	// ID is the node id, unique within the workflow.
	ID int `json:"id"`

	// Name is the administrative task name.
	Name string `json:"name"`

	// Type selects how the engine dispatches the task.
	Type TaskType `json:"task_type"`

	// Status is the task's lifecycle state.
	Status Status `json:"status"`

	// Active marks a task currently handed to a runner.
	Active bool `json:"active"`

	// Breakpoint suspends the workflow when the task finishes, until
	// stepped.
	Breakpoint bool `json:"breakpoint,omitempty"`

	// RetryCount is the remaining retry budget on failure.
	RetryCount int `json:"retry_count,omitempty"`

	// ContinueWithOne dispatches the task as soon as one parent finished
	// instead of waiting for all of them.
	ContinueWithOne bool `json:"continue_with_one,omitempty"`

	// StoreOutput asks the engine for a task working directory under the
	// workflow workdir.
	StoreOutput bool `json:"store_output,omitempty"`

	// URI is the endpoint a ServiceTask calls.
	URI string `json:"uri,omitempty"`

	// Handler names a registered runner overriding the engine default.
	Handler string `json:"handler,omitempty"`

	// Workdir is the task working directory; on the root task it is the
	// workflow-level storage root.
	Workdir string `json:"workdir,omitempty"`

	// InputData is the task input. Values may be references of the form
	// "$<id>.<key>" into another task's output, resolved at dispatch.
	InputData map[string]any `json:"input_data,omitempty"`

	// OutputData is the output stored when the task completed.
	OutputData map[string]any `json:"output_data,omitempty"`

	// Meta is the execution metadata of the task's last run.
	Meta TaskMeta `json:"session"`
}

// Edge is a directed data connection between two tasks.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`

	// DataMapping renames parent output keys on their way into the child's
	// input.
	DataMapping map[string]string `json:"data_mapping,omitempty"`

	// DataSelect restricts which parent output keys flow over the edge.
	// Empty selects all keys.
	DataSelect []string `json:"data_select,omitempty"`
}

// Link carries the optional data mapping and selection of a task connection.
type Link struct {
	DataMapping map[string]string `json:"data_mapping,omitempty"`
	DataSelect  []string          `json:"data_select,omitempty"`
}

// Spec is the serializable workflow graph.
type Spec struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// Root is the id of the Start task the workflow begins at.
	Root int `json:"root"`

	// CreateTime, StartTime and UpdateTime are unix seconds; StartTime is
	// stamped on the first run, UpdateTime on every state change.
	CreateTime int64 `json:"create_time,omitempty"`
	StartTime  int64 `json:"start_time,omitempty"`
	UpdateTime int64 `json:"update_time,omitempty"`

	// IsRunning is the persisted global running flag.
	IsRunning bool `json:"is_running,omitempty"`

	Nodes map[int]*Task `json:"nodes"`
	Edges []*Edge       `json:"edges"`

	nextID int
}

// New returns an empty workflow with a Start task as root.
func New() *Spec {
	s := &Spec{
		Nodes:      make(map[int]*Task),
		CreateTime: time.Now().Unix(),
	}
	start, _ := s.AddTask("start", TypeStart)
	s.Root = start.ID
	return s
}

// Load parses and validates a serialized workflow.
func Load(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if s.Nodes == nil {
		s.Nodes = make(map[int]*Task)
	}

	root, ok := s.Nodes[s.Root]
	if !ok {
		return nil, ErrNoRoot
	}
	if root.Type != TypeStart {
		return nil, ErrRootNotStart
	}
	for id, task := range s.Nodes {
		if !task.Type.IsValid() {
			return nil, fmt.Errorf("%w: %q on task %d", ErrUnknownType, task.Type, id)
		}
		if task.Status == "" {
			task.Status = StatusReady
		}
		if !task.Status.IsValid() {
			return nil, fmt.Errorf("task %d carries unknown status %q", id, task.Status)
		}
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
	for _, edge := range s.Edges {
		if _, ok := s.Nodes[edge.From]; !ok {
			return nil, fmt.Errorf("%w: edge source %d", ErrTaskNotFound, edge.From)
		}
		if _, ok := s.Nodes[edge.To]; !ok {
			return nil, fmt.Errorf("%w: edge target %d", ErrTaskNotFound, edge.To)
		}
	}
	return &s, nil
}

// LoadFile reads a workflow definition from disk.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return Load(data)
}

// Save serializes the workflow to JSON.
func (s *Spec) Save() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize workflow: %w", err)
	}
	return data, nil
}

// SaveFile writes the serialized workflow to disk.
func (s *Spec) SaveFile(path string) error {
	data, err := s.Save()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workflow %s: %w", path, err)
	}
	return nil
}

// AddTask adds a task of the given type and returns it. The caller tunes the
// returned task (retry budget, breakpoint, input) before running.
func (s *Spec) AddTask(name string, taskType TaskType) (*Task, error) {
	if !taskType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}
	if name == "" {
		name = string(taskType)
	}

	if s.nextID == 0 {
		s.nextID = 1
	}
	task := &Task{
		ID:     s.nextID,
		Name:   name,
		Type:   taskType,
		Status: StatusReady,
	}
	s.nextID++
	s.Nodes[task.ID] = task
	s.UpdateTime = time.Now().Unix()
	return task, nil
}

// ConnectTask adds the directed edge from one task to another, optionally
// with a data mapping and selection.
func (s *Spec) ConnectTask(from, to int, link ...Link) error {
	if _, ok := s.Nodes[from]; !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, from)
	}
	if _, ok := s.Nodes[to]; !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, to)
	}
	if s.edge(from, to) != nil {
		return fmt.Errorf("%w: %d -> %d", ErrAlreadyLinked, from, to)
	}

	edge := &Edge{From: from, To: to}
	if len(link) > 0 {
		edge.DataMapping = link[0].DataMapping
		edge.DataSelect = link[0].DataSelect
	}
	s.Edges = append(s.Edges, edge)
	s.UpdateTime = time.Now().Unix()
	return nil
}

// GetTask returns a task by id, or nil when absent.
func (s *Spec) GetTask(id int) *Task {
	return s.Nodes[id]
}

// Input merges data into a task's input.
func (s *Spec) Input(id int, data map[string]any) error {
	task, ok := s.Nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if task.InputData == nil {
		task.InputData = make(map[string]any, len(data))
	}
	for k, v := range data {
		task.InputData[k] = v
	}
	return nil
}

// edge returns the edge between two tasks, or nil.
func (s *Spec) edge(from, to int) *Edge {
	for _, e := range s.Edges {
		if e.From == from && e.To == to {
			return e
		}
	}
	return nil
}

// parents returns the direct parent ids of a task, in edge insertion order.
func (s *Spec) parents(id int) []int {
	var out []int
	for _, e := range s.Edges {
		if e.To == id {
			out = append(out, e.From)
		}
	}
	return out
}

// children returns the direct child ids of a task, in edge insertion order.
func (s *Spec) children(id int) []int {
	var out []int
	for _, e := range s.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// leaves returns the ids of tasks without children.
func (s *Spec) leaves() []int {
	var out []int
	for id := range s.Nodes {
		if len(s.children(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}
