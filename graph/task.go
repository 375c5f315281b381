package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// RunContext threads cancellation, the owning run's id and its registry scope
// through a task invocation. It is the single context object a task
// implementation ever sees.
type RunContext struct {
	context.Context
	RunID    string
	Registry any // the run's *registry.Registry scope, typed as any

	// ReportProgress lets a task body report its own completion percentage
	// in [0,100] mid-execute; the Runner aggregates every task's last
	// reported value into the graph's graph_progress event. Nil for callers
	// that construct a RunContext outside the Runner (e.g. tests); callers
	// must check for nil before invoking it.
	ReportProgress func(percent int)
}

// TaskRunConfig carries the per-invocation knobs a task's Run may consult:
// whether caching is permitted for this call and the compatibility function
// the runner is using for this run.
type TaskRunConfig struct {
	AllowCache bool
	Compat     CompatibilityFunc
}

// ExecuteFunc is the user-supplied body of a task: given a context and the
// assembled input map, produce an output map or an error. It is the
// non-streaming half of the Task Contract.
type ExecuteFunc func(ctx *RunContext, input map[string]any) (map[string]any, error)

// StreamFunc is the streaming half of the Task Contract: the task writes
// StreamEvent values to the returned channel and closes it when done. The
// channel must eventually close even if ctx is cancelled.
type StreamFunc func(ctx *RunContext, input map[string]any) (<-chan StreamEvent, error)

// BranchFunc inspects a completed task's output and decides which of its
// declared output branches are active. A task with no BranchFunc has a
// single implicit branch that is always active.
type BranchFunc func(output map[string]any) []string

// Task is the full Task Contract: static descriptors plus the instance
// methods the Runner and Scheduler drive a node through.
type Task interface {
	ID() string
	Type() string
	InputPorts() []string
	OutputPorts() []string

	Status() Status
	SetStatus(Status)

	// Progress returns the task's last reported completion percentage in
	// [0,100]. A DISABLED task always reports 100.
	Progress() int
	// ReportProgress records a new completion percentage, clamped to
	// [0,100], and emits a "progress" event.
	ReportProgress(percent int)

	// Config returns the static, task-type-specific configuration the task
	// was constructed with, for serialization (§6's {id,type,config,input}
	// wire shape). It never changes across a task's lifetime.
	Config() map[string]any
	// CurrentInput returns a snapshot of the task's currently buffered
	// run-input, for serialization alongside Config.
	CurrentInput() map[string]any

	// ResetInputData clears accumulated input so a fresh run can reassemble
	// it from scratch.
	ResetInputData()
	// SetInput replaces the value at port wholesale.
	SetInput(port string, value any)
	// AddInput merges value into whatever is already buffered at port; used
	// when multiple edges feed the same port (e.g. fan-in under ALL_PORTS).
	AddInput(port string, value any)
	// ValidateInput checks the currently buffered input is complete and
	// well-formed enough to execute. Returns a TaskInvalidInput on failure.
	ValidateInput() error
	// NarrowInput lets a task project its buffered input down to the subset
	// it actually consumes, after validation.
	NarrowInput() map[string]any

	// RegenerateGraph is invoked after a run completes for tasks whose
	// children are only knowable once output exists (dynamic subgraphs). It
	// returns nil for tasks with no dynamic children.
	RegenerateGraph(output map[string]any) (*DAG, error)
	HasChildren() bool
	SubGraph() *DAG

	Branches() []string
	ActiveBranches(output map[string]any) []string

	Events() *EventEmitter

	Abort()
	Disable()
	ResetForRun()

	IsStreaming() bool

	Run(ctx *RunContext, cfg TaskRunConfig) (map[string]any, error)
	RunReactive(ctx *RunContext, cfg TaskRunConfig) (map[string]any, error)
	RunStream(ctx *RunContext, cfg TaskRunConfig) (<-chan StreamEvent, error)

	Execute(ctx *RunContext, input map[string]any) (map[string]any, error)
	ExecuteReactive(ctx *RunContext, input map[string]any) (map[string]any, error)
	ExecuteStream(ctx *RunContext, input map[string]any) (<-chan StreamEvent, error)
}

// TaskOptions configures a BaseTask. Execute (or Stream) is required;
// everything else has a zero-value-compatible default.
type TaskOptions struct {
	ID          string
	Type        string
	InputPorts  []string
	OutputPorts []string

	Execute ExecuteFunc
	Stream  StreamFunc
	Branch  BranchFunc

	// Validate rejects buffered input before Execute/Stream runs. Optional.
	Validate func(input map[string]any) error
	// Narrow projects buffered input before Execute/Stream runs. Optional;
	// defaults to passing the buffered input through unchanged.
	Narrow func(input map[string]any) map[string]any

	SubGraphFunc func(output map[string]any) (*DAG, error)

	// Config is the static, task-type-specific configuration carried through
	// to serialization (see Task.Config). Optional.
	Config map[string]any
}

// BaseTask is a functional-closure implementation of Task: construction
// supplies ExecuteFunc/StreamFunc closures rather than requiring a new named
// type per task, mirroring how the teacher wires a Node from a plain
// Go function rather than an interface implementation per node.
type BaseTask struct {
	opts TaskOptions

	mu       sync.Mutex
	status   Status
	progress int
	input    map[string]any
	disabled bool
	aborted  bool

	events  *EventEmitter
	subDAG  *DAG
	abortFn context.CancelFunc
}

var _ Task = (*BaseTask)(nil)

// NewBaseTask constructs a Task from opts. At least one of opts.Execute or
// opts.Stream must be set; when Stream is set the task runs as a streaming
// task.
func NewBaseTask(opts TaskOptions) *BaseTask {
	if opts.Execute == nil && opts.Stream == nil {
		panic(fmt.Sprintf("taskgraph: task %q has neither Execute nor Stream", opts.ID))
	}
	return &BaseTask{
		opts:   opts,
		status: StatusPending,
		input:  make(map[string]any),
		events: NewEventEmitter(),
	}
}

func (t *BaseTask) ID() string   { return t.opts.ID }
func (t *BaseTask) Type() string { return t.opts.Type }

func (t *BaseTask) InputPorts() []string  { return append([]string(nil), t.opts.InputPorts...) }
func (t *BaseTask) OutputPorts() []string { return append([]string(nil), t.opts.OutputPorts...) }

func (t *BaseTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *BaseTask) SetStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
	t.events.Emit(lifecycleEventName(s), s)
	t.events.Emit("status", s)
}

func (t *BaseTask) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *BaseTask) ReportProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	t.progress = percent
	t.mu.Unlock()
	t.events.Emit("progress", percent)
}

func (t *BaseTask) Config() map[string]any { return cloneMap(t.opts.Config) }

func (t *BaseTask) CurrentInput() map[string]any { return t.snapshotInput() }

func (t *BaseTask) ResetInputData() {
	t.mu.Lock()
	t.input = make(map[string]any)
	t.mu.Unlock()
}

func (t *BaseTask) SetInput(port string, value any) {
	t.mu.Lock()
	t.input[port] = value
	t.mu.Unlock()
}

func (t *BaseTask) AddInput(port string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.input[port]
	if !ok {
		t.input[port] = value
		return
	}
	merged, isMap := existing.(map[string]any)
	incoming, incomingIsMap := value.(map[string]any)
	if isMap && incomingIsMap {
		out := cloneMap(merged)
		for k, v := range incoming {
			out[k] = v
		}
		t.input[port] = out
		return
	}
	// Non-mergeable duplicate input on the same port: last writer wins, but
	// the prior value is preserved under a synthetic key so nothing is
	// silently dropped.
	t.input[port] = map[string]any{AllPorts: value, "_previous": existing}
}

func (t *BaseTask) snapshotInput() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneMap(t.input)
}

func (t *BaseTask) ValidateInput() error {
	if t.opts.Validate == nil {
		return nil
	}
	if err := t.opts.Validate(t.snapshotInput()); err != nil {
		return &TaskInvalidInput{TaskID: t.ID(), Port: AllPorts, Reason: err.Error()}
	}
	return nil
}

func (t *BaseTask) NarrowInput() map[string]any {
	input := t.snapshotInput()
	if t.opts.Narrow == nil {
		return input
	}
	return t.opts.Narrow(input)
}

func (t *BaseTask) RegenerateGraph(output map[string]any) (*DAG, error) {
	if t.opts.SubGraphFunc == nil {
		return nil, nil
	}
	dag, err := t.opts.SubGraphFunc(output)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.subDAG = dag
	t.mu.Unlock()
	return dag, nil
}

func (t *BaseTask) HasChildren() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subDAG != nil
}

func (t *BaseTask) SubGraph() *DAG {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subDAG
}

func (t *BaseTask) Branches() []string {
	if t.opts.Branch == nil {
		return []string{AllPorts}
	}
	return append([]string(nil), t.opts.OutputPorts...)
}

func (t *BaseTask) ActiveBranches(output map[string]any) []string {
	if t.opts.Branch == nil {
		return []string{AllPorts}
	}
	active := t.opts.Branch(output)
	sort.Strings(active)
	return active
}

func (t *BaseTask) Events() *EventEmitter { return t.events }

func (t *BaseTask) Abort() {
	t.mu.Lock()
	t.aborted = true
	abortFn := t.abortFn
	t.mu.Unlock()
	if abortFn != nil {
		abortFn()
	}
	t.SetStatus(StatusAborting)
}

func (t *BaseTask) Disable() {
	t.mu.Lock()
	t.disabled = true
	t.progress = 100
	t.mu.Unlock()
	t.SetStatus(StatusDisabled)
}

func (t *BaseTask) ResetForRun() {
	t.mu.Lock()
	t.status = StatusPending
	t.progress = 0
	t.input = make(map[string]any)
	t.disabled = false
	t.aborted = false
	t.subDAG = nil
	t.mu.Unlock()
}

func (t *BaseTask) IsStreaming() bool { return t.opts.Stream != nil }

func (t *BaseTask) isDisabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disabled
}

// Run validates and narrows the task's buffered input, then executes it
// non-reactively: a disabled task is a no-op that returns nil, and
// validation failures surface as TaskInvalidInput without ever calling
// Execute.
func (t *BaseTask) Run(ctx *RunContext, cfg TaskRunConfig) (map[string]any, error) {
	if t.isDisabled() {
		return nil, nil
	}
	if err := t.ValidateInput(); err != nil {
		t.SetStatus(StatusFailed)
		return nil, err
	}
	input := t.NarrowInput()
	t.SetStatus(StatusProcessing)
	out, err := t.Execute(ctx, input)
	if err != nil {
		t.SetStatus(StatusFailed)
		return nil, &TaskError{TaskID: t.ID(), Cause: err}
	}
	t.SetStatus(StatusCompleted)
	t.ReportProgress(100)
	return out, nil
}

// RunReactive behaves like Run but calls ExecuteReactive instead of Execute.
// Neither method resets prior output-derived state (branches, sub-DAG)
// before executing.
func (t *BaseTask) RunReactive(ctx *RunContext, cfg TaskRunConfig) (map[string]any, error) {
	if t.isDisabled() {
		return nil, nil
	}
	if err := t.ValidateInput(); err != nil {
		t.SetStatus(StatusFailed)
		return nil, err
	}
	input := t.NarrowInput()
	t.SetStatus(StatusProcessing)
	out, err := t.ExecuteReactive(ctx, input)
	if err != nil {
		t.SetStatus(StatusFailed)
		return nil, &TaskError{TaskID: t.ID(), Cause: err}
	}
	t.SetStatus(StatusCompleted)
	t.ReportProgress(100)
	return out, nil
}

// RunStream is the streaming counterpart to Run.
func (t *BaseTask) RunStream(ctx *RunContext, cfg TaskRunConfig) (<-chan StreamEvent, error) {
	if t.isDisabled() {
		return nil, nil
	}
	if err := t.ValidateInput(); err != nil {
		t.SetStatus(StatusFailed)
		return nil, err
	}
	input := t.NarrowInput()
	t.SetStatus(StatusStreaming)
	return t.ExecuteStream(ctx, input)
}

func (t *BaseTask) Execute(ctx *RunContext, input map[string]any) (map[string]any, error) {
	if t.opts.Execute == nil {
		return nil, &TaskConfigurationError{TaskID: t.ID(), Reason: "task has no Execute function"}
	}
	return t.opts.Execute(ctx, input)
}

func (t *BaseTask) ExecuteReactive(ctx *RunContext, input map[string]any) (map[string]any, error) {
	return t.Execute(ctx, input)
}

func (t *BaseTask) ExecuteStream(ctx *RunContext, input map[string]any) (<-chan StreamEvent, error) {
	if t.opts.Stream == nil {
		return nil, &TaskConfigurationError{TaskID: t.ID(), Reason: "task has no Stream function"}
	}
	return t.opts.Stream(ctx, input)
}

// canonicalize produces a stable JSON encoding of v suitable for use as a
// cache key: map keys are sorted by encoding/json's default behavior, and
// equal-by-value inputs always produce byte-identical output.
func canonicalize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
