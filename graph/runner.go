package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/taskgraph/cache"
	"github.com/smallnest/taskgraph/config"
	"github.com/smallnest/taskgraph/registry"
	"github.com/smallnest/taskgraph/tglog"
)

// Cache abstracts the output cache (C6). Implementations key on task type
// plus a canonicalized encoding of the task's narrowed input; the runner
// never inspects the key format itself.
type Cache interface {
	Get(ctx context.Context, taskType, canonicalInput string) (map[string]any, bool, error)
	Put(ctx context.Context, taskType, canonicalInput string, output map[string]any) error
}

// CacheSelector decides, per run or per task, whether the output cache is
// consulted.
type CacheSelector int

const (
	// CacheInherit defers to the Runner's default cache policy.
	CacheInherit CacheSelector = iota
	// UseCache consults and populates the cache for this run/task.
	UseCache
	// NoCache bypasses the cache entirely for this run/task.
	NoCache
)

// RunConfig configures a single Run/RunReactive call.
type RunConfig struct {
	RunID        string
	Cache        CacheSelector
	PerTaskCache map[string]CacheSelector
	Compat       CompatibilityFunc
}

// LeafResult is the outcome recorded for a single graph leaf (a task with no
// outgoing edges) once a run completes. Non-leaf tasks still execute and
// propagate their output, but are not themselves part of the run's result.
type LeafResult struct {
	TaskID string
	Type   string
	Output map[string]any
	Err    error
}

// RunnerOption configures a Runner at construction time.
type RunnerOption func(*Runner)

// WithScheduler overrides the default DependencyScheduler.
func WithScheduler(s Scheduler) RunnerOption {
	return func(r *Runner) { r.scheduler = s }
}

// WithDefaultCache installs the cache consulted when a run's CacheSelector
// is CacheInherit and resolves to UseCache.
func WithDefaultCache(c Cache) RunnerOption {
	return func(r *Runner) { r.cache = c; r.cacheDefault = UseCache }
}

// WithRegistry installs the parent service-registry scope every run's child
// scope is created from (see handleStart). Without this option, each run
// gets a bare root scope with nothing to inherit.
func WithRegistry(reg *registry.Registry) RunnerOption {
	return func(r *Runner) { r.registry = reg }
}

// WithCompatibility installs the CompatibilityFunc used to gate output
// propagation across edges whose schemas can only be checked at runtime.
func WithCompatibility(fn CompatibilityFunc) RunnerOption {
	return func(r *Runner) { r.compat = fn }
}

// WithLogger overrides the runner's logger.
func WithLogger(l tglog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner (C5) drives a DAG to completion: it assembles each task's input
// from its incoming edges, dispatches ready tasks concurrently, propagates
// outputs and conditional-branch disabling, aggregates progress, and
// tolerates cancellation mid-flight.
type Runner struct {
	scheduler    Scheduler
	cache        Cache
	cacheDefault CacheSelector
	registry     *registry.Registry
	compat       CompatibilityFunc
	logger       tglog.Logger
	events       *EventEmitter

	graphMu sync.Mutex // serializes output propagation and branch-disable cascades

	mu         sync.Mutex
	dag        *DAG
	cancel     context.CancelFunc
	running    bool
	aborted    bool
	runID      string
	runScope   *registry.Registry
	completed  map[string]bool
	failed     map[string]bool
	firstErr   error
}

// NewRunner constructs a Runner with a DependencyScheduler and no cache by
// default.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		scheduler:    NewDependencyScheduler(),
		cacheDefault: NoCache,
		compat:       AlwaysStaticCompatibility,
		logger:       tglog.NoOpLogger{},
		events:       NewEventEmitter(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRunnerWithConfig builds a Runner from a RunnerConfig, wiring its
// LogLevel into a tglog.DefaultLogger and, when DefaultCacheEnabled, an
// in-memory cache.Memory honoring CacheTTL as the runner's default cache.
// Additional RunnerOptions apply after the config-derived ones, so callers
// can still override a specific knob (e.g. WithDefaultCache to point at
// cache/redis instead of the in-memory default).
func NewRunnerWithConfig(cfg config.RunnerConfig, opts ...RunnerOption) *Runner {
	base := []RunnerOption{WithLogger(tglog.NewDefaultLogger(cfg.LogLevel))}
	if cfg.DefaultCacheEnabled {
		base = append(base, WithDefaultCache(cache.NewMemory(cfg.CacheTTL)))
	}
	return NewRunner(append(base, opts...)...)
}

// Events exposes the runner's graph-level event emitter (graph_progress and
// aggregate lifecycle notifications).
func (r *Runner) Events() *EventEmitter { return r.events }

func (r *Runner) resolveCacheSelector(cfg RunConfig, taskID string) CacheSelector {
	if per, ok := cfg.PerTaskCache[taskID]; ok && per != CacheInherit {
		return per
	}
	if cfg.Cache != CacheInherit {
		return cfg.Cache
	}
	return r.cacheDefault
}

// Run executes dag to completion, returning a LeafResult keyed by task id for
// each graph leaf (a task with no outgoing edges) that was not disabled. It
// stops dispatching new tasks once a task fails or the run is cancelled, and
// returns after every task already dispatched has settled.
func (r *Runner) Run(ctx context.Context, dag *DAG, cfg RunConfig) (map[string]*LeafResult, error) {
	return r.run(ctx, dag, cfg, false)
}

// RunReactive behaves like Run but invokes each task through its RunReactive
// entry point instead of Run. Like Run, it does not reset task or edge state
// beforehand, and it schedules, dispatches and consults the cache exactly as
// Run does.
func (r *Runner) RunReactive(ctx context.Context, dag *DAG, cfg RunConfig) (map[string]*LeafResult, error) {
	return r.run(ctx, dag, cfg, true)
}

func (r *Runner) handleStart(ctx context.Context, dag *DAG, cfg RunConfig) (context.Context, string, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, "", ErrAlreadyRunning
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)

	runScope := r.registry
	if runScope != nil {
		runScope = runScope.Child()
	} else {
		runScope = registry.New()
	}

	r.dag = dag
	r.cancel = cancel
	r.running = true
	r.aborted = false
	r.runID = runID
	r.runScope = runScope
	r.completed = make(map[string]bool)
	r.failed = make(map[string]bool)
	r.firstErr = nil
	r.mu.Unlock()

	r.scheduler.Init(dag)
	r.logger.Info("run %s started over %d nodes", runID, len(dag.GetNodes()))
	return runCtx, runID, nil
}

func (r *Runner) run(ctx context.Context, dag *DAG, cfg RunConfig, reactive bool) (map[string]*LeafResult, error) {
	runCtx, runID, err := r.handleStart(ctx, dag, cfg)
	if err != nil {
		return nil, err
	}
	defer r.cleanup()

	results := make(map[string]*LeafResult)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for {
		ready, nextErr := r.scheduler.Next(runCtx)
		if nextErr != nil {
			wg.Wait()
			return results, r.recordRunError(nextErr)
		}
		if ready == nil {
			break
		}

		r.mu.Lock()
		stop := r.firstErr != nil
		r.mu.Unlock()
		if stop {
			break
		}

		for _, taskID := range ready {
			taskID := taskID
			r.scheduler.MarkDispatched(taskID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if p := recover(); p != nil {
						err := fmt.Errorf("taskgraph: task %q panicked: %v", taskID, p)
						lr := &LeafResult{TaskID: taskID, Err: err}
						if task, ok := dag.GetNode(taskID); ok {
							lr.Type = task.Type()
						}
						r.recordLeafResult(dag, taskID, lr, results, &resultsMu)
						r.markResolved(taskID, err)
					}
				}()

				lr := r.runTask(runCtx, dag, taskID, cfg, reactive, runID)
				r.recordLeafResult(dag, taskID, lr, results, &resultsMu)
				r.markResolved(taskID, lr.Err)
				r.emitGraphProgress(dag)
			}()
		}
	}

	wg.Wait()

	r.mu.Lock()
	ferr := r.firstErr
	aborted := r.aborted
	r.mu.Unlock()
	if (aborted || runCtx.Err() != nil) && !errors.Is(ferr, ErrAborted) {
		if ferr == nil {
			return results, ErrAborted
		}
		return results, fmt.Errorf("%w: %w", ErrAborted, ferr)
	}
	if ferr != nil {
		return results, ferr
	}
	return results, nil
}

// recordLeafResult stores lr in results when taskID is a graph leaf (no
// outgoing edges) that actually ran - a task disabled by branch pruning
// never executed and is excluded even though it has no outgoing edges of
// its own, per the LeafResult contract.
func (r *Runner) recordLeafResult(dag *DAG, taskID string, lr *LeafResult, results map[string]*LeafResult, mu *sync.Mutex) {
	if len(dag.OutEdges(taskID)) != 0 {
		return
	}
	if task, ok := dag.GetNode(taskID); ok && task.Status() == StatusDisabled {
		return
	}
	mu.Lock()
	results[taskID] = lr
	mu.Unlock()
}

// recordRunError classifies a scheduler error (always a cancelled/expired
// runCtx) as an aborted run and records it as the run's first error so
// cleanup reports it consistently with a task-level failure.
func (r *Runner) recordRunError(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return r.firstErr
}

func (r *Runner) markResolved(taskID string, err error) {
	r.mu.Lock()
	r.completed[taskID] = true
	if err != nil {
		r.failed[taskID] = true
		if r.firstErr == nil {
			r.firstErr = err
		}
	}
	r.mu.Unlock()
	r.scheduler.OnTaskCompleted(taskID)
}

// emitGraphProgress recomputes round(sum(task.progress) / count(tasks))
// across every node in dag and emits it as a graph_progress event. For a
// single-task graph this reduces to that task's own raw progress value.
func (r *Runner) emitGraphProgress(dag *DAG) {
	nodes := dag.GetNodes()
	if len(nodes) == 0 {
		return
	}
	sum := 0
	for _, id := range nodes {
		if task, ok := dag.GetNode(id); ok {
			sum += task.Progress()
		}
	}
	avg := int(math.Round(float64(sum) / float64(len(nodes))))

	r.mu.Lock()
	done := len(r.completed)
	failedCount := len(r.failed)
	r.mu.Unlock()
	r.events.Emit("graph_progress", map[string]any{
		"progress":  avg,
		"completed": done,
		"failed":    failedCount,
		"total":     len(nodes),
	})
}

func (r *Runner) runTask(ctx context.Context, dag *DAG, taskID string, cfg RunConfig, reactive bool, runID string) *LeafResult {
	task, ok := dag.GetNode(taskID)
	if !ok {
		return &LeafResult{TaskID: taskID, Err: &UnknownNode{NodeID: taskID}}
	}
	if task.Status() == StatusDisabled {
		return &LeafResult{TaskID: taskID, Type: task.Type()}
	}

	r.mu.Lock()
	runScope := r.runScope
	r.mu.Unlock()

	rc := &RunContext{
		Context:  ctx,
		RunID:    runID,
		Registry: runScope,
		ReportProgress: func(percent int) {
			task.ReportProgress(percent)
			r.emitGraphProgress(dag)
		},
	}
	selector := r.resolveCacheSelector(cfg, taskID)

	input := task.NarrowInput()
	var cacheKey string
	if selector == UseCache && r.cache != nil {
		key, err := canonicalize(input)
		if err == nil {
			cacheKey = key
			if out, hit, err := r.cache.Get(ctx, task.Type(), cacheKey); err == nil && hit {
				task.SetStatus(StatusCompleted)
				task.ReportProgress(100)
				r.propagateOutputs(dag, task, out)
				return &LeafResult{TaskID: taskID, Type: task.Type(), Output: out}
			}
		}
	}

	trc := TaskRunConfig{AllowCache: selector == UseCache, Compat: r.compat}

	if task.IsStreaming() {
		ch, err := task.RunStream(rc, trc)
		if err != nil {
			r.pushOutgoingErrors(dag, task, err)
			return &LeafResult{TaskID: taskID, Type: task.Type(), Err: err}
		}
		r.scheduler.OnTaskStreaming(taskID)
		consumers := r.fanOutStream(dag, task, ch)
		out, err := materializeStream(consumers[0])
		for _, c := range consumers[1:] {
			go drainStream(c)
		}
		if err != nil {
			task.SetStatus(StatusFailed)
			r.pushOutgoingErrors(dag, task, err)
			return &LeafResult{TaskID: taskID, Type: task.Type(), Err: &StreamError{TaskID: taskID, Cause: err}}
		}
		task.SetStatus(StatusCompleted)
		task.ReportProgress(100)
		outMap, _ := out.(map[string]any)
		if outMap == nil && out != nil {
			outMap = map[string]any{AllPorts: out}
		}
		r.propagateOutputs(dag, task, outMap)
		if selector == UseCache && r.cache != nil && cacheKey != "" {
			_ = r.cache.Put(ctx, task.Type(), cacheKey, outMap)
		}
		return &LeafResult{TaskID: taskID, Type: task.Type(), Output: outMap}
	}

	var (
		out map[string]any
		err error
	)
	if reactive {
		out, err = task.RunReactive(rc, trc)
	} else {
		out, err = task.Run(rc, trc)
	}
	if err != nil {
		r.pushOutgoingErrors(dag, task, err)
		return &LeafResult{TaskID: taskID, Type: task.Type(), Err: err}
	}

	if sub, regenErr := task.RegenerateGraph(out); regenErr != nil {
		err := &TaskError{TaskID: taskID, Cause: regenErr}
		r.pushOutgoingErrors(dag, task, err)
		return &LeafResult{TaskID: taskID, Type: task.Type(), Err: err}
	} else if sub != nil {
		subOut, err := r.runSubGraph(ctx, sub, runID, runScope)
		if err != nil {
			task.SetStatus(StatusFailed)
			r.pushOutgoingErrors(dag, task, err)
			return &LeafResult{TaskID: taskID, Type: task.Type(), Err: &TaskError{TaskID: taskID, Cause: err}}
		}
		out = subOut
	}

	r.propagateOutputs(dag, task, out)
	if selector == UseCache && r.cache != nil && cacheKey != "" {
		_ = r.cache.Put(ctx, task.Type(), cacheKey, out)
	}
	return &LeafResult{TaskID: taskID, Type: task.Type(), Output: out}
}

// runSubGraph drives a composite task's dynamically regenerated sub-DAG to
// completion on a freshly scoped child Runner, so a task's own invocation
// recurses into its children exactly the way the parent run recurses into
// it. The child shares the parent's cache, compatibility function, registry
// and logger, but owns an independent scheduler and run-state so concurrent
// sibling tasks regenerating their own sub-graphs never contend on the
// parent's bookkeeping.
func (r *Runner) runSubGraph(ctx context.Context, sub *DAG, runID string, parentScope *registry.Registry) (map[string]any, error) {
	child := &Runner{
		scheduler:    NewDependencyScheduler(),
		cache:        r.cache,
		cacheDefault: r.cacheDefault,
		registry:     parentScope,
		compat:       r.compat,
		logger:       r.logger,
		events:       r.events,
	}
	results, err := child.Run(ctx, sub, RunConfig{RunID: runID})
	if err != nil {
		return nil, err
	}

	var sinks []string
	for _, id := range sub.GetNodes() {
		if len(sub.OutEdges(id)) == 0 {
			sinks = append(sinks, id)
		}
	}

	if len(sinks) == 1 {
		if lr, ok := results[sinks[0]]; ok {
			if lr.Err != nil {
				return nil, lr.Err
			}
			return lr.Output, nil
		}
		return nil, nil
	}

	merged := make(map[string]any, len(sinks))
	for _, id := range sinks {
		if lr, ok := results[id]; ok {
			if lr.Err != nil {
				return nil, lr.Err
			}
			merged[id] = lr.Output
		}
	}
	return merged, nil
}

// fanOutStream tees a task's single stream channel into one channel per
// stream-aware downstream consumer plus one retained for the runner's own
// materialization, so every consumer observes the same sequence of events
// independently. The runner owns this tee, not the Edge, per the edge's
// single-consumer contract. Edges whose target is not itself stream-aware
// are deliberately left unwired here - they get their value later, from
// propagateOutputs' materialized output - so their absence never leaves a
// buffered channel nobody drains.
func (r *Runner) fanOutStream(dag *DAG, task Task, src <-chan StreamEvent) []chan StreamEvent {
	outs := []chan StreamEvent{make(chan StreamEvent, 16)}
	for _, e := range dag.OutEdges(task.ID()) {
		target, ok := dag.GetNode(e.Target)
		if !ok || !target.IsStreaming() {
			continue
		}
		ch := make(chan StreamEvent, 16)
		e.SetStream(ch)
		outs = append(outs, ch)
	}
	go teeStreams(src, outs)
	return outs
}

func teeStreams(src <-chan StreamEvent, outs []chan StreamEvent) {
	defer func() {
		for _, o := range outs {
			close(o)
		}
	}()
	for ev := range src {
		for _, o := range outs {
			o <- ev
		}
	}
}

func drainStream(ch <-chan StreamEvent) {
	for range ch {
	}
}

// propagateOutputs writes a completed task's output onto every outgoing
// edge and feeds it into each target task's buffered input, gated by the
// configured CompatibilityFunc. It then checks whether the task declared
// active branches narrower than all of its output ports and, if so, cascades
// StatusDisabled to the targets of the pruned branches.
func (r *Runner) propagateOutputs(dag *DAG, task Task, output map[string]any) {
	r.graphMu.Lock()
	defer r.graphMu.Unlock()

	active := task.ActiveBranches(output)
	activeSet := make(map[string]bool, len(active))
	for _, p := range active {
		activeSet[p] = true
	}
	allActive := activeSet[AllPorts] || len(task.Branches()) <= 1

	for _, e := range dag.OutEdges(task.ID()) {
		if !allActive && !activeSet[e.SourcePort] {
			e.SetStatus(StatusDisabled)
			continue
		}

		var value any
		if output != nil {
			if v, ok := output[e.SourcePort]; ok {
				value = v
			} else if v, ok := output[AllPorts]; ok {
				value = v
			} else {
				value = output
			}
		}

		compat := e.SemanticallyCompatible(r.compat, value)
		if compat == CompatIncompatible {
			e.SetStatus(StatusDisabled)
			continue
		}

		e.SetPortData(value)

		target, ok := dag.GetNode(e.Target)
		if !ok {
			continue
		}
		if e.TargetPort == AllPorts {
			target.AddInput(AllPorts, value)
		} else {
			target.SetInput(e.TargetPort, value)
		}
	}

	if !allActive {
		r.cascadeDisabled(dag, task.ID(), activeSet)
	}
}

// pushOutgoingErrors records err on every outgoing edge's ErrorPort so
// downstream tasks that consume [error] can react, without marking the
// edges' primary port data as present.
func (r *Runner) pushOutgoingErrors(dag *DAG, task Task, err error) {
	r.graphMu.Lock()
	defer r.graphMu.Unlock()

	for _, e := range dag.OutEdges(task.ID()) {
		e.SetError(err)
		if target, ok := dag.GetNode(e.Target); ok {
			target.AddInput(ErrorPort, err)
		}
	}
}

// cascadeDisabled propagates StatusDisabled transitively to tasks reachable
// only through edges whose source branch was pruned, iterating to a fixed
// point: disabling a task can itself prune further branches downstream.
// Callers must hold r.graphMu.
func (r *Runner) cascadeDisabled(dag *DAG, sourceID string, activeSet map[string]bool) {
	queue := []string{}
	for _, e := range dag.OutEdges(sourceID) {
		if !activeSet[AllPorts] && !activeSet[e.SourcePort] {
			queue = append(queue, e.Target)
		}
	}

	visited := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}

		target, ok := dag.GetNode(id)
		if !ok {
			continue
		}
		if !r.hasAnyLiveIncoming(dag, id) {
			visited[id] = true
			target.Disable()
			if ds, ok := r.scheduler.(*DependencyScheduler); ok {
				ds.MarkDisabled(id)
			}
			for _, e := range dag.OutEdges(id) {
				e.SetStatus(StatusDisabled)
				queue = append(queue, e.Target)
			}
		}
	}
}

func (r *Runner) hasAnyLiveIncoming(dag *DAG, nodeID string) bool {
	in := dag.InEdges(nodeID)
	if len(in) == 0 {
		return true
	}
	for _, e := range in {
		if e.Status() != StatusDisabled {
			return true
		}
	}
	return false
}

// Abort cancels the active run's context, which propagates to every task via
// its RunContext and marks any task still in flight as StatusAborting.
func (r *Runner) Abort() {
	r.mu.Lock()
	r.aborted = true
	cancel := r.cancel
	dag := r.dag
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if dag == nil {
		return
	}
	for _, id := range dag.GetNodes() {
		if task, ok := dag.GetNode(id); ok {
			if s := task.Status(); s == StatusProcessing || s == StatusStreaming {
				task.Abort()
			}
		}
	}
}

// Disable transitions every PENDING task to StatusDisabled, freezing the run
// without cancelling tasks already in flight.
func (r *Runner) Disable() {
	r.mu.Lock()
	dag := r.dag
	r.mu.Unlock()
	if dag == nil {
		return
	}
	for _, id := range dag.GetNodes() {
		if task, ok := dag.GetNode(id); ok && task.Status() == StatusPending {
			task.Disable()
		}
	}
}

// ResetGraph clears every task and edge back to StatusPending so the DAG can
// be re-run from scratch.
func (r *Runner) ResetGraph(dag *DAG) {
	for _, id := range dag.GetNodes() {
		if task, ok := dag.GetNode(id); ok {
			task.ResetForRun()
		}
	}
	for _, e := range dag.GetEdges() {
		e.Reset()
	}
	r.scheduler.Reset()
}

func (r *Runner) cleanup() {
	r.mu.Lock()
	r.running = false
	r.cancel = nil
	r.mu.Unlock()
	r.logger.Info("run %s finished", r.runID)
}
