package graph

import (
	"context"
	"sort"
	"sync"
)

// Scheduler decides which tasks are eligible to run next. The Runner owns
// actual dispatch (goroutines, input assembly); the Scheduler only tracks
// readiness.
type Scheduler interface {
	// Init prepares the scheduler for a fresh run over dag.
	Init(dag *DAG)
	// Next blocks until at least one task is ready to run, no task remains to
	// be handed out (returns nil, nil; tasks already dispatched may still be
	// running), or ctx is cancelled. It never returns the
	// same task id twice without an intervening OnTaskCompleted/OnTaskStreaming
	// for a dependency, since callers are expected to mark a task dispatched
	// by calling MarkDispatched immediately after receiving it.
	Next(ctx context.Context) ([]string, error)
	// MarkDispatched tells the scheduler a returned task id has been taken
	// for execution and should not be returned again until it completes.
	MarkDispatched(taskID string)
	// OnTaskCompleted notifies the scheduler that taskID finished (success or
	// failure) so its dependents can be reconsidered.
	OnTaskCompleted(taskID string)
	// OnTaskStreaming notifies the scheduler that taskID has begun streaming,
	// which is sufficient to unblock dependents that only need a live feed.
	OnTaskStreaming(taskID string)
	// Reset clears all scheduler state so Init can be called again.
	Reset()
}

// TopologicalScheduler dispatches tasks one at a time in a fixed topological
// order computed once at Init, ignoring concurrent readiness. It is the
// deterministic, serial counterpart to DependencyScheduler, useful for replay
// and debugging.
type TopologicalScheduler struct {
	mu      sync.Mutex
	order   []string
	cursor  int
	inFlt   map[string]bool
	done    map[string]bool
	wake    chan struct{}
}

var _ Scheduler = (*TopologicalScheduler)(nil)

func NewTopologicalScheduler() *TopologicalScheduler {
	return &TopologicalScheduler{wake: make(chan struct{})}
}

func (s *TopologicalScheduler) Init(dag *DAG) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = dag.TopologicallySorted()
	s.cursor = 0
	s.inFlt = make(map[string]bool)
	s.done = make(map[string]bool)
	s.wake = make(chan struct{})
}

func (s *TopologicalScheduler) Next(ctx context.Context) ([]string, error) {
	for {
		s.mu.Lock()
		for s.cursor < len(s.order) && s.done[s.order[s.cursor]] {
			s.cursor++
		}
		if s.cursor >= len(s.order) {
			s.mu.Unlock()
			return nil, nil
		}
		next := s.order[s.cursor]
		if !s.inFlt[next] {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				return []string{next}, nil
			}
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (s *TopologicalScheduler) MarkDispatched(taskID string) {
	s.mu.Lock()
	s.inFlt[taskID] = true
	s.mu.Unlock()
}

func (s *TopologicalScheduler) OnTaskCompleted(taskID string) {
	s.mu.Lock()
	s.done[taskID] = true
	delete(s.inFlt, taskID)
	s.cursor++
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *TopologicalScheduler) OnTaskStreaming(taskID string) {
	// A streaming task is not yet complete; the serial scheduler simply waits
	// for completion before advancing.
}

func (s *TopologicalScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.cursor = 0
	s.inFlt = make(map[string]bool)
	s.done = make(map[string]bool)
}

// DependencyScheduler is the default scheduler: a task is ready once, for
// every incoming edge whose source task is not disabled, that source has
// COMPLETED (or, when the task is itself stream-aware, has at least begun
// STREAMING), and the task itself has not already been dispatched, finished
// or disabled. Multiple tasks can be ready simultaneously, enabling concurrent
// dispatch by the Runner.
type DependencyScheduler struct {
	mu               sync.Mutex
	dag              *DAG
	dispatched       map[string]bool
	satisfiedComplete map[string]bool
	satisfiedStream   map[string]bool
	disabled          map[string]bool

	wakeCh chan struct{} // closed and replaced on every state change
}

var _ Scheduler = (*DependencyScheduler)(nil)

func NewDependencyScheduler() *DependencyScheduler {
	return &DependencyScheduler{wakeCh: make(chan struct{})}
}

func (s *DependencyScheduler) Init(dag *DAG) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dag = dag
	s.dispatched = make(map[string]bool)
	s.satisfiedComplete = make(map[string]bool)
	s.satisfiedStream = make(map[string]bool)
	s.disabled = make(map[string]bool)
	s.wakeCh = make(chan struct{})
}

// MarkDisabled lets the Runner tell the scheduler a task was pruned by
// conditional-branch propagation; its outgoing edges no longer gate
// readiness for their targets.
func (s *DependencyScheduler) MarkDisabled(taskID string) {
	s.mu.Lock()
	s.disabled[taskID] = true
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *DependencyScheduler) broadcastLocked() {
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
}

func (s *DependencyScheduler) isReadyLocked(nodeID string) bool {
	if s.dispatched[nodeID] || s.satisfiedComplete[nodeID] || s.disabled[nodeID] {
		return false
	}

	// Only a task that is itself stream-aware may be released while one of
	// its sources is merely STREAMING rather than COMPLETED - a plain task
	// needs the materialized value propagateOutputs writes on completion,
	// and dispatching it early would read an empty/partial input buffer.
	streamAware := false
	if target, ok := s.dag.GetNode(nodeID); ok {
		streamAware = target.IsStreaming()
	}

	incoming := s.dag.InEdges(nodeID)
	if len(incoming) == 0 {
		return true
	}
	anyLive := false
	for _, e := range incoming {
		if s.disabled[e.Source] {
			continue
		}
		anyLive = true
		if s.satisfiedComplete[e.Source] {
			continue
		}
		if streamAware && s.satisfiedStream[e.Source] {
			continue
		}
		return false
	}
	// A node whose every incoming edge originates at a disabled task has no
	// live dependency left and is not ready; the Runner disables such nodes
	// instead of running them (see Runner.cascadeDisabled).
	return anyLive || len(incoming) == 0
}

func (s *DependencyScheduler) Next(ctx context.Context) ([]string, error) {
	for {
		s.mu.Lock()
		var ready []string
		for _, node := range s.dag.GetNodes() {
			if s.isReadyLocked(node) {
				ready = append(ready, node)
			}
		}
		sort.Strings(ready)
		if len(ready) > 0 {
			s.mu.Unlock()
			return ready, nil
		}
		if s.allResolvedLocked() {
			s.mu.Unlock()
			return nil, nil
		}
		wake := s.wakeCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (s *DependencyScheduler) allResolvedLocked() bool {
	for _, node := range s.dag.GetNodes() {
		if s.dispatched[node] || s.satisfiedComplete[node] || s.disabled[node] {
			continue
		}
		return false
	}
	return true
}

func (s *DependencyScheduler) MarkDispatched(taskID string) {
	s.mu.Lock()
	s.dispatched[taskID] = true
	s.mu.Unlock()
}

func (s *DependencyScheduler) OnTaskCompleted(taskID string) {
	s.mu.Lock()
	s.satisfiedComplete[taskID] = true
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *DependencyScheduler) OnTaskStreaming(taskID string) {
	s.mu.Lock()
	s.satisfiedStream[taskID] = true
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *DependencyScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = make(map[string]bool)
	s.satisfiedComplete = make(map[string]bool)
	s.satisfiedStream = make(map[string]bool)
	s.disabled = make(map[string]bool)
	s.wakeCh = make(chan struct{})
}
