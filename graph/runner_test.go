package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/taskgraph/config"
)

func taskThatAdds(id string, n int) *BaseTask {
	return NewBaseTask(TaskOptions{
		ID:   id,
		Type: "add",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			base, _ := input[AllPorts].(int)
			return map[string]any{AllPorts: base + n}, nil
		},
	})
}

func taskThatSeeds(id string, v int) *BaseTask {
	return NewBaseTask(TaskOptions{
		ID:   id,
		Type: "seed",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			return map[string]any{AllPorts: v}, nil
		},
	})
}

// S1: a linear chain propagates output from each task into the next.
func TestRunner_LinearChain(t *testing.T) {
	dag := NewDAG()
	require.NoError(t, dag.AddNode(taskThatSeeds("start", 1)))
	require.NoError(t, dag.AddNode(taskThatAdds("plus2", 2)))
	require.NoError(t, dag.AddNode(taskThatAdds("plus3", 3)))

	_, err := dag.AddEdge("start", AllPorts, "plus2", AllPorts)
	require.NoError(t, err)
	_, err = dag.AddEdge("plus2", AllPorts, "plus3", AllPorts)
	require.NoError(t, err)

	r := NewRunner()
	results, err := r.Run(context.Background(), dag, RunConfig{})
	require.NoError(t, err)

	require.Contains(t, results, "plus3")
	assert.NoError(t, results["plus3"].Err)
	assert.Equal(t, 6, results["plus3"].Output[AllPorts])
}

// S2: parallel fan-out from one source, fan-in aggregated by a join task.
func TestRunner_FanOutFanIn(t *testing.T) {
	dag := NewDAG()
	require.NoError(t, dag.AddNode(taskThatSeeds("start", 10)))
	require.NoError(t, dag.AddNode(taskThatAdds("left", 1)))
	require.NoError(t, dag.AddNode(taskThatAdds("right", 2)))

	var joinMu sync.Mutex
	seen := map[string]any{}
	join := NewBaseTask(TaskOptions{
		ID:   "join",
		Type: "join",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			joinMu.Lock()
			for k, v := range input {
				seen[k] = v
			}
			joinMu.Unlock()
			return map[string]any{AllPorts: input}, nil
		},
	})
	require.NoError(t, dag.AddNode(join))

	_, err := dag.AddEdge("start", AllPorts, "left", AllPorts)
	require.NoError(t, err)
	_, err = dag.AddEdge("start", AllPorts, "right", AllPorts)
	require.NoError(t, err)
	_, err = dag.AddEdge("left", AllPorts, "join", "left")
	require.NoError(t, err)
	_, err = dag.AddEdge("right", AllPorts, "join", "right")
	require.NoError(t, err)

	r := NewRunner()
	results, err := r.Run(context.Background(), dag, RunConfig{})
	require.NoError(t, err)

	// "left" and "right" feed "join" and are not graph leaves, so they have
	// no entry in results; only "join" does.
	assert.NotContains(t, results, "left")
	assert.NotContains(t, results, "right")
	require.Contains(t, results, "join")
	assert.NoError(t, results["join"].Err)
	assert.Equal(t, 11, seen["left"])
	assert.Equal(t, 12, seen["right"])
}

// S3: a task that prunes one of its branches disables the task reachable
// only through that branch.
func TestRunner_ConditionalBranchPruning(t *testing.T) {
	dag := NewDAG()

	router := NewBaseTask(TaskOptions{
		ID:          "router",
		Type:        "router",
		OutputPorts: []string{"yes", "no"},
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			return map[string]any{"yes": true}, nil
		},
		Branch: func(output map[string]any) []string {
			if _, ok := output["yes"]; ok {
				return []string{"yes"}
			}
			return []string{"no"}
		},
	})
	require.NoError(t, dag.AddNode(router))
	require.NoError(t, dag.AddNode(taskThatSeeds("onYes", 1)))
	require.NoError(t, dag.AddNode(taskThatSeeds("onNo", 2)))

	_, err := dag.AddEdge("router", "yes", "onYes", AllPorts)
	require.NoError(t, err)
	_, err = dag.AddEdge("router", "no", "onNo", AllPorts)
	require.NoError(t, err)

	r := NewRunner()
	results, err := r.Run(context.Background(), dag, RunConfig{})
	require.NoError(t, err)

	onYesTask, _ := dag.GetNode("onYes")
	onNoTask, _ := dag.GetNode("onNo")
	assert.Equal(t, StatusCompleted, onYesTask.Status())
	assert.Equal(t, StatusDisabled, onNoTask.Status())
	assert.NotContains(t, results, "onNo")
}

type fakeCache struct {
	mu    sync.Mutex
	store map[string]map[string]any
	hits  int
	puts  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string]map[string]any)}
}

func (c *fakeCache) key(taskType, canonical string) string { return taskType + "|" + canonical }

func (c *fakeCache) Get(ctx context.Context, taskType, canonicalInput string) (map[string]any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[c.key(taskType, canonicalInput)]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *fakeCache) Put(ctx context.Context, taskType, canonicalInput string, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[c.key(taskType, canonicalInput)] = output
	c.puts++
	return nil
}

// S5: a cache hit short-circuits Execute but still propagates output through
// the normal edge path.
func TestRunner_CacheHitShortCircuits(t *testing.T) {
	cache := newFakeCache()
	calls := 0

	makeDAG := func() *DAG {
		dag := NewDAG()
		require.NoError(t, dag.AddNode(taskThatSeeds("start", 5)))
		counted := NewBaseTask(TaskOptions{
			ID:   "counted",
			Type: "counted",
			Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
				calls++
				base, _ := input[AllPorts].(int)
				return map[string]any{AllPorts: base * 2}, nil
			},
		})
		require.NoError(t, dag.AddNode(counted))
		_, err := dag.AddEdge("start", AllPorts, "counted", AllPorts)
		require.NoError(t, err)
		return dag
	}

	r := NewRunner(WithDefaultCache(cache))

	dag1 := makeDAG()
	results, err := r.Run(context.Background(), dag1, RunConfig{Cache: UseCache})
	require.NoError(t, err)
	assert.Equal(t, 10, results["counted"].Output[AllPorts])
	assert.Equal(t, 1, calls)
	// RunConfig.Cache applies to every task in the run, so both "start" and
	// "counted" store their output.
	assert.Equal(t, 2, cache.puts)

	dag2 := makeDAG()
	results2, err := r.Run(context.Background(), dag2, RunConfig{Cache: UseCache})
	require.NoError(t, err)
	assert.Equal(t, 10, results2["counted"].Output[AllPorts])
	assert.Equal(t, 1, calls, "Execute must not run again on a cache hit")
	assert.GreaterOrEqual(t, cache.hits, 1)
}

// S6: a streaming task's chunks reach a downstream task's materialized input.
func TestRunner_StreamingPipeThrough(t *testing.T) {
	dag := NewDAG()

	producer := NewBaseTask(TaskOptions{
		ID:   "producer",
		Type: "producer",
		Stream: func(ctx *RunContext, input map[string]any) (<-chan StreamEvent, error) {
			ch := make(chan StreamEvent, 4)
			go func() {
				defer close(ch)
				ch <- StreamEvent{Kind: StreamEventDelta, Delta: "he"}
				ch <- StreamEvent{Kind: StreamEventDelta, Delta: "llo"}
				ch <- StreamEvent{Kind: StreamEventFinish, Value: map[string]any{AllPorts: "hello"}}
			}()
			return ch, nil
		},
	})
	require.NoError(t, dag.AddNode(producer))

	var gotMu sync.Mutex
	var got any
	consumer := NewBaseTask(TaskOptions{
		ID:   "consumer",
		Type: "consumer",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			gotMu.Lock()
			got = input[AllPorts]
			gotMu.Unlock()
			return map[string]any{AllPorts: input[AllPorts]}, nil
		},
	})
	require.NoError(t, dag.AddNode(consumer))

	_, err := dag.AddEdge("producer", AllPorts, "consumer", AllPorts)
	require.NoError(t, err)

	r := NewRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := r.Run(ctx, dag, RunConfig{})
	require.NoError(t, err)
	require.NoError(t, results["consumer"].Err)

	gotMu.Lock()
	defer gotMu.Unlock()
	assert.Equal(t, "hello", got)
}

func TestNewRunnerWithConfig_WiresDefaultCache(t *testing.T) {
	cfg := config.DefaultRunnerConfig()
	cfg.DefaultCacheEnabled = true

	calls := 0
	makeDAG := func() *DAG {
		dag := NewDAG()
		require.NoError(t, dag.AddNode(taskThatSeeds("start", 1)))
		counted := NewBaseTask(TaskOptions{
			ID:   "counted",
			Type: "counted-cfg",
			Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
				calls++
				return map[string]any{AllPorts: input[AllPorts]}, nil
			},
		})
		require.NoError(t, dag.AddNode(counted))
		_, err := dag.AddEdge("start", AllPorts, "counted", AllPorts)
		require.NoError(t, err)
		return dag
	}

	r := NewRunnerWithConfig(cfg)

	_, err := r.Run(context.Background(), makeDAG(), RunConfig{Cache: UseCache})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), makeDAG(), RunConfig{Cache: UseCache})
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "config-enabled default cache must short-circuit the second run")
}

// A composite task whose SubGraphFunc is set regenerates and executes its
// own sub-DAG as part of being run, and its own output is the sub-DAG's
// single sink's output, transparently to the downstream consumer.
func TestRunner_CompositeTaskRunsSubGraph(t *testing.T) {
	dag := NewDAG()
	require.NoError(t, dag.AddNode(taskThatSeeds("start", 4)))

	composite := NewBaseTask(TaskOptions{
		ID:   "composite",
		Type: "composite",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			return map[string]any{AllPorts: input[AllPorts]}, nil
		},
		SubGraphFunc: func(output map[string]any) (*DAG, error) {
			base, _ := output[AllPorts].(int)
			sub := NewDAG()
			if err := sub.AddNode(taskThatSeeds("inner_seed", base)); err != nil {
				return nil, err
			}
			if err := sub.AddNode(taskThatAdds("inner_add", base)); err != nil {
				return nil, err
			}
			if _, err := sub.AddEdge("inner_seed", AllPorts, "inner_add", AllPorts); err != nil {
				return nil, err
			}
			return sub, nil
		},
	})
	require.NoError(t, dag.AddNode(composite))

	downstream := NewBaseTask(TaskOptions{
		ID:   "downstream",
		Type: "downstream",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			return map[string]any{AllPorts: input[AllPorts]}, nil
		},
	})
	require.NoError(t, dag.AddNode(downstream))

	_, err := dag.AddEdge("start", AllPorts, "composite", AllPorts)
	require.NoError(t, err)
	_, err = dag.AddEdge("composite", AllPorts, "downstream", AllPorts)
	require.NoError(t, err)

	r := NewRunner()
	results, err := r.Run(context.Background(), dag, RunConfig{})
	require.NoError(t, err)

	require.True(t, composite.HasChildren())
	// "composite" feeds "downstream", so it is not a graph leaf and has no
	// entry in results; its output is read off its outgoing edge instead.
	assert.NotContains(t, results, "composite")
	compositeOut, _ := dag.OutEdges("composite")[0].GetPortData(AllPorts)
	assert.Equal(t, map[string]any{AllPorts: 8}, compositeOut)
	assert.Equal(t, 8, results["downstream"].Output[AllPorts])
}

func TestRunner_Abort_CancelsInFlightContext(t *testing.T) {
	dag := NewDAG()
	started := make(chan struct{})
	blocked := NewBaseTask(TaskOptions{
		ID:   "blocked",
		Type: "blocked",
		Execute: func(ctx *RunContext, input map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, dag.AddNode(blocked))

	r := NewRunner()
	done := make(chan struct{})
	var results map[string]*LeafResult
	var runErr error
	go func() {
		results, runErr = r.Run(context.Background(), dag, RunConfig{})
		close(done)
	}()

	<-started
	r.Abort()
	<-done

	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, ErrAborted)
	require.Contains(t, results, "blocked")
	assert.Error(t, results["blocked"].Err)
}
