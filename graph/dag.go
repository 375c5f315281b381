package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DAG is the graph container: it owns node identity and edge topology but
// holds no execution state of its own (that lives on Task and Edge).
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]Task
	order []string // insertion order, for deterministic iteration

	edges   map[string]*Edge
	outAdj  map[string][]string // node -> edge ids leaving it
	inAdj   map[string][]string // node -> edge ids entering it
}

// NewDAG constructs an empty graph.
func NewDAG() *DAG {
	return &DAG{
		nodes:  make(map[string]Task),
		edges:  make(map[string]*Edge),
		outAdj: make(map[string][]string),
		inAdj:  make(map[string][]string),
	}
}

// AddNode registers task under its own ID. Re-adding the same ID fails with
// a TaskConfigurationError.
func (d *DAG) AddNode(task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.nodes[task.ID()]; exists {
		return &TaskConfigurationError{TaskID: task.ID(), Reason: "duplicate node id"}
	}
	d.nodes[task.ID()] = task
	d.order = append(d.order, task.ID())
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (d *DAG) RemoveNode(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[id]; !ok {
		return
	}
	delete(d.nodes, id)
	for i, n := range d.order {
		if n == id {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	for _, eid := range append([]string(nil), d.outAdj[id]...) {
		d.removeEdgeLocked(eid)
	}
	for _, eid := range append([]string(nil), d.inAdj[id]...) {
		d.removeEdgeLocked(eid)
	}
}

// GetNode returns the task registered under id.
func (d *DAG) GetNode(id string) (Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.nodes[id]
	return t, ok
}

// GetNodes returns every node id in insertion order.
func (d *DAG) GetNodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// AddEdge connects source/sourcePort to target/targetPort. It rejects
// unknown endpoints, duplicate edge identities, and edges that would
// introduce a cycle.
func (d *DAG) AddEdge(source, sourcePort, target, targetPort string) (*Edge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[source]; !ok {
		return nil, &UnknownNode{NodeID: source}
	}
	if _, ok := d.nodes[target]; !ok {
		return nil, &UnknownNode{NodeID: target}
	}

	e := NewEdge(source, sourcePort, target, targetPort)
	id := e.EdgeID()
	if _, exists := d.edges[id]; exists {
		return nil, &DuplicateEdge{EdgeID: id}
	}

	if d.reachableLocked(target, source) {
		return nil, &CycleDetected{Nodes: []string{source, target}}
	}

	d.edges[id] = e
	d.outAdj[source] = append(d.outAdj[source], id)
	d.inAdj[target] = append(d.inAdj[target], id)
	return e, nil
}

// RemoveEdge deletes the edge with the given identity, if present.
func (d *DAG) RemoveEdge(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeEdgeLocked(id)
}

func (d *DAG) removeEdgeLocked(id string) {
	e, ok := d.edges[id]
	if !ok {
		return
	}
	delete(d.edges, id)
	d.outAdj[e.Source] = removeString(d.outAdj[e.Source], id)
	d.inAdj[e.Target] = removeString(d.inAdj[e.Target], id)
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}

// GetEdge looks up an edge by its identity string.
func (d *DAG) GetEdge(id string) (*Edge, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.edges[id]
	return e, ok
}

// GetEdges returns every edge in the graph, ordered by source then target
// node id for determinism.
func (d *DAG) GetEdges() []*Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Edge, 0, len(d.edges))
	for _, e := range d.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// OutEdges returns the edges leaving node, in insertion order.
func (d *DAG) OutEdges(node string) []*Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.outAdj[node]
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.edges[id])
	}
	return out
}

// InEdges returns the edges entering node, in insertion order.
func (d *DAG) InEdges(node string) []*Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.inAdj[node]
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.edges[id])
	}
	return out
}

// reachableLocked reports whether target is reachable from source following
// outgoing edges. Callers must hold d.mu.
func (d *DAG) reachableLocked(source, target string) bool {
	if source == target {
		return true
	}
	visited := map[string]bool{source: true}
	stack := []string{source}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, eid := range d.outAdj[n] {
			next := d.edges[eid].Target
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// TopologicallySorted returns node ids in a topological order using Kahn's
// algorithm, breaking ties by insertion order for determinism.
func (d *DAG) TopologicallySorted() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indegree := make(map[string]int, len(d.nodes))
	pos := make(map[string]int, len(d.order))
	for i, n := range d.order {
		indegree[n] = len(d.inAdj[n])
		pos[n] = i
	}

	var ready []string
	for _, n := range d.order {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	var out []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, eid := range d.outAdj[n] {
			t := d.edges[eid].Target
			indegree[t]--
			if indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	return out
}

// EntryPoints returns the nodes with no incoming edges.
func (d *DAG) EntryPoints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, n := range d.order {
		if len(d.inAdj[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// TaskJSON is the serializable shape of a node: its id, type, static
// configuration, currently buffered input, and - for composite tasks - its
// regenerated sub-graph.
type TaskJSON struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	SubGraph *DAGJSON `json:"subgraph,omitempty"`
}

// DataflowJSON is the serializable shape of an edge's topology (not its
// runtime data).
type DataflowJSON struct {
	SourceTaskID     string `json:"sourceTaskId"`
	SourceTaskPortID string `json:"sourceTaskPortId"`
	TargetTaskID     string `json:"targetTaskId"`
	TargetTaskPortID string `json:"targetTaskPortId"`
}

// DAGJSON is the full serializable shape of a DAG's topology: a flat task
// list plus a flat dataflow list.
type DAGJSON struct {
	Tasks     []TaskJSON     `json:"tasks"`
	Dataflows []DataflowJSON `json:"dataflows"`
}

// DependencyEdgeJSON is one incoming dataflow in a DependencyJSON's
// per-target grouping; the target task id is the map key it is stored under,
// so it is not repeated here.
type DependencyEdgeJSON struct {
	SourceTaskID     string `json:"sourceTaskId"`
	SourceTaskPortID string `json:"sourceTaskPortId"`
	TargetTaskPortID string `json:"targetTaskPortId"`
}

// DependencyJSON is the toDependencyJSON wire shape: informationally
// equivalent to DAGJSON, but dataflows are grouped by target task id instead
// of listed flatly.
type DependencyJSON struct {
	Tasks        []TaskJSON                      `json:"tasks"`
	Dependencies map[string][]DependencyEdgeJSON `json:"dependencies"`
}

// ToJSON serializes the DAG's topology and per-task config/input/subgraph
// state to JSON bytes.
func (d *DAG) ToJSON() ([]byte, error) {
	doc := d.ToDAGJSON()
	return json.Marshal(doc)
}

// ToDAGJSON builds the flat {tasks, dataflows} document without marshaling
// it, for callers that want to inspect or further transform it.
func (d *DAG) ToDAGJSON() DAGJSON {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := DAGJSON{}
	for _, id := range d.order {
		t := d.nodes[id]
		tj := TaskJSON{
			ID:     t.ID(),
			Type:   t.Type(),
			Config: t.Config(),
			Input:  t.CurrentInput(),
		}
		if t.HasChildren() {
			sub := t.SubGraph().ToDAGJSON()
			tj.SubGraph = &sub
		}
		out.Tasks = append(out.Tasks, tj)
	}
	for _, e := range d.getEdgesLocked() {
		out.Dataflows = append(out.Dataflows, DataflowJSON{
			SourceTaskID:     e.Source,
			SourceTaskPortID: e.SourcePort,
			TargetTaskID:     e.Target,
			TargetTaskPortID: e.TargetPort,
		})
	}
	return out
}

// ToDependencyJSON rewrites the DAG's dataflows as per-target dependency
// maps, equivalent in information to ToDAGJSON.
func (d *DAG) ToDependencyJSON() DependencyJSON {
	flat := d.ToDAGJSON()
	deps := make(map[string][]DependencyEdgeJSON)
	for _, e := range flat.Dataflows {
		deps[e.TargetTaskID] = append(deps[e.TargetTaskID], DependencyEdgeJSON{
			SourceTaskID:     e.SourceTaskID,
			SourceTaskPortID: e.SourceTaskPortID,
			TargetTaskPortID: e.TargetTaskPortID,
		})
	}
	return DependencyJSON{Tasks: flat.Tasks, Dependencies: deps}
}

// getEdgesLocked is GetEdges without re-acquiring d.mu, for callers that
// already hold the read lock.
func (d *DAG) getEdgesLocked() []*Edge {
	out := make([]*Edge, 0, len(d.edges))
	for _, e := range d.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// CreateFromJSON rebuilds topology from a DAGJSON document against an
// already-constructed set of tasks (nodeFactory resolves a TaskJSON entry to
// a live Task, since the wire format carries no executable code).
func CreateFromJSON(doc DAGJSON, nodeFactory func(TaskJSON) (Task, error)) (*DAG, error) {
	dag := NewDAG()
	for _, n := range doc.Tasks {
		task, err := nodeFactory(n)
		if err != nil {
			return nil, fmt.Errorf("taskgraph: building node %q: %w", n.ID, err)
		}
		if err := dag.AddNode(task); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Dataflows {
		if _, err := dag.AddEdge(e.SourceTaskID, e.SourceTaskPortID, e.TargetTaskID, e.TargetTaskPortID); err != nil {
			return nil, err
		}
	}
	return dag, nil
}
