package graph

import (
	"fmt"
	"strings"
	"sync"
)

// StreamEventKind enumerates the variants a task's stream channel may emit.
type StreamEventKind string

const (
	StreamEventDelta    StreamEventKind = "delta"
	StreamEventSnapshot StreamEventKind = "snapshot"
	StreamEventFinish   StreamEventKind = "finish"
	StreamEventError    StreamEventKind = "error"
)

// StreamEvent is one item produced on a streaming task's output channel.
type StreamEvent struct {
	Kind  StreamEventKind
	Port  string
	Delta string // set when Kind == StreamEventDelta
	Value any    // set when Kind == StreamEventSnapshot or StreamEventFinish
	Err   error  // set when Kind == StreamEventError
}

// Edge is a single dataflow connection between one task's output port and
// another task's input port. Edges hold the data that actually flows through
// the graph; the DAG only holds topology.
type Edge struct {
	Source     string
	SourcePort string
	Target     string
	TargetPort string

	SourceSchema Schema
	TargetSchema Schema

	mu       sync.Mutex
	status   Status
	data     any
	hasData  bool
	err      error
	streamCh <-chan StreamEvent
}

// NewEdge constructs a pending edge between the given ports. An empty port
// name is normalized to AllPorts.
func NewEdge(source, sourcePort, target, targetPort string) *Edge {
	if sourcePort == "" {
		sourcePort = AllPorts
	}
	if targetPort == "" {
		targetPort = AllPorts
	}
	return &Edge{
		Source:     source,
		SourcePort: sourcePort,
		Target:     target,
		TargetPort: targetPort,
		status:     StatusPending,
	}
}

// EdgeID returns the canonical identity string for the edge:
// "<srcId>[<srcPort>] ==> <tgtId>[<tgtPort>]".
func (e *Edge) EdgeID() string {
	return edgeID(e.Source, e.SourcePort, e.Target, e.TargetPort)
}

func edgeID(source, sourcePort, target, targetPort string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s] ==> %s[%s]", source, sourcePort, target, targetPort)
	return b.String()
}

// Status returns the edge's current status under lock.
func (e *Edge) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetStatus transitions the edge to a new status.
func (e *Edge) SetStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Reset clears any data, error or stream attached to the edge and returns it
// to StatusPending. Used by Runner.ResetGraph.
func (e *Edge) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusPending
	e.data = nil
	e.hasData = false
	e.err = nil
	e.streamCh = nil
}

// SetPortData attaches a finished (non-streaming) value to the edge.
func (e *Edge) SetPortData(value any) {
	e.mu.Lock()
	e.data = value
	e.hasData = true
	e.status = StatusCompleted
	e.mu.Unlock()
}

// SetError attaches a terminal error to the edge, addressable through the
// reserved ErrorPort.
func (e *Edge) SetError(err error) {
	e.mu.Lock()
	e.err = err
	e.status = StatusFailed
	e.mu.Unlock()
}

// SetStream attaches a live stream channel to the edge for a downstream
// consumer that wants chunk-by-chunk delivery rather than a materialized
// final value. Ownership of teeing the channel to multiple consumers belongs
// to the Runner, not the Edge.
func (e *Edge) SetStream(ch <-chan StreamEvent) {
	e.mu.Lock()
	e.streamCh = ch
	e.status = StatusStreaming
	e.mu.Unlock()
}

// Stream returns the edge's live stream channel, if any.
func (e *Edge) Stream() (<-chan StreamEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamCh, e.streamCh != nil
}

// GetPortData returns the data available for the given port. port must be
// either the edge's TargetPort, AllPorts, or ErrorPort. When the edge's
// stored value is not itself a map and AllPorts is requested, the value is
// wrapped as map[string]any{AllPorts: value} rather than returned bare, so
// callers can always treat an AllPorts read as addressable by key.
func (e *Edge) GetPortData(port string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if port == ErrorPort {
		if e.err == nil {
			return nil, false
		}
		return e.err, true
	}
	if !e.hasData {
		return nil, false
	}
	if port == AllPorts {
		if m, ok := e.data.(map[string]any); ok {
			return m, true
		}
		return map[string]any{AllPorts: e.data}, true
	}
	if m, ok := e.data.(map[string]any); ok {
		v, present := m[port]
		return v, present
	}
	return nil, false
}

// AwaitStreamValue blocks on the edge's stream channel (if any) and
// materializes a final value from it, applying snapshot-over-finish-data-
// over-text-delta-accumulation-over-error priority: the most recent snapshot
// wins outright; absent a snapshot, a non-empty finish value (not nil and not
// an empty map) wins; absent
// both, accumulated text deltas are concatenated; an error event is recorded
// but only returned as the materialized result if nothing else was ever
// produced.
func (e *Edge) AwaitStreamValue() (any, error) {
	ch, ok := e.Stream()
	if !ok {
		data, hasData := e.GetPortData(e.TargetPort)
		if hasData {
			return data, nil
		}
		return nil, nil
	}
	return materializeStream(ch)
}

func materializeStream(ch <-chan StreamEvent) (any, error) {
	var (
		snapshot   any
		hasSnap    bool
		finish     any
		hasFinish  bool
		deltaBuf   strings.Builder
		hasDelta   bool
		streamErr  error
	)

	for ev := range ch {
		switch ev.Kind {
		case StreamEventSnapshot:
			snapshot = ev.Value
			hasSnap = true
		case StreamEventFinish:
			if m, isMap := ev.Value.(map[string]any); ev.Value != nil && !(isMap && len(m) == 0) {
				finish = ev.Value
				hasFinish = true
			}
		case StreamEventDelta:
			deltaBuf.WriteString(ev.Delta)
			hasDelta = true
		case StreamEventError:
			streamErr = ev.Err
		}
	}

	switch {
	case hasSnap:
		return snapshot, nil
	case hasFinish:
		return finish, nil
	case hasDelta:
		return deltaBuf.String(), nil
	case streamErr != nil:
		return nil, streamErr
	default:
		return nil, nil
	}
}

// SemanticallyCompatible evaluates fn against the edge's configured source
// and target schemas and a representative value, defaulting to
// AlwaysStaticCompatibility when fn is nil.
func (e *Edge) SemanticallyCompatible(fn CompatibilityFunc, value any) Compatibility {
	if fn == nil {
		fn = AlwaysStaticCompatibility
	}
	return fn(e.SourceSchema, e.TargetSchema, value)
}
