package graph

import (
	"fmt"
	"sort"
	"strings"
)

// VisualizeMermaid renders dag as a Mermaid flowchart, one node per task and
// one arrow per edge, labelled with source/target ports when they are not
// both ALL_PORTS.
func VisualizeMermaid(dag *DAG) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	for _, id := range dag.GetNodes() {
		task, ok := dag.GetNode(id)
		if !ok {
			continue
		}
		shape := mermaidShapeFor(task.Status())
		fmt.Fprintf(&b, "    %s%s\n", sanitizeMermaidID(id), shape)
	}

	for _, e := range dag.GetEdges() {
		label := ""
		if e.SourcePort != AllPorts || e.TargetPort != AllPorts {
			label = fmt.Sprintf("|%s -> %s|", e.SourcePort, e.TargetPort)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", sanitizeMermaidID(e.Source), label, sanitizeMermaidID(e.Target))
	}

	return b.String()
}

func mermaidShapeFor(s Status) string {
	switch s {
	case StatusCompleted:
		return "((completed))"
	case StatusFailed:
		return "{{failed}}"
	case StatusDisabled:
		return "[/disabled/]"
	default:
		return ""
	}
}

func sanitizeMermaidID(id string) string {
	replacer := strings.NewReplacer(" ", "_", "-", "_", ".", "_")
	return replacer.Replace(id)
}

// VisualizeDOT renders dag as Graphviz DOT, useful for hosts that already
// standardize on `dot` for rendering rather than Mermaid.
func VisualizeDOT(dag *DAG) string {
	var b strings.Builder
	b.WriteString("digraph taskgraph {\n")
	for _, id := range dag.GetNodes() {
		fmt.Fprintf(&b, "    %q;\n", id)
	}
	for _, e := range dag.GetEdges() {
		fmt.Fprintf(&b, "    %q -> %q [label=%q];\n", e.Source, e.Target, e.SourcePort+"->"+e.TargetPort)
	}
	b.WriteString("}\n")
	return b.String()
}

// VisualizeASCII renders a simple topologically-ordered listing of nodes and
// their dependents, for terminals with no graphics support.
func VisualizeASCII(dag *DAG) string {
	order := dag.TopologicallySorted()
	var b strings.Builder
	for _, id := range order {
		deps := dag.InEdges(id)
		var sources []string
		for _, e := range deps {
			sources = append(sources, e.Source)
		}
		sort.Strings(sources)
		if len(sources) == 0 {
			fmt.Fprintf(&b, "%s (entry)\n", id)
		} else {
			fmt.Fprintf(&b, "%s <- %s\n", id, strings.Join(sources, ", "))
		}
	}
	return b.String()
}
