package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
)

// Edge binds a source port to a destination port. An empty node name refers
// to the boundary of the enclosing workflow: its inputs as sources, its
// outputs as destinations.
type Edge struct {
	From     string
	FromPort string
	To       string
	ToPort   string
}

type portKey struct {
	node string
	port string
}

// Workflow is a named container of nodes and edges. It implements Node, so a
// workflow can be nested inside another one where it is seen only through
// its declared ports.
type Workflow struct {
	name     string
	inputs   []Port
	outputs  []Port
	nodes    []Node
	index    map[string]int
	edges    []Edge
	statics  map[portKey]any
	bound    map[portKey]bool
	problems []string
}

// New creates an empty workflow.
func New(name string) *Workflow {
	return &Workflow{
		name:    name,
		index:   make(map[string]int),
		statics: make(map[portKey]any),
		bound:   make(map[portKey]bool),
	}
}

func (w *Workflow) Name() string    { return w.name }
func (w *Workflow) Inputs() []Port  { return append([]Port(nil), w.inputs...) }
func (w *Workflow) Outputs() []Port { return append([]Port(nil), w.outputs...) }

// Nodes returns the nodes in declaration order.
func (w *Workflow) Nodes() []Node { return append([]Node(nil), w.nodes...) }

// Edges returns the edges in declaration order.
func (w *Workflow) Edges() []Edge { return append([]Edge(nil), w.edges...) }

// Node returns the node with the given name.
func (w *Workflow) Node(name string) (Node, bool) {
	i, ok := w.index[name]
	if !ok {
		return nil, false
	}
	return w.nodes[i], true
}

func (w *Workflow) problemf(format string, args ...any) {
	w.problems = append(w.problems, fmt.Sprintf(format, args...))
}

// DeclareInputs adds ports to the workflow input interface.
func (w *Workflow) DeclareInputs(ports ...Port) {
	for _, p := range ports {
		if _, dup := findPort(w.inputs, p.Name); dup {
			w.problemf("duplicate workflow input %q", p.Name)
			continue
		}
		w.inputs = append(w.inputs, p)
	}
}

// DeclareOutputs adds ports to the workflow output interface.
func (w *Workflow) DeclareOutputs(ports ...Port) {
	for _, p := range ports {
		if _, dup := findPort(w.outputs, p.Name); dup {
			w.problemf("duplicate workflow output %q", p.Name)
			continue
		}
		w.outputs = append(w.outputs, p)
	}
}

// Add places nodes in the workflow. Names must be unique and may not contain
// the path separators "." or "/".
func (w *Workflow) Add(nodes ...Node) {
	for _, n := range nodes {
		name := n.Name()
		switch {
		case name == "":
			w.problemf("node with empty name")
			continue
		case strings.ContainsAny(name, "./"):
			w.problemf("node name %q contains a path separator", name)
			continue
		}
		if _, dup := w.index[name]; dup {
			w.problemf("duplicate node name %q", name)
			continue
		}
		w.index[name] = len(w.nodes)
		w.nodes = append(w.nodes, n)
	}
}

// Connect binds src.srcPort to dst.dstPort. Use "" as src to read a workflow
// input and "" as dst to drive a workflow output.
func (w *Workflow) Connect(src, srcPort, dst, dstPort string) {
	from, ok := w.sourcePort(src, srcPort)
	if !ok {
		return
	}
	to, ok := w.destPort(dst, dstPort)
	if !ok {
		return
	}
	if !from.Type.Compatible(to.Type) {
		w.problemf("type mismatch: %s (%s) -> %s (%s)",
			qualify(src, srcPort), from.Type, qualify(dst, dstPort), to.Type)
		return
	}
	if !w.bind(dst, dstPort) {
		return
	}
	w.edges = append(w.edges, Edge{From: src, FromPort: srcPort, To: dst, ToPort: dstPort})
}

// Set binds a static value to a node input. It counts as that input's
// single producer.
func (w *Workflow) Set(node, port string, value any) {
	if _, ok := w.destPort(node, port); !ok {
		return
	}
	if node == "" {
		w.problemf("static value for workflow output %q", port)
		return
	}
	if !w.bind(node, port) {
		return
	}
	w.statics[portKey{node, port}] = value
}

func (w *Workflow) bind(node, port string) bool {
	key := portKey{node, port}
	if w.bound[key] {
		w.problemf("%s already has a producer", qualify(node, port))
		return false
	}
	w.bound[key] = true
	return true
}

func (w *Workflow) sourcePort(node, port string) (Port, bool) {
	if node == "" {
		p, ok := findPort(w.inputs, port)
		if !ok {
			w.problemf("unknown workflow input %q", port)
		}
		return p, ok
	}
	n, ok := w.Node(node)
	if !ok {
		w.problemf("unknown node %q", node)
		return Port{}, false
	}
	p, ok := findPort(n.Outputs(), port)
	if !ok {
		w.problemf("node %q has no output %q", node, port)
	}
	return p, ok
}

func (w *Workflow) destPort(node, port string) (Port, bool) {
	if node == "" {
		p, ok := findPort(w.outputs, port)
		if !ok {
			w.problemf("unknown workflow output %q", port)
		}
		return p, ok
	}
	n, ok := w.Node(node)
	if !ok {
		w.problemf("unknown node %q", node)
		return Port{}, false
	}
	p, ok := findPort(n.Inputs(), port)
	if !ok {
		w.problemf("node %q has no input %q", node, port)
	}
	return p, ok
}

func qualify(node, port string) string {
	if node == "" {
		return "<workflow>." + port
	}
	return node + "." + port
}

// Validate checks the whole graph, nested workflows included: construction
// problems, unbound mandatory ports and cycles. It returns a
// *ConfigurationError or a *CycleError.
func (w *Workflow) Validate() error {
	problems := append([]string(nil), w.problems...)

	for _, n := range w.nodes {
		for _, p := range n.Inputs() {
			if !p.Optional && !w.bound[portKey{n.Name(), p.Name}] {
				problems = append(problems, fmt.Sprintf("mandatory input %s has no producer", qualify(n.Name(), p.Name)))
			}
		}
		if child, ok := n.(*Workflow); ok {
			err := child.Validate()
			var cfgErr *ConfigurationError
			switch {
			case err == nil:
			case errors.As(err, &cfgErr):
				for _, p := range cfgErr.Problems {
					problems = append(problems, child.name+": "+p)
				}
			default:
				return err
			}
		}
	}
	for _, p := range w.outputs {
		if !p.Optional && !w.bound[portKey{"", p.Name}] {
			problems = append(problems, fmt.Sprintf("mandatory output %q is not connected", p.Name))
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Workflow: w.name, Problems: problems}
	}
	_, err := w.Order()
	return err
}

// Order returns the node names in a deterministic topological order, ties
// broken by declaration order.
func (w *Workflow) Order() ([]string, error) {
	g, err := w.graph()
	if err != nil {
		return nil, err
	}
	order, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		return w.index[a] < w.index[b]
	})
	if err != nil {
		return nil, &CycleError{Workflow: w.name, Nodes: nil}
	}
	return order, nil
}

// graph builds the node dependency graph, rejecting the first edge that
// closes a cycle
func (w *Workflow) graph() (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, n := range w.nodes {
		_ = g.AddVertex(n.Name())
	}
	for _, e := range w.edges {
		if e.From == "" || e.To == "" {
			continue
		}
		err := g.AddEdge(e.From, e.To)
		switch {
		case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
		case errors.Is(err, graph.ErrEdgeCreatesCycle):
			return nil, &CycleError{Workflow: w.name, Nodes: w.cycleThrough(g, e.From, e.To)}
		default:
			return nil, fmt.Errorf("workflow %s: edge %s -> %s: %w", w.name, e.From, e.To, err)
		}
	}
	return g, nil
}

// cycleThrough names the nodes of the cycle that the edge from -> to would
// close: the existing path to ... from, then back to to.
func (w *Workflow) cycleThrough(g graph.Graph[string, string], from, to string) []string {
	if from == to {
		return []string{from, to}
	}
	path, err := graph.ShortestPath(g, to, from)
	if err != nil {
		nodes := []string{from, to}
		sort.Strings(nodes)
		return nodes
	}
	return append(path, to)
}

// Upstream returns the distinct nodes feeding the named node, in declaration
// order.
func (w *Workflow) Upstream(node string) []string {
	seen := make(map[string]bool)
	for _, e := range w.edges {
		if e.To == node && e.From != "" {
			seen[e.From] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return w.index[out[i]] < w.index[out[j]] })
	return out
}

// PlanEntry describes one atomic stage of a flattened workflow
type PlanEntry struct {
	Path    string
	MemGB   float64
	Threads int
}

// Plan flattens the workflow into its atomic stages in execution order.
func (w *Workflow) Plan() ([]PlanEntry, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	var plan []PlanEntry
	if err := w.plan(w.name, &plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (w *Workflow) plan(prefix string, plan *[]PlanEntry) error {
	order, err := w.Order()
	if err != nil {
		return err
	}
	for _, name := range order {
		n, _ := w.Node(name)
		path := prefix + "." + name
		switch node := n.(type) {
		case *Workflow:
			if err := node.plan(path, plan); err != nil {
				return err
			}
		case *Stage:
			*plan = append(*plan, PlanEntry{Path: path, MemGB: node.MemGB(), Threads: node.Threads()})
		default:
			*plan = append(*plan, PlanEntry{Path: path, Threads: 1})
		}
	}
	return nil
}

// Contains reports whether a node with the given dotted path relative to w
// exists, descending into nested workflows.
func (w *Workflow) Contains(path string) bool {
	head, rest, nested := strings.Cut(path, ".")
	n, ok := w.Node(head)
	if !ok {
		return false
	}
	if !nested {
		return true
	}
	child, ok := n.(*Workflow)
	return ok && child.Contains(rest)
}
