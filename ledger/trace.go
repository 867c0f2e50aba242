/*
trace.go - Forward and backward lineage tracing

PURPOSE:
  Computes transitive closures over the genealogy graph: forward trace
  (source lot -> everything derived from it) for recall scoping, backward
  trace (derived lot -> everything that went into it) for disposition.

QUANTITIES:
  Every node reports the edge-level quantity consumed at that hop. No
  proportional mass-balance is attempted - that would require yield and
  waste assumptions the ledger does not have.

TERMINATION:
  The graph is a DAG by construction (graph.go rejects cycles at insert
  time), so traversal terminates. The tracer still keeps a per-traversal
  visited path and fails loudly with CorruptGraphError if an upstream bug
  or out-of-band edit violated the DAG assumption - looping forever over a
  food-safety record is not an acceptable failure mode.

SEE ALSO:
  - graph.go: DAG enforcement at the write side
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxDepth caps traversal depth against pathological data.
const DefaultMaxDepth = 50

// TraceOptions tunes a single traversal.
type TraceOptions struct {
	// MaxDepth bounds the walk; zero means DefaultMaxDepth. Hitting the
	// bound truncates the tree, it does not error.
	MaxDepth int

	// TimeBound, when set, restricts the walk to edges recorded at or
	// before it ("as of the recall date" queries).
	TimeBound *time.Time
}

// TraceNode is one hop of a trace tree. Quantity is the quantity consumed
// on the edge that led to this node.
type TraceNode struct {
	LotID      LotID
	Quantity   decimal.Decimal
	Unit       Unit
	Kind       EdgeKind
	Depth      int
	RecordedAt time.Time
	Batch      BatchID
	Children   []*TraceNode
}

// TraceTree is the result of one traversal. Truncated reports that the
// depth bound cut the walk short, so a UI can say "trace incomplete
// beyond depth N".
type TraceTree struct {
	Root      LotID
	Direction TraceDirection
	Depth     int
	Truncated bool
	Nodes     []*TraceNode
}

type TraceDirection string

const (
	TraceForward  TraceDirection = "forward"
	TraceBackward TraceDirection = "backward"
)

// Tracer answers lineage queries. Pure reads: the tracer never writes to
// the graph.
type Tracer struct {
	Lots  LotStore
	Graph *Graph
}

func NewTracer(lots LotStore, graph *Graph) *Tracer {
	return &Tracer{Lots: lots, Graph: graph}
}

// Forward returns all lots transitively derived from the given lot.
func (t *Tracer) Forward(ctx context.Context, id LotID, opts TraceOptions) (*TraceTree, error) {
	return t.trace(ctx, id, TraceForward, opts)
}

// Backward returns all lots that transitively contributed to the given lot.
func (t *Tracer) Backward(ctx context.Context, id LotID, opts TraceOptions) (*TraceTree, error) {
	return t.trace(ctx, id, TraceBackward, opts)
}

func (t *Tracer) trace(ctx context.Context, id LotID, dir TraceDirection, opts TraceOptions) (*TraceTree, error) {
	if _, err := t.Lots.GetLot(ctx, id); err != nil {
		return nil, err
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 || maxDepth > DefaultMaxDepth {
		maxDepth = DefaultMaxDepth
	}

	tree := &TraceTree{Root: id, Direction: dir}
	onPath := map[LotID]bool{id: true}
	children, truncated, err := t.expand(ctx, id, dir, opts.TimeBound, 1, maxDepth, onPath)
	if err != nil {
		return nil, err
	}
	tree.Nodes = children
	tree.Truncated = truncated
	tree.Depth = treeDepth(children)
	return tree, nil
}

// expand recursively builds the subtree under one lot. onPath holds the
// lots on the current ancestor path: seeing one again is a cycle.
func (t *Tracer) expand(ctx context.Context, id LotID, dir TraceDirection, bound *time.Time, depth, maxDepth int, onPath map[LotID]bool) ([]*TraceNode, bool, error) {
	edges, err := t.adjacent(ctx, id, dir)
	if err != nil {
		return nil, false, err
	}

	var nodes []*TraceNode
	truncated := false
	for _, e := range edges {
		if bound != nil && e.RecordedAt.After(*bound) {
			continue
		}
		// Truncated is reported only when an edge inside the time bound
		// actually got cut; a chain ending exactly at the depth bound is
		// complete.
		if depth > maxDepth {
			truncated = true
			break
		}
		next := e.DerivedLot
		if dir == TraceBackward {
			next = e.SourceLot
		}
		if onPath[next] {
			return nil, false, &CorruptGraphError{Cycle: pathCycle(onPath, next)}
		}

		node := &TraceNode{
			LotID:      next,
			Quantity:   e.Quantity,
			Unit:       e.Unit,
			Kind:       e.Kind,
			Depth:      depth,
			RecordedAt: e.RecordedAt,
			Batch:      e.Batch,
		}

		onPath[next] = true
		children, childTruncated, err := t.expand(ctx, next, dir, bound, depth+1, maxDepth, onPath)
		delete(onPath, next)
		if err != nil {
			return nil, false, err
		}
		node.Children = children
		truncated = truncated || childTruncated
		nodes = append(nodes, node)
	}

	// Deterministic ordering: repeated traces over an unchanged graph
	// return identical trees.
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].RecordedAt.Equal(nodes[j].RecordedAt) {
			return nodes[i].RecordedAt.Before(nodes[j].RecordedAt)
		}
		return nodes[i].LotID < nodes[j].LotID
	})
	return nodes, truncated, nil
}

func (t *Tracer) adjacent(ctx context.Context, id LotID, dir TraceDirection) ([]GenealogyEdge, error) {
	if dir == TraceForward {
		return t.Graph.Outgoing(ctx, id)
	}
	return t.Graph.Incoming(ctx, id)
}

func pathCycle(onPath map[LotID]bool, repeated LotID) []LotID {
	cycle := []LotID{repeated}
	for id := range onPath {
		if id != repeated {
			cycle = append(cycle, id)
		}
	}
	sort.Slice(cycle[1:], func(i, j int) bool { return cycle[i+1] < cycle[j+1] })
	return cycle
}

func treeDepth(nodes []*TraceNode) int {
	depth := 0
	for _, n := range nodes {
		d := n.Depth
		if child := treeDepth(n.Children); child > d {
			d = child
		}
		if d > depth {
			depth = d
		}
	}
	return depth
}

// Flatten returns all nodes of the tree in breadth-first order. Convenience
// for recall scoping code that only needs the affected lot set.
func (tr *TraceTree) Flatten() []*TraceNode {
	var out []*TraceNode
	frontier := tr.Nodes
	for len(frontier) > 0 {
		var next []*TraceNode
		for _, n := range frontier {
			out = append(out, n)
			next = append(next, n.Children...)
		}
		frontier = next
	}
	return out
}

// Contains reports whether a lot appears anywhere in the tree.
func (tr *TraceTree) Contains(id LotID) bool {
	for _, n := range tr.Flatten() {
		if n.LotID == id {
			return true
		}
	}
	return false
}
