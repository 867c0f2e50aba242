/*
graph.go - Genealogy graph with DAG enforcement

PURPOSE:
  The Graph is the write-side guardian of the genealogy record. Every edge
  batch passes validation here before it reaches the EdgeStore: quantities
  must be positive, a lot cannot consume itself, and an edge whose derived
  lot is already an ancestor of its source is rejected - the graph stays a
  DAG by construction.

WHY APPEND-ONLY?
  Genealogy is the basis for recall scope determination. Altering history
  would falsify a food-safety record. A mistake is corrected with a new
  compensating edge plus an audit note, never by editing an edge.

SEE ALSO:
  - store.go: EdgeStore interface
  - trace.go: Read-side traversal (defensive cycle detection)
*/
package ledger

import (
	"context"
	"fmt"
)

// ancestorCheckDepth bounds the backward walk performed at insert time.
// Deeper genealogies than this indicate corrupt data long before they
// indicate a real recipe tree.
const ancestorCheckDepth = 256

// Graph validates and records genealogy edges over an EdgeStore.
type Graph struct {
	Edges EdgeStore
}

func NewGraph(edges EdgeStore) *Graph {
	return &Graph{Edges: edges}
}

// RecordEdges validates a batch and appends it atomically.
//
// Rejected batches: empty, non-positive quantity, self-edge, or any edge
// that would create a cycle (the derived lot already appears among the
// ancestors of the source lot).
func (g *Graph) RecordEdges(ctx context.Context, edges []GenealogyEdge) error {
	if len(edges) == 0 {
		return fmt.Errorf("record edges: %w", ErrInvalidQuantity)
	}
	for _, e := range edges {
		if !e.Quantity.IsPositive() {
			return fmt.Errorf("edge %s -> %s: %w", e.SourceLot, e.DerivedLot, ErrInvalidQuantity)
		}
		if e.SourceLot == e.DerivedLot {
			return &CorruptGraphError{Cycle: []LotID{e.SourceLot}}
		}
		cycle, err := g.wouldCycle(ctx, e.SourceLot, e.DerivedLot)
		if err != nil {
			return err
		}
		if cycle != nil {
			return &CorruptGraphError{Cycle: cycle}
		}
	}
	return g.Edges.AppendEdges(ctx, edges)
}

// Outgoing returns edges where the lot is the source.
func (g *Graph) Outgoing(ctx context.Context, id LotID) ([]GenealogyEdge, error) {
	return g.Edges.Outgoing(ctx, id)
}

// Incoming returns edges where the lot is the derived sink.
func (g *Graph) Incoming(ctx context.Context, id LotID) ([]GenealogyEdge, error) {
	return g.Edges.Incoming(ctx, id)
}

// wouldCycle walks backward from source looking for derived among its
// ancestors. Returns the offending path when found.
func (g *Graph) wouldCycle(ctx context.Context, source, derived LotID) ([]LotID, error) {
	visited := map[LotID]bool{source: true}
	frontier := []LotID{source}

	for depth := 0; depth < ancestorCheckDepth && len(frontier) > 0; depth++ {
		var next []LotID
		for _, id := range frontier {
			incoming, err := g.Edges.Incoming(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, e := range incoming {
				if e.SourceLot == derived {
					return []LotID{derived, id, source}, nil
				}
				if !visited[e.SourceLot] {
					visited[e.SourceLot] = true
					next = append(next, e.SourceLot)
				}
			}
		}
		frontier = next
	}
	return nil, nil
}
