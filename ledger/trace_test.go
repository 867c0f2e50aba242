package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lot-ledger/ledger"
	"github.com/warp/lot-ledger/ledger/store"
)

func newTestTracer(t *testing.T) (*ledger.Tracer, *ledger.Graph, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	graph := ledger.NewGraph(mem)
	return ledger.NewTracer(mem, graph), graph, mem
}

func seedBareLot(t *testing.T, mem *store.Memory, id string) {
	t.Helper()
	seedLot(t, mem, id, "material-"+id, "10", nil, tm(2023, time.January, 1))
}

func TestTrace_ForwardBackwardRoundTrip(t *testing.T) {
	// GIVEN: milk -> cream -> ice-cream genealogy
	// WHEN: Tracing forward from milk and backward from ice-cream
	// THEN: Each trace finds the far end of the chain

	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	for _, id := range []string{"milk", "cream", "ice-cream"} {
		seedBareLot(t, mem, id)
	}
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("milk", "cream", "5", "b1", now)}))
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("cream", "ice-cream", "3", "b2", now.Add(time.Hour))}))

	forward, err := tracer.Forward(ctx, "milk", ledger.TraceOptions{})
	require.NoError(t, err)
	assert.True(t, forward.Contains("cream"))
	assert.True(t, forward.Contains("ice-cream"))
	assert.Equal(t, 2, forward.Depth)
	assert.False(t, forward.Truncated)

	backward, err := tracer.Backward(ctx, "ice-cream", ledger.TraceOptions{})
	require.NoError(t, err)
	assert.True(t, backward.Contains("cream"))
	assert.True(t, backward.Contains("milk"))
	assert.Equal(t, 2, backward.Depth)
}

func TestTrace_QuantitiesAreEdgeLevel(t *testing.T) {
	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	seedBareLot(t, mem, "src")
	seedBareLot(t, mem, "dst")
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("src", "dst", "7.5", "b1", now)}))

	tree, err := tracer.Forward(ctx, "src", ledger.TraceOptions{})
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 1)
	assert.True(t, tree.Nodes[0].Quantity.Equal(dec("7.5")))
	assert.Equal(t, ledger.UnitKilograms, tree.Nodes[0].Unit)
	assert.Equal(t, ledger.BatchID("b1"), tree.Nodes[0].Batch)
}

func TestTrace_DepthBoundTruncates(t *testing.T) {
	// GIVEN: A chain longer than the requested depth
	// WHEN: Tracing with MaxDepth 2
	// THEN: Truncated is set, no error

	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	ids := []string{"l0", "l1", "l2", "l3", "l4"}
	for _, id := range ids {
		seedBareLot(t, mem, id)
	}
	for i := 0; i < len(ids)-1; i++ {
		require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{
			edge(ids[i], ids[i+1], "1", fmt.Sprintf("b%d", i), now),
		}))
	}

	tree, err := tracer.Forward(ctx, "l0", ledger.TraceOptions{MaxDepth: 2})
	require.NoError(t, err)
	assert.True(t, tree.Truncated)
	assert.Equal(t, 2, tree.Depth)
	assert.True(t, tree.Contains("l2"))
	assert.False(t, tree.Contains("l3"))
}

func TestTrace_ChainEndingAtBoundIsComplete(t *testing.T) {
	// GIVEN: A chain whose last hop sits exactly at MaxDepth
	// WHEN: Tracing with that bound
	// THEN: The full chain is returned and not reported as truncated

	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	for _, id := range []string{"c0", "c1", "c2"} {
		seedBareLot(t, mem, id)
	}
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("c0", "c1", "1", "cb1", now)}))
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("c1", "c2", "1", "cb2", now)}))

	tree, err := tracer.Forward(ctx, "c0", ledger.TraceOptions{MaxDepth: 2})
	require.NoError(t, err)
	assert.True(t, tree.Contains("c2"))
	assert.Equal(t, 2, tree.Depth)
	assert.False(t, tree.Truncated, "nothing was cut, so the trace is complete")
}

func TestTrace_TimeBoundFiltersLaterEdges(t *testing.T) {
	// Edges recorded after the bound are invisible, modeling "the genealogy
	// as of the recall date".

	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	early := tm(2024, time.January, 1)
	late := tm(2024, time.June, 1)

	for _, id := range []string{"src", "early-dst", "late-dst"} {
		seedBareLot(t, mem, id)
	}
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("src", "early-dst", "1", "b1", early)}))
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{edge("src", "late-dst", "1", "b2", late)}))

	bound := tm(2024, time.March, 1)
	tree, err := tracer.Forward(ctx, "src", ledger.TraceOptions{TimeBound: &bound})
	require.NoError(t, err)
	assert.True(t, tree.Contains("early-dst"))
	assert.False(t, tree.Contains("late-dst"))
}

func TestTrace_DeterministicAcrossRepeats(t *testing.T) {
	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	for _, id := range []string{"src", "dst-b", "dst-a"} {
		seedBareLot(t, mem, id)
	}
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{
		edge("src", "dst-b", "1", "b1", now),
		edge("src", "dst-a", "1", "b1", now),
	}))

	first, err := tracer.Forward(ctx, "src", ledger.TraceOptions{})
	require.NoError(t, err)
	second, err := tracer.Forward(ctx, "src", ledger.TraceOptions{})
	require.NoError(t, err)

	require.Len(t, first.Nodes, 2)
	assert.Equal(t, ledger.LotID("dst-a"), first.Nodes[0].LotID, "same timestamp ties break on lot id")
	for i := range first.Nodes {
		assert.Equal(t, first.Nodes[i].LotID, second.Nodes[i].LotID)
	}
}

func TestTrace_CycleFailsLoudly(t *testing.T) {
	// GIVEN: A cycle written directly to the edge store, bypassing Graph
	//        validation (modeling out-of-band corruption)
	// WHEN: Tracing through it
	// THEN: CorruptGraphError with the cyclic lot set, never an infinite loop

	mem := store.NewMemory()
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	seedBareLot(t, mem, "lot-a")
	seedBareLot(t, mem, "lot-b")
	require.NoError(t, mem.AppendEdges(ctx, []ledger.GenealogyEdge{
		edge("lot-a", "lot-b", "1", "b1", now),
		edge("lot-b", "lot-a", "1", "b2", now),
	}))

	tracer := ledger.NewTracer(mem, ledger.NewGraph(mem))
	_, err := tracer.Forward(ctx, "lot-a", ledger.TraceOptions{})
	require.Error(t, err)

	var corrupt *ledger.CorruptGraphError
	require.ErrorAs(t, err, &corrupt)
	assert.Contains(t, corrupt.Cycle, ledger.LotID("lot-a"))
}

func TestTrace_DiamondVisitsBothPaths(t *testing.T) {
	// A diamond is not a cycle: the shared descendant appears once per path.

	tracer, graph, mem := newTestTracer(t)
	ctx := context.Background()
	now := tm(2024, time.January, 1)

	for _, id := range []string{"a", "b", "c", "d"} {
		seedBareLot(t, mem, id)
	}
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{
		edge("a", "b", "1", "b1", now),
		edge("a", "c", "1", "b1", now),
	}))
	require.NoError(t, graph.RecordEdges(ctx, []ledger.GenealogyEdge{
		edge("b", "d", "1", "b2", now),
		edge("c", "d", "1", "b2", now),
	}))

	tree, err := tracer.Forward(ctx, "a", ledger.TraceOptions{})
	require.NoError(t, err)
	assert.True(t, tree.Contains("d"))
	assert.Len(t, tree.Flatten(), 4, "d reached via b and via c")
}

func TestTrace_UnknownLot(t *testing.T) {
	tracer, _, _ := newTestTracer(t)

	_, err := tracer.Forward(context.Background(), "no-such-lot", ledger.TraceOptions{})
	assert.ErrorIs(t, err, ledger.ErrLotNotFound)
}

func TestTrace_LeafLotYieldsEmptyTree(t *testing.T) {
	tracer, _, mem := newTestTracer(t)
	seedBareLot(t, mem, "lonely")

	tree, err := tracer.Forward(context.Background(), "lonely", ledger.TraceOptions{})
	require.NoError(t, err)
	assert.Empty(t, tree.Nodes)
	assert.Equal(t, 0, tree.Depth)
	assert.False(t, tree.Truncated)
}
