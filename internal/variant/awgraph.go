package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// AWGraph is an add-wins graph: vertices and edges each carry their own
// addRemoveState. An edge insert requires both endpoints to be live
// (spec.md §4.1.4); removing a vertex cascades to every incident edge by
// stamping it removed at the vertex's remove timestamp, or at the edge's
// own add timestamp when that is later.
type AWGraph struct {
	vertices addRemoveState
	edges    addRemoveState
	prevV    addRemoveState
	prevE    addRemoveState
}

func NewAWGraph() *AWGraph {
	return &AWGraph{
		vertices: newAddRemoveState(),
		edges:    newAddRemoveState(),
		prevV:    newAddRemoveState(),
		prevE:    newAddRemoveState(),
	}
}

func (g *AWGraph) Name() string { return NameAWGraph }

func (g *AWGraph) HasVertex(key string) bool   { return g.vertices.present(key) }
func (g *AWGraph) HasEdge(from, to string) bool { return g.edges.present(edgeKey(from, to)) }
func (g *AWGraph) Weight() int64 {
	return int64(len(g.vertices.added) + len(g.vertices.removed) + len(g.edges.added) + len(g.edges.removed))
}

// sanitizeEdges strips any edge whose endpoint is no longer live,
// restoring referential integrity after a merge brought in a vertex
// removal without its paired edge-removal tags.
func (g *AWGraph) sanitizeEdges() {
	for k, ts := range g.edges.added {
		from, to := splitEdgeKey(k)
		if g.vertices.present(from) && g.vertices.present(to) {
			continue
		}
		cascadeTs := ts
		if rt, ok := g.vertices.removed[from]; ok && rt > cascadeTs {
			cascadeTs = rt
		}
		if rt, ok := g.vertices.removed[to]; ok && rt > cascadeTs {
			cascadeTs = rt
		}
		// An absent endpoint forces the edge gone outright; it can never
		// lose a tie-break against its own add timestamp the way a normal
		// remove() call would.
		delete(g.edges.added, k)
		if cur, ok := g.edges.removed[k]; !ok || cascadeTs > cur {
			g.edges.removed[k] = cascadeTs
		}
	}
}

type AWGraphAddVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (AWGraphAddVertexOp) VariantName() string { return NameAWGraph }
func (AWGraphAddVertexOp) Kind() string        { return "add_vertex" }

type AWGraphRemoveVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (AWGraphRemoveVertexOp) VariantName() string { return NameAWGraph }
func (AWGraphRemoveVertexOp) Kind() string        { return "remove_vertex" }

type AWGraphAddEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (AWGraphAddEdgeOp) VariantName() string { return NameAWGraph }
func (AWGraphAddEdgeOp) Kind() string        { return "add_edge" }

type AWGraphRemoveEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (AWGraphRemoveEdgeOp) VariantName() string { return NameAWGraph }
func (AWGraphRemoveEdgeOp) Kind() string        { return "remove_edge" }

type AWGraphDelta struct {
	VertexAdded   map[string]clock.Timestamp `json:"vertex_added"`
	VertexRemoved map[string]clock.Timestamp `json:"vertex_removed"`
	EdgeAdded     map[string]clock.Timestamp `json:"edge_added"`
	EdgeRemoved   map[string]clock.Timestamp `json:"edge_removed"`
}

func (AWGraphDelta) VariantName() string { return NameAWGraph }
func (AWGraphDelta) Kind() string        { return "delta" }

func (g *AWGraph) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case AWGraphAddVertexOp:
		g.vertices.insert(o.Key, o.Ts, true)
		return nil
	case AWGraphRemoveVertexOp:
		g.vertices.remove(o.Key, o.Ts, false)
		for k := range g.edges.added {
			from, to := splitEdgeKey(k)
			if from == o.Key || to == o.Key {
				g.edges.remove(k, o.Ts, false)
			}
		}
		g.sanitizeEdges()
		return nil
	case AWGraphAddEdgeOp:
		if !g.vertices.present(o.From) || !g.vertices.present(o.To) {
			return nil
		}
		g.edges.insert(edgeKey(o.From, o.To), o.Ts, true)
		return nil
	case AWGraphRemoveEdgeOp:
		g.edges.remove(edgeKey(o.From, o.To), o.Ts, false)
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: op.VariantName()}
	}
}

func (g *AWGraph) Merge(other crdtcore.Variant) error {
	o, ok := other.(*AWGraph)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: other.Name()}
	}
	g.vertices.merge(o.vertices, true)
	g.edges.merge(o.edges, true)
	g.sanitizeEdges()
	return nil
}

func (g *AWGraph) GenerateDelta() crdtcore.Delta {
	dv := g.vertices.deltaSince(g.prevV)
	de := g.edges.deltaSince(g.prevE)
	g.prevV = g.vertices.snapshot()
	g.prevE = g.edges.snapshot()
	return AWGraphDelta{
		VertexAdded: dv.added, VertexRemoved: dv.removed,
		EdgeAdded: de.added, EdgeRemoved: de.removed,
	}
}

func (g *AWGraph) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(AWGraphDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: d.VariantName()}
	}
	other := NewAWGraph()
	other.vertices = addRemoveState{added: delta.VertexAdded, removed: delta.VertexRemoved}
	other.edges = addRemoveState{added: delta.EdgeAdded, removed: delta.EdgeRemoved}
	return g.Merge(other)
}

func (g *AWGraph) Clone() crdtcore.Variant {
	return &AWGraph{
		vertices: g.vertices.snapshot(), edges: g.edges.snapshot(),
		prevV: g.prevV.snapshot(), prevE: g.prevE.snapshot(),
	}
}

func (g *AWGraph) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*AWGraph)
	if !ok {
		return false
	}
	return g.vertices.equal(o.vertices) && g.edges.equal(o.edges)
}

type awgraphWire struct {
	VertexAdded   map[string]clock.Timestamp `json:"vertex_added"`
	VertexRemoved map[string]clock.Timestamp `json:"vertex_removed"`
	EdgeAdded     map[string]clock.Timestamp `json:"edge_added"`
	EdgeRemoved   map[string]clock.Timestamp `json:"edge_removed"`
}

func (g *AWGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(awgraphWire{
		VertexAdded: g.vertices.added, VertexRemoved: g.vertices.removed,
		EdgeAdded: g.edges.added, EdgeRemoved: g.edges.removed,
	})
}

func (g *AWGraph) UnmarshalJSON(b []byte) error {
	var w awgraphWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	emptyIfNil := func(m map[string]clock.Timestamp) map[string]clock.Timestamp {
		if m == nil {
			return map[string]clock.Timestamp{}
		}
		return m
	}
	g.vertices = addRemoveState{added: emptyIfNil(w.VertexAdded), removed: emptyIfNil(w.VertexRemoved)}
	g.edges = addRemoveState{added: emptyIfNil(w.EdgeAdded), removed: emptyIfNil(w.EdgeRemoved)}
	g.prevV = newAddRemoveState()
	g.prevE = newAddRemoveState()
	return nil
}

func decodeAWGraphState(raw json.RawMessage) (crdtcore.Variant, error) {
	g := NewAWGraph()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeAWGraphOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add_vertex":
		var op AWGraphAddVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove_vertex":
		var op AWGraphRemoveVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "add_edge":
		var op AWGraphAddEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove_edge":
		var op AWGraphRemoveEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameAWGraph, Remote: kind}
	}
}

func decodeAWGraphDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameAWGraph, Remote: kind}
	}
	var d AWGraphDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func buildAWGraphOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "add_vertex":
		return AWGraphAddVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "remove_vertex":
		return AWGraphRemoveVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "add_edge":
		return AWGraphAddEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	case "remove_edge":
		return AWGraphRemoveEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameAWGraph, Command: cmd.Kind}
	}
}

func init() {
	register(NameAWGraph,
		func() crdtcore.Variant { return NewAWGraph() },
		decodeAWGraphState,
		decodeAWGraphOp,
		decodeAWGraphDelta,
		buildAWGraphOp,
	)
}
