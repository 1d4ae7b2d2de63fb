package variant

import (
	"encoding/json"
	"strings"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// edgeKey packs a directed (from,to) vertex pair into a single map key.
func edgeKey(from, to string) string { return from + "\x00" + to }

func splitEdgeKey(k string) (string, string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) != 2 {
		return k, ""
	}
	return parts[0], parts[1]
}

// GGraph is a grow-only graph: vertices and edges are added but never
// removed. An edge is only admitted once both endpoints are present
// (spec.md §3.2/§4.1.4).
type GGraph struct {
	vertices map[string]clock.Timestamp
	edges    map[string]clock.Timestamp
	prevV    map[string]clock.Timestamp
	prevE    map[string]clock.Timestamp
}

func NewGGraph() *GGraph {
	return &GGraph{
		vertices: make(map[string]clock.Timestamp),
		edges:    make(map[string]clock.Timestamp),
		prevV:    make(map[string]clock.Timestamp),
		prevE:    make(map[string]clock.Timestamp),
	}
}

func (g *GGraph) Name() string { return NameGGraph }

func (g *GGraph) HasVertex(key string) bool { _, ok := g.vertices[key]; return ok }

func (g *GGraph) HasEdge(from, to string) bool { _, ok := g.edges[edgeKey(from, to)]; return ok }

func (g *GGraph) Weight() int64 { return int64(len(g.vertices) + len(g.edges)) }

type GGraphAddVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (GGraphAddVertexOp) VariantName() string { return NameGGraph }
func (GGraphAddVertexOp) Kind() string        { return "add_vertex" }

type GGraphAddEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (GGraphAddEdgeOp) VariantName() string { return NameGGraph }
func (GGraphAddEdgeOp) Kind() string        { return "add_edge" }

type GGraphDelta struct {
	Vertices map[string]clock.Timestamp `json:"vertices"`
	Edges    map[string]clock.Timestamp `json:"edges"`
}

func (GGraphDelta) VariantName() string { return NameGGraph }
func (GGraphDelta) Kind() string        { return "delta" }

func (g *GGraph) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case GGraphAddVertexOp:
		if _, ok := g.vertices[o.Key]; !ok {
			g.vertices[o.Key] = o.Ts
		}
		return nil
	case GGraphAddEdgeOp:
		if !g.HasVertex(o.From) || !g.HasVertex(o.To) {
			return nil
		}
		k := edgeKey(o.From, o.To)
		if _, ok := g.edges[k]; !ok {
			g.edges[k] = o.Ts
		}
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: op.VariantName()}
	}
}

func (g *GGraph) Merge(other crdtcore.Variant) error {
	o, ok := other.(*GGraph)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: other.Name()}
	}
	for k, ts := range o.vertices {
		if cur, ok := g.vertices[k]; !ok || ts < cur {
			g.vertices[k] = ts
		}
	}
	for k, ts := range o.edges {
		from, to := splitEdgeKey(k)
		if !g.HasVertex(from) || !g.HasVertex(to) {
			continue
		}
		if cur, ok := g.edges[k]; !ok || ts < cur {
			g.edges[k] = ts
		}
	}
	return nil
}

func (g *GGraph) GenerateDelta() crdtcore.Delta {
	d := GGraphDelta{Vertices: map[string]clock.Timestamp{}, Edges: map[string]clock.Timestamp{}}
	for k, ts := range g.vertices {
		if _, ok := g.prevV[k]; !ok {
			d.Vertices[k] = ts
		}
	}
	for k, ts := range g.edges {
		if _, ok := g.prevE[k]; !ok {
			d.Edges[k] = ts
		}
	}
	g.prevV = make(map[string]clock.Timestamp, len(g.vertices))
	for k, ts := range g.vertices {
		g.prevV[k] = ts
	}
	g.prevE = make(map[string]clock.Timestamp, len(g.edges))
	for k, ts := range g.edges {
		g.prevE[k] = ts
	}
	return d
}

func (g *GGraph) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(GGraphDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: d.VariantName()}
	}
	other := NewGGraph()
	other.vertices = delta.Vertices
	other.edges = delta.Edges
	return g.Merge(other)
}

func (g *GGraph) Clone() crdtcore.Variant {
	clone := NewGGraph()
	for k, ts := range g.vertices {
		clone.vertices[k] = ts
	}
	for k, ts := range g.edges {
		clone.edges[k] = ts
	}
	for k, ts := range g.prevV {
		clone.prevV[k] = ts
	}
	for k, ts := range g.prevE {
		clone.prevE[k] = ts
	}
	return clone
}

func (g *GGraph) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*GGraph)
	if !ok || len(g.vertices) != len(o.vertices) || len(g.edges) != len(o.edges) {
		return false
	}
	for k := range g.vertices {
		if _, ok := o.vertices[k]; !ok {
			return false
		}
	}
	for k := range g.edges {
		if _, ok := o.edges[k]; !ok {
			return false
		}
	}
	return true
}

type ggraphWire struct {
	Vertices map[string]clock.Timestamp `json:"vertices"`
	Edges    map[string]clock.Timestamp `json:"edges"`
}

func (g *GGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(ggraphWire{Vertices: g.vertices, Edges: g.edges})
}

func (g *GGraph) UnmarshalJSON(b []byte) error {
	var w ggraphWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	g.vertices = w.Vertices
	if g.vertices == nil {
		g.vertices = map[string]clock.Timestamp{}
	}
	g.edges = w.Edges
	if g.edges == nil {
		g.edges = map[string]clock.Timestamp{}
	}
	g.prevV = map[string]clock.Timestamp{}
	g.prevE = map[string]clock.Timestamp{}
	return nil
}

func decodeGGraphState(raw json.RawMessage) (crdtcore.Variant, error) {
	g := NewGGraph()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeGGraphOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add_vertex":
		var op GGraphAddVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "add_edge":
		var op GGraphAddEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameGGraph, Remote: kind}
	}
}

func decodeGGraphDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameGGraph, Remote: kind}
	}
	var d GGraphDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Vertices == nil {
		d.Vertices = map[string]clock.Timestamp{}
	}
	if d.Edges == nil {
		d.Edges = map[string]clock.Timestamp{}
	}
	return d, nil
}

func buildGGraphOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "add_vertex":
		return GGraphAddVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "add_edge":
		return GGraphAddEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameGGraph, Command: cmd.Kind}
	}
}

func init() {
	register(NameGGraph,
		func() crdtcore.Variant { return NewGGraph() },
		decodeGGraphState,
		decodeGGraphOp,
		decodeGGraphDelta,
		buildGGraphOp,
	)
}
