package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// ORGraph mirrors ORSet over vertices and edges: each element carries a
// full history of add/remove tags, live iff the max-ts tag is an add.
// Edge insertion still requires both endpoints live, and HasEdge rechecks
// both endpoints on every read so a vertex removal always cascades to its
// incident edges (spec.md §4.1.4), even one merged in without a
// corresponding edge-removal tag.
type ORGraph struct {
	vertexTags map[string][]orTag
	edgeTags   map[string][]orTag
	prevV      map[string][]orTag
	prevE      map[string][]orTag
}

func NewORGraph() *ORGraph {
	return &ORGraph{
		vertexTags: make(map[string][]orTag),
		edgeTags:   make(map[string][]orTag),
		prevV:      make(map[string][]orTag),
		prevE:      make(map[string][]orTag),
	}
}

func (g *ORGraph) Name() string { return NameORGraph }

func (g *ORGraph) HasVertex(key string) bool {
	tags, ok := g.vertexTags[key]
	return ok && len(tags) > 0 && latestTag(tags).Active
}

// HasEdge also re-checks both endpoints: a vertex removal that merged in
// without a paired edge-removal tag must still cascade (spec.md §4.1.4),
// and a tag-history tie between the edge's own add and a same-timestamp
// cascade must never leave a dangling edge live.
func (g *ORGraph) HasEdge(from, to string) bool {
	tags, ok := g.edgeTags[edgeKey(from, to)]
	if !ok || len(tags) == 0 || !latestTag(tags).Active {
		return false
	}
	return g.HasVertex(from) && g.HasVertex(to)
}

func (g *ORGraph) Weight() int64 {
	var n int64
	for _, tags := range g.vertexTags {
		n += int64(len(tags))
	}
	for _, tags := range g.edgeTags {
		n += int64(len(tags))
	}
	return n
}

type ORGraphAddVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (ORGraphAddVertexOp) VariantName() string { return NameORGraph }
func (ORGraphAddVertexOp) Kind() string        { return "add_vertex" }

type ORGraphRemoveVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (ORGraphRemoveVertexOp) VariantName() string { return NameORGraph }
func (ORGraphRemoveVertexOp) Kind() string        { return "remove_vertex" }

type ORGraphAddEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (ORGraphAddEdgeOp) VariantName() string { return NameORGraph }
func (ORGraphAddEdgeOp) Kind() string        { return "add_edge" }

type ORGraphRemoveEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (ORGraphRemoveEdgeOp) VariantName() string { return NameORGraph }
func (ORGraphRemoveEdgeOp) Kind() string        { return "remove_edge" }

type ORGraphDelta struct {
	VertexTags map[string][]orTag `json:"vertex_tags"`
	EdgeTags   map[string][]orTag `json:"edge_tags"`
}

func (ORGraphDelta) VariantName() string { return NameORGraph }
func (ORGraphDelta) Kind() string        { return "delta" }

func (g *ORGraph) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case ORGraphAddVertexOp:
		g.vertexTags[o.Key] = appendTag(g.vertexTags[o.Key], orTag{Ts: o.Ts, Active: true})
		return nil
	case ORGraphRemoveVertexOp:
		g.vertexTags[o.Key] = appendTag(g.vertexTags[o.Key], orTag{Ts: o.Ts, Active: false})
		for k := range g.edgeTags {
			from, to := splitEdgeKey(k)
			if from == o.Key || to == o.Key {
				g.edgeTags[k] = appendTag(g.edgeTags[k], orTag{Ts: o.Ts, Active: false})
			}
		}
		return nil
	case ORGraphAddEdgeOp:
		if !g.HasVertex(o.From) || !g.HasVertex(o.To) {
			return nil
		}
		k := edgeKey(o.From, o.To)
		g.edgeTags[k] = appendTag(g.edgeTags[k], orTag{Ts: o.Ts, Active: true})
		return nil
	case ORGraphRemoveEdgeOp:
		k := edgeKey(o.From, o.To)
		g.edgeTags[k] = appendTag(g.edgeTags[k], orTag{Ts: o.Ts, Active: false})
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: op.VariantName()}
	}
}

func (g *ORGraph) Merge(other crdtcore.Variant) error {
	o, ok := other.(*ORGraph)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: other.Name()}
	}
	for k, tags := range o.vertexTags {
		for _, t := range tags {
			g.vertexTags[k] = appendTag(g.vertexTags[k], t)
		}
	}
	for k, tags := range o.edgeTags {
		for _, t := range tags {
			g.edgeTags[k] = appendTag(g.edgeTags[k], t)
		}
	}
	// No synthetic cascade tag is appended here: HasEdge enforces
	// referential integrity directly against HasVertex on every read, so
	// it cannot lose a timestamp tie against the edge's own add tag the
	// way a merged-in removal tag could.
	return nil
}

func (g *ORGraph) GenerateDelta() crdtcore.Delta {
	d := ORGraphDelta{VertexTags: map[string][]orTag{}, EdgeTags: map[string][]orTag{}}
	for k, tags := range g.vertexTags {
		prev := g.prevV[k]
		var fresh []orTag
		for _, t := range tags {
			if !containsTag(prev, t) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) > 0 {
			d.VertexTags[k] = fresh
		}
	}
	for k, tags := range g.edgeTags {
		prev := g.prevE[k]
		var fresh []orTag
		for _, t := range tags {
			if !containsTag(prev, t) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) > 0 {
			d.EdgeTags[k] = fresh
		}
	}
	g.prevV = cloneTagMap(g.vertexTags)
	g.prevE = cloneTagMap(g.edgeTags)
	return d
}

func cloneTagMap(m map[string][]orTag) map[string][]orTag {
	out := make(map[string][]orTag, len(m))
	for k, tags := range m {
		cp := make([]orTag, len(tags))
		copy(cp, tags)
		out[k] = cp
	}
	return out
}

func (g *ORGraph) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(ORGraphDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: d.VariantName()}
	}
	other := NewORGraph()
	other.vertexTags = delta.VertexTags
	other.edgeTags = delta.EdgeTags
	return g.Merge(other)
}

func (g *ORGraph) Clone() crdtcore.Variant {
	clone := NewORGraph()
	clone.vertexTags = cloneTagMap(g.vertexTags)
	clone.edgeTags = cloneTagMap(g.edgeTags)
	clone.prevV = cloneTagMap(g.prevV)
	clone.prevE = cloneTagMap(g.prevE)
	return clone
}

func (g *ORGraph) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*ORGraph)
	if !ok || len(g.vertexTags) != len(o.vertexTags) || len(g.edgeTags) != len(o.edgeTags) {
		return false
	}
	for k, tags := range g.vertexTags {
		otags, ok := o.vertexTags[k]
		if !ok || len(tags) != len(otags) {
			return false
		}
		for _, t := range tags {
			if !containsTag(otags, t) {
				return false
			}
		}
	}
	for k, tags := range g.edgeTags {
		otags, ok := o.edgeTags[k]
		if !ok || len(tags) != len(otags) {
			return false
		}
		for _, t := range tags {
			if !containsTag(otags, t) {
				return false
			}
		}
	}
	return true
}

type orgraphWire struct {
	VertexTags map[string][]orTag `json:"vertex_tags"`
	EdgeTags   map[string][]orTag `json:"edge_tags"`
}

func (g *ORGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(orgraphWire{VertexTags: g.vertexTags, EdgeTags: g.edgeTags})
}

func (g *ORGraph) UnmarshalJSON(b []byte) error {
	var w orgraphWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	g.vertexTags = w.VertexTags
	if g.vertexTags == nil {
		g.vertexTags = map[string][]orTag{}
	}
	g.edgeTags = w.EdgeTags
	if g.edgeTags == nil {
		g.edgeTags = map[string][]orTag{}
	}
	g.prevV = map[string][]orTag{}
	g.prevE = map[string][]orTag{}
	return nil
}

func decodeORGraphState(raw json.RawMessage) (crdtcore.Variant, error) {
	g := NewORGraph()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeORGraphOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add_vertex":
		var op ORGraphAddVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove_vertex":
		var op ORGraphRemoveVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "add_edge":
		var op ORGraphAddEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove_edge":
		var op ORGraphRemoveEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameORGraph, Remote: kind}
	}
}

func decodeORGraphDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameORGraph, Remote: kind}
	}
	var d ORGraphDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func buildORGraphOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "add_vertex":
		return ORGraphAddVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "remove_vertex":
		return ORGraphRemoveVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "add_edge":
		return ORGraphAddEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	case "remove_edge":
		return ORGraphRemoveEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameORGraph, Command: cmd.Kind}
	}
}

func init() {
	register(NameORGraph,
		func() crdtcore.Variant { return NewORGraph() },
		decodeORGraphState,
		decodeORGraphOp,
		decodeORGraphDelta,
		buildORGraphOp,
	)
}
