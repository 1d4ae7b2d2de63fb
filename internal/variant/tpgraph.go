package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// TPGraph mirrors TPSet over vertices and edges: each element moves
// Active -> MarkedForRemoval -> Removed, the last transition gated on a
// majority of commit_remove acks. Vertex removal cascades a forced
// Removed transition onto every incident edge (spec.md §4.1.4).
type TPGraph struct {
	vertices   map[string]tpElement
	vertexTomb map[string]clock.Timestamp
	vertexCand map[string]*tpCandidate

	edges   map[string]tpElement
	edgeTomb map[string]clock.Timestamp
	edgeCand map[string]*tpCandidate

	prevVertices map[string]tpElement
	prevEdges    map[string]tpElement

	threshold int
}

func NewTPGraph() *TPGraph {
	return &TPGraph{
		vertices:     make(map[string]tpElement),
		vertexTomb:   make(map[string]clock.Timestamp),
		vertexCand:   make(map[string]*tpCandidate),
		edges:        make(map[string]tpElement),
		edgeTomb:     make(map[string]clock.Timestamp),
		edgeCand:     make(map[string]*tpCandidate),
		prevVertices: make(map[string]tpElement),
		prevEdges:    make(map[string]tpElement),
		threshold:    DefaultTPThreshold,
	}
}

func (g *TPGraph) Name() string { return NameTPGraph }

// SetThreshold overrides the majority-ack threshold a pending removal's
// count of distinct acks must exceed before it retires. Only meaningful before any commit_remove has been
// applied; callers set it right after construction.
func (g *TPGraph) SetThreshold(n int) {
	if n > 0 {
		g.threshold = n
	}
}

func (g *TPGraph) HasVertex(key string) bool {
	e, ok := g.vertices[key]
	return ok && e.State != tpRemoved
}

func (g *TPGraph) HasEdge(from, to string) bool {
	e, ok := g.edges[edgeKey(from, to)]
	return ok && e.State != tpRemoved
}

func (g *TPGraph) Weight() int64 {
	return int64(len(g.vertices) + len(g.edges))
}

func (g *TPGraph) cascadeRemoveVertex(key string, ts clock.Timestamp) {
	for k, e := range g.edges {
		from, to := splitEdgeKey(k)
		if (from == key || to == key) && e.State != tpRemoved {
			g.edges[k] = tpElement{Ts: ts, State: tpRemoved}
			g.edgeTomb[k] = ts
			delete(g.edgeCand, k)
		}
	}
}

type TPGraphAddVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (TPGraphAddVertexOp) VariantName() string { return NameTPGraph }
func (TPGraphAddVertexOp) Kind() string        { return "add_vertex" }

type TPGraphPrepareRemoveVertexOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (TPGraphPrepareRemoveVertexOp) VariantName() string { return NameTPGraph }
func (TPGraphPrepareRemoveVertexOp) Kind() string        { return "prepare_remove_vertex" }

type TPGraphCommitRemoveVertexOp struct {
	Key     string          `json:"key"`
	Replica clock.ReplicaID `json:"replica"`
	Ts      clock.Timestamp `json:"ts"`
}

func (TPGraphCommitRemoveVertexOp) VariantName() string { return NameTPGraph }
func (TPGraphCommitRemoveVertexOp) Kind() string        { return "commit_remove_vertex" }

type TPGraphAddEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (TPGraphAddEdgeOp) VariantName() string { return NameTPGraph }
func (TPGraphAddEdgeOp) Kind() string        { return "add_edge" }

type TPGraphPrepareRemoveEdgeOp struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Ts   clock.Timestamp `json:"ts"`
}

func (TPGraphPrepareRemoveEdgeOp) VariantName() string { return NameTPGraph }
func (TPGraphPrepareRemoveEdgeOp) Kind() string        { return "prepare_remove_edge" }

type TPGraphCommitRemoveEdgeOp struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Replica clock.ReplicaID `json:"replica"`
	Ts      clock.Timestamp `json:"ts"`
}

func (TPGraphCommitRemoveEdgeOp) VariantName() string { return NameTPGraph }
func (TPGraphCommitRemoveEdgeOp) Kind() string        { return "commit_remove_edge" }

type TPGraphDelta struct {
	Vertices map[string]tpElement `json:"vertices"`
	Edges    map[string]tpElement `json:"edges"`
}

func (TPGraphDelta) VariantName() string { return NameTPGraph }
func (TPGraphDelta) Kind() string        { return "delta" }

func (g *TPGraph) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case TPGraphAddVertexOp:
		if _, tombstoned := g.vertexTomb[o.Key]; tombstoned {
			return nil
		}
		if _, ok := g.vertices[o.Key]; !ok {
			g.vertices[o.Key] = tpElement{Ts: o.Ts, State: tpActive}
		}
		return nil
	case TPGraphPrepareRemoveVertexOp:
		e, ok := g.vertices[o.Key]
		if !ok || e.State != tpActive {
			return nil
		}
		g.vertices[o.Key] = tpElement{Ts: o.Ts, State: tpMarked}
		g.vertexCand[o.Key] = &tpCandidate{Ts: o.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		return nil
	case TPGraphCommitRemoveVertexOp:
		cand, ok := g.vertexCand[o.Key]
		if !ok {
			cand = &tpCandidate{Ts: o.Ts, Acks: map[clock.ReplicaID]struct{}{}}
			g.vertexCand[o.Key] = cand
		}
		cand.Acks[o.Replica] = struct{}{}
		if o.Ts > cand.Ts {
			cand.Ts = o.Ts
		}
		if len(cand.Acks) > g.threshold {
			g.vertices[o.Key] = tpElement{Ts: cand.Ts, State: tpRemoved}
			g.vertexTomb[o.Key] = cand.Ts
			delete(g.vertexCand, o.Key)
			g.cascadeRemoveVertex(o.Key, cand.Ts)
		}
		return nil
	case TPGraphAddEdgeOp:
		if !g.HasVertex(o.From) || !g.HasVertex(o.To) {
			return nil
		}
		k := edgeKey(o.From, o.To)
		if _, tombstoned := g.edgeTomb[k]; tombstoned {
			return nil
		}
		if _, ok := g.edges[k]; !ok {
			g.edges[k] = tpElement{Ts: o.Ts, State: tpActive}
		}
		return nil
	case TPGraphPrepareRemoveEdgeOp:
		k := edgeKey(o.From, o.To)
		e, ok := g.edges[k]
		if !ok || e.State != tpActive {
			return nil
		}
		g.edges[k] = tpElement{Ts: o.Ts, State: tpMarked}
		g.edgeCand[k] = &tpCandidate{Ts: o.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		return nil
	case TPGraphCommitRemoveEdgeOp:
		k := edgeKey(o.From, o.To)
		cand, ok := g.edgeCand[k]
		if !ok {
			cand = &tpCandidate{Ts: o.Ts, Acks: map[clock.ReplicaID]struct{}{}}
			g.edgeCand[k] = cand
		}
		cand.Acks[o.Replica] = struct{}{}
		if o.Ts > cand.Ts {
			cand.Ts = o.Ts
		}
		if len(cand.Acks) > g.threshold {
			g.edges[k] = tpElement{Ts: cand.Ts, State: tpRemoved}
			g.edgeTomb[k] = cand.Ts
			delete(g.edgeCand, k)
		}
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: op.VariantName()}
	}
}

func mergeElementMaps(dst map[string]tpElement, src map[string]tpElement) {
	for k, e := range src {
		existing, ok := dst[k]
		if !ok || statePrecedence(e.State) > statePrecedence(existing.State) ||
			(e.State == existing.State && e.Ts > existing.Ts) {
			dst[k] = e
		}
	}
}

func (g *TPGraph) Merge(other crdtcore.Variant) error {
	o, ok := other.(*TPGraph)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: other.Name()}
	}
	for k, ts := range o.vertexTomb {
		if cur, ok := g.vertexTomb[k]; !ok || ts > cur {
			g.vertexTomb[k] = ts
		}
	}
	for k, ts := range o.edgeTomb {
		if cur, ok := g.edgeTomb[k]; !ok || ts > cur {
			g.edgeTomb[k] = ts
		}
	}
	mergeElementMaps(g.vertices, o.vertices)
	mergeElementMaps(g.edges, o.edges)

	mergeCandidates(g.vertexCand, o.vertexCand)
	mergeCandidates(g.edgeCand, o.edgeCand)

	for k, cand := range g.vertexCand {
		if len(cand.Acks) > g.threshold {
			if e := g.vertices[k]; e.State != tpRemoved {
				g.vertices[k] = tpElement{Ts: cand.Ts, State: tpRemoved}
				g.vertexTomb[k] = cand.Ts
				g.cascadeRemoveVertex(k, cand.Ts)
			}
			delete(g.vertexCand, k)
		}
	}
	for k, cand := range g.edgeCand {
		if len(cand.Acks) > g.threshold {
			if e := g.edges[k]; e.State != tpRemoved {
				g.edges[k] = tpElement{Ts: cand.Ts, State: tpRemoved}
				g.edgeTomb[k] = cand.Ts
			}
			delete(g.edgeCand, k)
		}
	}

	for k := range g.vertices {
		if _, tombstoned := g.vertexTomb[k]; tombstoned {
			e := g.vertices[k]
			e.State = tpRemoved
			g.vertices[k] = e
			delete(g.vertexCand, k)
		}
	}
	for k := range g.edges {
		from, to := splitEdgeKey(k)
		if _, tombstoned := g.edgeTomb[k]; tombstoned || !g.HasVertex(from) || !g.HasVertex(to) {
			e := g.edges[k]
			e.State = tpRemoved
			g.edges[k] = e
			delete(g.edgeCand, k)
		}
	}
	return nil
}

func mergeCandidates(dst map[string]*tpCandidate, src map[string]*tpCandidate) {
	for k, cand := range src {
		mine, ok := dst[k]
		if !ok {
			mine = &tpCandidate{Ts: cand.Ts, Acks: map[clock.ReplicaID]struct{}{}}
			dst[k] = mine
		}
		for r := range cand.Acks {
			mine.Acks[r] = struct{}{}
		}
		if cand.Ts > mine.Ts {
			mine.Ts = cand.Ts
		}
	}
}

func (g *TPGraph) GenerateDelta() crdtcore.Delta {
	d := TPGraphDelta{Vertices: map[string]tpElement{}, Edges: map[string]tpElement{}}
	for k, e := range g.vertices {
		prev, ok := g.prevVertices[k]
		if !ok || e.State != prev.State || e.Ts > prev.Ts {
			d.Vertices[k] = e
		}
	}
	for k, e := range g.edges {
		prev, ok := g.prevEdges[k]
		if !ok || e.State != prev.State || e.Ts > prev.Ts {
			d.Edges[k] = e
		}
	}
	g.prevVertices = make(map[string]tpElement, len(g.vertices))
	for k, e := range g.vertices {
		g.prevVertices[k] = e
	}
	g.prevEdges = make(map[string]tpElement, len(g.edges))
	for k, e := range g.edges {
		g.prevEdges[k] = e
	}
	return d
}

func (g *TPGraph) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(TPGraphDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: g.Name(), Remote: d.VariantName()}
	}
	other := NewTPGraph()
	for k, e := range delta.Vertices {
		other.vertices[k] = e
		if e.State == tpRemoved {
			other.vertexTomb[k] = e.Ts
		}
	}
	for k, e := range delta.Edges {
		other.edges[k] = e
		if e.State == tpRemoved {
			other.edgeTomb[k] = e.Ts
		}
	}
	return g.Merge(other)
}

func (g *TPGraph) Clone() crdtcore.Variant {
	clone := NewTPGraph()
	clone.threshold = g.threshold
	for k, e := range g.vertices {
		clone.vertices[k] = e
	}
	for k, ts := range g.vertexTomb {
		clone.vertexTomb[k] = ts
	}
	for k, cand := range g.vertexCand {
		clone.vertexCand[k] = cloneCandidate(cand)
	}
	for k, e := range g.edges {
		clone.edges[k] = e
	}
	for k, ts := range g.edgeTomb {
		clone.edgeTomb[k] = ts
	}
	for k, cand := range g.edgeCand {
		clone.edgeCand[k] = cloneCandidate(cand)
	}
	for k, e := range g.prevVertices {
		clone.prevVertices[k] = e
	}
	for k, e := range g.prevEdges {
		clone.prevEdges[k] = e
	}
	return clone
}

func cloneCandidate(c *tpCandidate) *tpCandidate {
	out := &tpCandidate{Ts: c.Ts, Acks: make(map[clock.ReplicaID]struct{}, len(c.Acks))}
	for r := range c.Acks {
		out.Acks[r] = struct{}{}
	}
	return out
}

func (g *TPGraph) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*TPGraph)
	if !ok || len(g.vertices) != len(o.vertices) || len(g.edges) != len(o.edges) {
		return false
	}
	for k, e := range g.vertices {
		if o.vertices[k] != e {
			return false
		}
	}
	for k, e := range g.edges {
		if o.edges[k] != e {
			return false
		}
	}
	return true
}

type tpgraphWire struct {
	Vertices     map[string]tpElement       `json:"vertices"`
	VertexTomb   map[string]clock.Timestamp `json:"vertex_tombstones"`
	VertexCand   map[string]tpCandidateWire `json:"vertex_removal_candidates"`
	Edges        map[string]tpElement       `json:"edges"`
	EdgeTomb     map[string]clock.Timestamp `json:"edge_tombstones"`
	EdgeCand     map[string]tpCandidateWire `json:"edge_removal_candidates"`
	Threshold    int                        `json:"threshold"`
}

func candMapToWire(m map[string]*tpCandidate) map[string]tpCandidateWire {
	out := make(map[string]tpCandidateWire, len(m))
	for k, cand := range m {
		acks := make([]clock.ReplicaID, 0, len(cand.Acks))
		for r := range cand.Acks {
			acks = append(acks, r)
		}
		sortReplicaIDs(acks)
		out[k] = tpCandidateWire{Ts: cand.Ts, Acks: acks}
	}
	return out
}

func wireToCandMap(m map[string]tpCandidateWire) map[string]*tpCandidate {
	out := make(map[string]*tpCandidate, len(m))
	for k, w := range m {
		cand := &tpCandidate{Ts: w.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		for _, r := range w.Acks {
			cand.Acks[r] = struct{}{}
		}
		out[k] = cand
	}
	return out
}

func (g *TPGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(tpgraphWire{
		Vertices: g.vertices, VertexTomb: g.vertexTomb, VertexCand: candMapToWire(g.vertexCand),
		Edges: g.edges, EdgeTomb: g.edgeTomb, EdgeCand: candMapToWire(g.edgeCand),
		Threshold: g.threshold,
	})
}

func (g *TPGraph) UnmarshalJSON(b []byte) error {
	var w tpgraphWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	g.vertices = w.Vertices
	if g.vertices == nil {
		g.vertices = map[string]tpElement{}
	}
	g.vertexTomb = w.VertexTomb
	if g.vertexTomb == nil {
		g.vertexTomb = map[string]clock.Timestamp{}
	}
	g.vertexCand = wireToCandMap(w.VertexCand)
	g.edges = w.Edges
	if g.edges == nil {
		g.edges = map[string]tpElement{}
	}
	g.edgeTomb = w.EdgeTomb
	if g.edgeTomb == nil {
		g.edgeTomb = map[string]clock.Timestamp{}
	}
	g.edgeCand = wireToCandMap(w.EdgeCand)
	g.prevVertices = map[string]tpElement{}
	g.prevEdges = map[string]tpElement{}
	g.threshold = w.Threshold
	if g.threshold == 0 {
		g.threshold = DefaultTPThreshold
	}
	return nil
}

func decodeTPGraphState(raw json.RawMessage) (crdtcore.Variant, error) {
	g := NewTPGraph()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeTPGraphOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add_vertex":
		var op TPGraphAddVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "prepare_remove_vertex":
		var op TPGraphPrepareRemoveVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "commit_remove_vertex":
		var op TPGraphCommitRemoveVertexOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "add_edge":
		var op TPGraphAddEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "prepare_remove_edge":
		var op TPGraphPrepareRemoveEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "commit_remove_edge":
		var op TPGraphCommitRemoveEdgeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameTPGraph, Remote: kind}
	}
}

func decodeTPGraphDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameTPGraph, Remote: kind}
	}
	var d TPGraphDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Vertices == nil {
		d.Vertices = map[string]tpElement{}
	}
	if d.Edges == nil {
		d.Edges = map[string]tpElement{}
	}
	return d, nil
}

func buildTPGraphOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "add_vertex":
		return TPGraphAddVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "prepare_remove_vertex":
		return TPGraphPrepareRemoveVertexOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "commit_remove_vertex":
		return TPGraphCommitRemoveVertexOp{Key: cmd.Key, Replica: id.Replica, Ts: timestampOf(cmd, id)}, nil
	case "add_edge":
		return TPGraphAddEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	case "prepare_remove_edge":
		return TPGraphPrepareRemoveEdgeOp{From: cmd.Key, To: cmd.To, Ts: timestampOf(cmd, id)}, nil
	case "commit_remove_edge":
		return TPGraphCommitRemoveEdgeOp{From: cmd.Key, To: cmd.To, Replica: id.Replica, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameTPGraph, Command: cmd.Kind}
	}
}

func init() {
	register(NameTPGraph,
		func() crdtcore.Variant { return NewTPGraph() },
		decodeTPGraphState,
		decodeTPGraphOp,
		decodeTPGraphDelta,
		buildTPGraphOp,
	)
}
