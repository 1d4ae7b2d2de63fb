// Package variant implements the thirteen CRDT types catalogued by
// spec.md §2/§3: counters, registers, sets, and graphs. Each file holds
// one variant's state, its Operation/Delta wire types, and its
// crdtcore.Variant implementation, then self-registers into the
// catalogue the way database/sql drivers self-register via init() —
// the pack's closest analogue (lib/pq, pulled in by ruvnet-alienator).
package variant

// Catalogue names, exactly as spec.md §6 enumerates them for NewReplica.
const (
	NameGCounter    = "gcounter"
	NamePNCounter   = "pncounter"
	NameLWWRegister = "lwwregister"
	NameMVRegister  = "mvregister"
	NameGSet        = "gset"
	NameAWSet       = "awset"
	NameORSet       = "orset"
	NameRWSet       = "rwset"
	NameTPSet       = "tpset"
	NameGGraph      = "ggraph"
	NameAWGraph     = "awgraph"
	NameORGraph     = "orgraph"
	NameTPGraph     = "tpgraph"
)
