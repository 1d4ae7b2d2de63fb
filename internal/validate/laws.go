// Package validate offers executable checks of the algebraic laws every
// CRDT variant must satisfy (spec.md §4.1.6/§4.4/§8): state-merge
// semilattice properties, operation commutativity/idempotence,
// sequential consistency under random permutation, and delta
// composability. No pack repo reaches for a property-testing library
// (gopter, rapid); this mirrors the source's own validation harness,
// which drives these checks with plain math/rand shuffle loops.
package validate

import (
	"fmt"
	"math/rand"

	"github.com/Polqt/crdtsync/internal/crdtcore"
	"github.com/Polqt/crdtsync/internal/variant"
)

// shufflePermutations is fixed at 5 per spec.md §4.4/§8.3.
const shufflePermutations = 5

func violation(law, detail string) error {
	return &crdtcore.PreconditionViolationError{Law: law, Detail: detail}
}

// CheckStateSemilattice verifies associativity, commutativity,
// idempotence, and (where the variant implements Projector)
// monotonicity of Merge over the triple (a, b, c). None of a, b, c are
// mutated.
func CheckStateSemilattice(a, b, c crdtcore.Variant) error {
	abThenC := a.Clone()
	if err := abThenC.Merge(b); err != nil {
		return err
	}
	leftAssoc := abThenC.Clone()
	if err := leftAssoc.Merge(c); err != nil {
		return err
	}

	bThenC := b.Clone()
	if err := bThenC.Merge(c); err != nil {
		return err
	}
	rightAssoc := a.Clone()
	if err := rightAssoc.Merge(bThenC); err != nil {
		return err
	}

	if !leftAssoc.Equal(rightAssoc) {
		return violation("associativity", "(a⊔b)⊔c != a⊔(b⊔c)")
	}

	commuted := b.Clone()
	if err := commuted.Merge(a); err != nil {
		return err
	}
	if !abThenC.Equal(commuted) {
		return violation("commutativity", "a⊔b != b⊔a")
	}

	selfMerged := a.Clone()
	if err := selfMerged.Merge(a); err != nil {
		return err
	}
	if !selfMerged.Equal(a) {
		return violation("idempotence", "a⊔a != a")
	}

	if pa, ok := a.(crdtcore.Projector); ok {
		if pab, ok := abThenC.(crdtcore.Projector); ok {
			if pab.Weight() < pa.Weight() {
				return violation("monotonicity", fmt.Sprintf("weight(a⊔b)=%d < weight(a)=%d", pab.Weight(), pa.Weight()))
			}
		}
	}
	return nil
}

// CheckOperationCommutativity verifies Apply(op1);Apply(op2) equals
// Apply(op2);Apply(op1) starting from a fresh instance of variantName.
func CheckOperationCommutativity(variantName string, op1, op2 crdtcore.Operation) error {
	forward, err := variant.New(variantName)
	if err != nil {
		return err
	}
	if err := forward.Apply(op1); err != nil {
		return err
	}
	if err := forward.Apply(op2); err != nil {
		return err
	}

	backward, err := variant.New(variantName)
	if err != nil {
		return err
	}
	if err := backward.Apply(op2); err != nil {
		return err
	}
	if err := backward.Apply(op1); err != nil {
		return err
	}

	if !forward.Equal(backward) {
		return violation("operation-commutativity", "Apply(op1);Apply(op2) != Apply(op2);Apply(op1)")
	}
	return nil
}

// CheckOperationIdempotence verifies applying the same operation twice
// leaves state unchanged from applying it once.
func CheckOperationIdempotence(variantName string, op crdtcore.Operation) error {
	once, err := variant.New(variantName)
	if err != nil {
		return err
	}
	if err := once.Apply(op); err != nil {
		return err
	}

	twice := once.Clone()
	if err := twice.Apply(op); err != nil {
		return err
	}

	if !once.Equal(twice) {
		return violation("operation-idempotence", "Apply(op);Apply(op) != Apply(op)")
	}
	return nil
}

// CheckDeliveryPrecondition verifies that applying op to a fresh state
// actually changes it (spec.md §4.4).
func CheckDeliveryPrecondition(variantName string, op crdtcore.Operation) error {
	v, err := variant.New(variantName)
	if err != nil {
		return err
	}
	before := v.Clone()
	if err := v.Apply(op); err != nil {
		return err
	}
	if v.Equal(before) {
		return violation("delivery-precondition", "op caused no observable change on a fresh state")
	}
	return nil
}

// CheckSequentialConsistency applies ops once in their given order, then
// 5 times more in random permutations, requiring every terminal state
// to be equal (spec.md §4.4/§8.3).
func CheckSequentialConsistency(variantName string, ops []crdtcore.Operation) error {
	baseline, err := variant.New(variantName)
	if err != nil {
		return err
	}
	if err := applyAll(baseline, ops); err != nil {
		return err
	}

	for i := 0; i < shufflePermutations; i++ {
		shuffled := shuffleOps(ops, int64(i)+1)
		candidate, err := variant.New(variantName)
		if err != nil {
			return err
		}
		if err := applyAll(candidate, shuffled); err != nil {
			return err
		}
		if !baseline.Equal(candidate) {
			return violation("sequential-consistency", fmt.Sprintf("permutation %d diverged from original order", i))
		}
	}
	return nil
}

func applyAll(v crdtcore.Variant, ops []crdtcore.Operation) error {
	for _, op := range ops {
		if err := v.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func shuffleOps(ops []crdtcore.Operation, seed int64) []crdtcore.Operation {
	out := make([]crdtcore.Operation, len(ops))
	copy(out, ops)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// CheckDeltaLaws verifies ApplyDelta's commutativity and idempotence over
// a pair of deltas (d1, d2) applied to a base variant. Associativity is
// not checked: with only two deltas there is no third to regroup.
func CheckDeltaLaws(base crdtcore.Variant, d1, d2 crdtcore.Delta) error {
	forward := base.Clone()
	if err := forward.ApplyDelta(d1); err != nil {
		return err
	}
	if err := forward.ApplyDelta(d2); err != nil {
		return err
	}

	backward := base.Clone()
	if err := backward.ApplyDelta(d2); err != nil {
		return err
	}
	if err := backward.ApplyDelta(d1); err != nil {
		return err
	}

	if !forward.Equal(backward) {
		return violation("delta-commutativity", "ApplyDelta(d1);ApplyDelta(d2) != ApplyDelta(d2);ApplyDelta(d1)")
	}

	repeated := forward.Clone()
	if err := repeated.ApplyDelta(d1); err != nil {
		return err
	}
	if !repeated.Equal(forward) {
		return violation("delta-idempotence", "re-applying a delta changed state")
	}
	return nil
}

// CheckDeltaStateComposability verifies ApplyDelta and Merge commute:
// ApplyDelta(d);Merge(full) == Merge(full);ApplyDelta(d) (spec.md
// §4.1.6/§8.4).
func CheckDeltaStateComposability(base crdtcore.Variant, d crdtcore.Delta, full crdtcore.Variant) error {
	deltaFirst := base.Clone()
	if err := deltaFirst.ApplyDelta(d); err != nil {
		return err
	}
	if err := deltaFirst.Merge(full); err != nil {
		return err
	}

	stateFirst := base.Clone()
	if err := stateFirst.Merge(full); err != nil {
		return err
	}
	if err := stateFirst.ApplyDelta(d); err != nil {
		return err
	}

	if !deltaFirst.Equal(stateFirst) {
		return violation("delta-state-composability", "ApplyDelta then Merge != Merge then ApplyDelta")
	}
	return nil
}
