// Package model implements a reference-model behavior harness for
// pkg/vnvheap, grounded on the teacher's internal/testutil op-generator/
// harness pattern (seeded deterministic op streams replayed against both a
// plain-Go model and the real implementation, comparing after every op).
//
// Here the "real implementation" is a vnvheap.Heap over a storage.Memory
// port, and the model is a plain slice of expected payload bytes indexed by
// allocation order — enough to check SPEC_FULL.md §8's round-trip
// invariant ("contents must equal a replayed reference vector") without
// this package importing pkg/vnvheap (callers wire that in, avoiding an
// import cycle since pkg/vnvheap's own tests use this package).
package model

import (
	"fmt"
	"math/rand"
)

// OpKind enumerates the operations the generator can produce, matching
// SPEC_FULL.md §8 scenario 1's "{get_mut+mutate, get_mut+noop, get}".
type OpKind int

const (
	OpAllocate OpKind = iota
	OpGetMutMutate
	OpGetMutNoop
	OpGet
)

func (k OpKind) String() string {
	switch k {
	case OpAllocate:
		return "allocate"
	case OpGetMutMutate:
		return "get_mut+mutate"
	case OpGetMutNoop:
		return "get_mut+noop"
	case OpGet:
		return "get"
	default:
		return "unknown"
	}
}

// Op is one generated operation: Target indexes into the slice of handles
// allocated so far (ignored for OpAllocate), Value is the payload
// OpAllocate or OpGetMutMutate should write.
type Op struct {
	Kind   OpKind
	Target int
	Value  [10]byte
}

func (o Op) String() string {
	return fmt.Sprintf("%s(target=%d)", o.Kind, o.Target)
}

// Generator produces a deterministic stream of Op values from a seed,
// mirroring the teacher's seed-driven OpGenerator: same seed, same stream,
// every run.
type Generator struct {
	rng        *rand.Rand
	nAllocated int
	maxAllocs  int
}

// NewGenerator returns a Generator that will emit at most maxAllocs
// OpAllocate operations before only emitting mutate/noop/get ops against
// already-allocated targets.
func NewGenerator(seed int64, maxAllocs int) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), maxAllocs: maxAllocs}
}

// Next returns the next operation in the stream.
func (g *Generator) Next() Op {
	if g.nAllocated < g.maxAllocs && (g.nAllocated == 0 || g.rng.Intn(4) == 0) {
		g.nAllocated++

		var v [10]byte
		g.rng.Read(v[:])

		return Op{Kind: OpAllocate, Value: v}
	}

	target := g.rng.Intn(g.nAllocated)

	switch g.rng.Intn(3) {
	case 0:
		var v [10]byte
		g.rng.Read(v[:])

		return Op{Kind: OpGetMutMutate, Target: target, Value: v}
	case 1:
		return Op{Kind: OpGetMutNoop, Target: target}
	default:
		return Op{Kind: OpGet, Target: target}
	}
}

// Reference is the plain-Go model of expected state: the payload each
// allocation index should currently hold.
type Reference struct {
	values [][10]byte
}

// Apply updates the reference model for op and returns the value a
// correctly-behaving real implementation must report for this op (only
// meaningful for OpGet and OpGetMutMutate/OpGetMutNoop, which read back
// after the model's own mutation).
func (r *Reference) Apply(op Op) [10]byte {
	switch op.Kind {
	case OpAllocate:
		r.values = append(r.values, op.Value)

		return op.Value
	case OpGetMutMutate:
		r.values[op.Target] = op.Value

		return op.Value
	case OpGetMutNoop, OpGet:
		return r.values[op.Target]
	default:
		panic("model: unknown op kind")
	}
}

// Len reports how many allocations have been modeled so far.
func (r *Reference) Len() int { return len(r.values) }
