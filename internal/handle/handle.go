// Package handle issues monotonic u32 identifiers — request ids, sequence
// numbers — that wrap at the top of the uint32 range instead of overflowing
// silently. See spec.md §4.A.
package handle

import (
	"math"
	"sync/atomic"
)

// Generator produces successive uint32 values starting at First, wrapping
// back to First once math.MaxUint32 has been produced. It is not safe for
// concurrent use; callers that need that should use AtomicGenerator.
type Generator struct {
	First uint32
	next  uint32
}

// NewGenerator creates a Generator whose first emitted value is first.
func NewGenerator(first uint32) *Generator {
	return &Generator{First: first, next: first}
}

// Next returns the next value in the sequence and advances the generator.
func (g *Generator) Next() uint32 {
	v := g.next
	if v == math.MaxUint32 {
		g.next = g.First
	} else {
		g.next = v + 1
	}
	return v
}

// PeekNext returns the value Next would return, without advancing.
func (g *Generator) PeekNext() uint32 { return g.next }

// SetNext manually sets the value Next will return. Callers are expected to
// pass a value ≥ First.
func (g *Generator) SetNext(next uint32) { g.next = next }

// Reset returns the generator to its initial state.
func (g *Generator) Reset() { g.next = g.First }

// AtomicGenerator is the concurrent-safe counterpart of Generator. Multiple
// goroutines may call Next simultaneously; every value handed out is
// unique until the range wraps.
type AtomicGenerator struct {
	First uint32
	next  atomic.Uint32
}

// NewAtomicGenerator creates an AtomicGenerator whose first emitted value
// is first.
func NewAtomicGenerator(first uint32) *AtomicGenerator {
	g := &AtomicGenerator{First: first}
	g.next.Store(first)
	return g
}

// Next returns the next value in the sequence using fetch-add. Because
// uint32 addition wraps in hardware, a fetch-add that crosses MaxUint32
// leaves the counter somewhere below First; whichever caller observes a
// value below First races the others to correct the counter back to
// First+1 with a compare-and-swap and reports First itself as its result.
// A lost race means some other caller already moved the counter past the
// correction point, so the loop just re-reads (or re-increments) until it
// has a value it can safely return.
func (g *AtomicGenerator) Next() uint32 {
	val := g.next.Add(1) - 1
	for val < g.First {
		if g.next.CompareAndSwap(val+1, g.First+1) {
			val = g.First
		} else if v := g.next.Load(); v >= g.First {
			val = g.next.Add(1) - 1
		} else {
			val = v
		}
	}
	return val
}

// PeekNext returns the value Next would return, without advancing.
func (g *AtomicGenerator) PeekNext() uint32 { return g.next.Load() }

// SetNext manually sets the value Next will return. Callers are expected to
// pass a value ≥ First.
func (g *AtomicGenerator) SetNext(next uint32) { g.next.Store(next) }

// Reset returns the generator to its initial state.
func (g *AtomicGenerator) Reset() { g.next.Store(g.First) }
