// Package idgen allocates instance ids.
// There is no global counter. Each pipeline run creates its own Allocator and
// passes it explicitly to whoever needs fresh ids, so runs stay independent.
package idgen

import (
	"errors"
	"math"
	"sync/atomic"
)

var ErrExhausted = errors.New("Instance id space exhausted")

// Allocator returns values 1,2,3... up to 2^32-1.
// Zero is never generated, because zero is the background label.
type Allocator struct {
	last atomic.Uint64
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns a single fresh id
func (a *Allocator) Next() (uint32, error) {
	first, err := a.Reserve(1)
	return first, err
}

// Reserve allocates n consecutive ids and returns the first of them.
// Reserving zero ids returns the next id that would be handed out, without consuming it.
func (a *Allocator) Reserve(n int) (uint32, error) {
	if n < 0 {
		return 0, errors.New("Negative id reservation")
	}
	end := a.last.Add(uint64(n))
	if end > math.MaxUint32 {
		a.last.Add(^uint64(n - 1))
		return 0, ErrExhausted
	}
	return uint32(end - uint64(n) + 1), nil
}

// Issued returns the number of ids handed out so far
func (a *Allocator) Issued() uint32 {
	return uint32(a.last.Load())
}
