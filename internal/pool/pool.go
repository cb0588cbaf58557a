// Package pool provides an arena of reusable objects addressed by
// generation-checked handles.
package pool

import (
	"errors"
	"fmt"
)

// ErrStaleHandle is returned when a handle is used after being returned to
// its arena, or when it was never issued by it.
var ErrStaleHandle = errors.New("pool: stale handle")

// Handle identifies a rented slot. The generation changes every time the
// slot is returned so old handles can be detected.
type Handle struct {
	index      uint32
	generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	rented     bool
}

type Stats struct {
	Allocated   int
	Outstanding int
	Rented      uint64
}

// Arena hands out reusable values of type T. Values keep their backing
// storage across rentals, reset is called on every Return so the next
// renter sees a logically empty value.
//
// Slots are allocated individually so a rented pointer stays valid while
// the arena grows. An Arena is not safe for concurrent use.
type Arena[T any] struct {
	slots  []*slot[T]
	free   []uint32
	reset  func(*T)
	rented uint64
}

func NewArena[T any](reset func(*T)) *Arena[T] {
	return &Arena[T]{reset: reset}
}

func (a *Arena[T]) Rent() (Handle, *T) {
	a.rented++
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, &slot[T]{})
		index = uint32(len(a.slots) - 1)
	}
	s := a.slots[index]
	s.rented = true
	return Handle{index: index, generation: s.generation}, &s.value
}

func (a *Arena[T]) lookup(h Handle) (*slot[T], error) {
	if int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := a.slots[h.index]
	if !s.rented || s.generation != h.generation {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return s, nil
}

// Get returns the value behind a live handle.
func (a *Arena[T]) Get(h Handle) (*T, error) {
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return &s.value, nil
}

// MustGet is like Get but panics on a stale handle.
func (a *Arena[T]) MustGet(h Handle) *T {
	v, err := a.Get(h)
	if err != nil {
		panic(err)
	}
	return v
}

// Return gives the slot back to the arena. Returning the same handle twice
// fails with ErrStaleHandle.
func (a *Arena[T]) Return(h Handle) error {
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	if a.reset != nil {
		a.reset(&s.value)
	}
	s.rented = false
	s.generation++
	a.free = append(a.free, h.index)
	return nil
}

func (a *Arena[T]) Stats() Stats {
	return Stats{
		Allocated:   len(a.slots),
		Outstanding: len(a.slots) - len(a.free),
		Rented:      a.rented,
	}
}
