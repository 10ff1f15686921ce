// Package arena provides a fixed-size slot table addressed by index.
//
// Slots are handed out from an explicit free list. Released slots are not
// reusable immediately: they are parked until the next Reclaim, which moves
// them to the free list in one batch. The persistent stores use this for the
// per-subscription cursor table so that create/unsubscribe churn reuses slots
// instead of growing the table.
package arena

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidSlot = errors.New("invalid slot")

// Arena is a table of T values addressed by uint32 slot index.
// It is not safe for concurrent use; callers hold their own lock.
type Arena[T any] struct {
	slots    []T
	used     []bool
	free     []uint32 // kept sorted descending so the lowest index pops first
	released []uint32
}

// New returns an empty arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Alloc returns a free slot, growing the table only when the free list is empty.
func (a *Arena[T]) Alloc() uint32 {
	var zero T
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx] = zero
		a.used[idx] = true
		return idx
	}
	a.slots = append(a.slots, zero)
	a.used = append(a.used, true)
	return uint32(len(a.slots) - 1)
}

// Restore marks idx as in use with value v, growing the table as needed.
// Used when rebuilding the arena from persisted slots; call Rebuild after
// the last Restore to derive the free list.
func (a *Arena[T]) Restore(idx uint32, v T) {
	for uint32(len(a.slots)) <= idx {
		var zero T
		a.slots = append(a.slots, zero)
		a.used = append(a.used, false)
	}
	a.slots[idx] = v
	a.used[idx] = true
}

// Rebuild recomputes the free list from the in-use marks.
func (a *Arena[T]) Rebuild() {
	a.free = a.free[:0]
	a.released = a.released[:0]
	for i := len(a.used) - 1; i >= 0; i-- {
		if !a.used[i] {
			a.free = append(a.free, uint32(i))
		}
	}
}

// Get returns a pointer to the value in slot idx.
func (a *Arena[T]) Get(idx uint32) (*T, error) {
	if int(idx) >= len(a.slots) || !a.used[idx] {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, idx)
	}
	return &a.slots[idx], nil
}

// Release parks idx until the next Reclaim.
func (a *Arena[T]) Release(idx uint32) error {
	if int(idx) >= len(a.slots) || !a.used[idx] {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, idx)
	}
	var zero T
	a.slots[idx] = zero
	a.used[idx] = false
	a.released = append(a.released, idx)
	return nil
}

// Reclaim moves every released slot to the free list and trims free slots
// at the end of the table. It returns the number of slots reclaimed.
func (a *Arena[T]) Reclaim() int {
	n := len(a.released)
	if n == 0 {
		return 0
	}
	a.free = append(a.free, a.released...)
	a.released = a.released[:0]

	end := len(a.used)
	for end > 0 && !a.used[end-1] {
		end--
	}
	a.slots = a.slots[:end]
	a.used = a.used[:end]

	kept := a.free[:0]
	for _, idx := range a.free {
		if int(idx) < end {
			kept = append(kept, idx)
		}
	}
	a.free = kept
	sort.Slice(a.free, func(i, j int) bool { return a.free[i] > a.free[j] })
	return n
}

// Cap returns the size of the slot table, including free slots.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Len returns the number of slots in use.
func (a *Arena[T]) Len() int {
	n := 0
	for _, u := range a.used {
		if u {
			n++
		}
	}
	return n
}

// Pending returns the number of released slots awaiting Reclaim.
func (a *Arena[T]) Pending() int {
	return len(a.released)
}
