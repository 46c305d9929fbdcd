// Package slab implements a generic stable-index slab allocator: a slice of
// values addressed by a small integer handle that stays valid until the slot
// is freed, plus a free-list for reuse. It replaces the raw-pointer cyclic
// graph the original engine builds between cells, worker infos and entities
// (spec.md §9) with plain indices that survive reallocation of the backing
// slice.
package slab

// Ref is any integer-like handle a Slab can be indexed by.
type Ref interface{ ~int32 }

// Slab holds values of type T, addressed by Ref handles.
type Slab[T any, R Ref] struct {
	items []T
	free  []R
}

// New returns an empty Slab.
func New[T any, R Ref]() *Slab[T, R] {
	return &Slab[T, R]{}
}

// Alloc stores v in a free slot (or a newly appended one) and returns its
// handle.
func (s *Slab[T, R]) Alloc(v T) R {
	if n := len(s.free); n > 0 {
		ref := s.free[n-1]
		s.free = s.free[:n-1]
		s.items[ref] = v
		return ref
	}
	ref := R(len(s.items))
	s.items = append(s.items, v)
	return ref
}

// Free zeroes the slot at ref and returns it to the free-list. The caller
// must not use ref again until a subsequent Alloc returns it.
func (s *Slab[T, R]) Free(ref R) {
	var zero T
	s.items[ref] = zero
	s.free = append(s.free, ref)
}

// Get returns the value at ref.
func (s *Slab[T, R]) Get(ref R) T {
	return s.items[ref]
}

// Set overwrites the value at ref.
func (s *Slab[T, R]) Set(ref R, v T) {
	s.items[ref] = v
}

// Len reports the number of slots ever allocated, including freed ones still
// holding a (zeroed) slice entry.
func (s *Slab[T, R]) Len() int { return len(s.items) }

// Range calls fn for every slot start-to-end, skipping those isEmpty reports
// as vacant (needed because T's zero value may be indistinguishable from a
// live entry for some T). The free-list itself is not consulted: with a nil
// isEmpty, freed slots are visited too.
func (s *Slab[T, R]) Range(isEmpty func(T) bool, fn func(ref R, v T) bool) {
	for i, v := range s.items {
		if isEmpty != nil && isEmpty(v) {
			continue
		}
		if !fn(R(i), v) {
			return
		}
	}
}
