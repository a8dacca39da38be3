package internal

import "sort"

// Set is a collection of unique names.
type Set[T comparable] struct {
	items map[T]struct{}
}

// NewSet returns an empty set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{items: make(map[T]struct{})}
}

// Add inserts item. Adding an existing item has no effect.
func (s *Set[T]) Add(item T) {
	s.items[item] = struct{}{}
}

// Contains reports whether item was added.
func (s *Set[T]) Contains(item T) bool {
	_, ok := s.items[item]
	return ok
}

// Size returns the number of items.
func (s *Set[T]) Size() int {
	return len(s.items)
}

// Sorted returns the items of a string set in ascending order.
func Sorted(s *Set[string]) []string {
	out := make([]string, 0, len(s.items))
	for item := range s.items {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
