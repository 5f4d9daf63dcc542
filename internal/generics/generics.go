// Package generics implements generic helpers missing from the stdlib.
package generics

import (
	"cmp"
	"golang.org/x/exp/constraints"
	"iter"
	"maps"
	"slices"
)

// SliceMap returns fn applied to every element of in.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set. The optional size reserves space.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys in the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Remove keys from the set. Missing keys are ignored.
func (s Set[T]) Remove(keys ...T) {
	for _, key := range keys {
		delete(s, key)
	}
}

// Keys iterates over the set, in no particular order.
func (s Set[T]) Keys() iter.Seq[T] {
	return maps.Keys(s)
}

// MinKey returns the smallest key of m, and false if m is empty.
func MinKey[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) (minKey K, found bool) {
	for key := range m {
		if !found || key < minKey {
			minKey = key
			found = true
		}
	}
	return
}

// SliceOrdering returns the indices of s sorted by their values, increasing, or decreasing if reverse is set.
// Ties keep the order of the indices.
func SliceOrdering[T constraints.Integer | constraints.Float](s []T, reverse bool) []int {
	indices := make([]int, len(s))
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		if reverse {
			return cmp.Compare(s[b], s[a])
		}
		return cmp.Compare(s[a], s[b])
	})
	return indices
}

// TopK returns the indices of the (at most) k largest values of s, largest first.
func TopK[T constraints.Integer | constraints.Float](s []T, k int) []int {
	indices := SliceOrdering(s, true)
	return indices[:min(k, len(indices))]
}
