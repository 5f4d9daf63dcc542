// Package store holds the training examples produced by self-play, indexed by board fingerprint, and
// bucketed by the iteration that produced them, so the oldest iterations can be evicted when the store
// grows beyond its capacity.
//
// It also persists the store in checkpoint files, see Store.Save and Load.
package store

import (
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"maps"
	"slices"
)

// Store of training examples.
//
// Invariant: every example in the store is in exactly one iteration bucket, the one of its Iteration.
//
// It is not safe for concurrent use: it is only changed in the (single-threaded) merge step of the
// learning loop.
type Store struct {
	examples map[game.Fingerprint]game.Example
	buckets  map[int]generics.Set[game.Fingerprint]
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		examples: make(map[game.Fingerprint]game.Example),
		buckets:  make(map[int]generics.Set[game.Fingerprint]),
	}
}

// Len returns the number of examples in the store.
func (s *Store) Len() int { return len(s.examples) }

// Get returns the example for the fingerprint.
func (s *Store) Get(fp game.Fingerprint) (example game.Example, found bool) {
	example, found = s.examples[fp]
	return
}

// Insert examples in the store, replacing previous examples of the same boards.
// Replaced examples move to the bucket of the new example's iteration.
func (s *Store) Insert(examples ...game.Example) {
	for _, example := range examples {
		fp := example.Fingerprint
		if old, found := s.examples[fp]; found && old.Iteration != example.Iteration {
			s.removeFromBucket(old.Iteration, fp)
		}
		bucket, found := s.buckets[example.Iteration]
		if !found {
			bucket = generics.MakeSet[game.Fingerprint]()
			s.buckets[example.Iteration] = bucket
		}
		bucket.Insert(fp)
		s.examples[fp] = example
	}
}

func (s *Store) removeFromBucket(iteration int, fp game.Fingerprint) {
	bucket := s.buckets[iteration]
	bucket.Remove(fp)
	if len(bucket) == 0 {
		delete(s.buckets, iteration)
	}
}

// Resize evicts whole iteration buckets, oldest first, until the store has at most capacity examples.
// The last remaining bucket is never evicted, even if by itself it is larger than capacity.
//
// It returns the number of evicted examples.
func (s *Store) Resize(capacity int) (evicted int) {
	for len(s.examples) > capacity && len(s.buckets) > 1 {
		oldest, _ := generics.MinKey(s.buckets)
		bucket := s.buckets[oldest]
		for fp := range bucket {
			delete(s.examples, fp)
		}
		delete(s.buckets, oldest)
		evicted += len(bucket)
		klog.V(1).Infof("Evicted %d examples of iteration %d, %d examples left", len(bucket), oldest, len(s.examples))
	}
	return
}

// Iterations returns the iterations with examples in the store, in increasing order.
func (s *Store) Iterations() []int {
	return slices.Sorted(maps.Keys(s.buckets))
}

// BucketLen returns the number of examples of the given iteration.
func (s *Store) BucketLen(iteration int) int {
	return len(s.buckets[iteration])
}

// Examples returns all examples, ordered by iteration and then fingerprint.
func (s *Store) Examples() []game.Example {
	examples := make([]game.Example, 0, len(s.examples))
	for _, iteration := range s.Iterations() {
		fps := slices.SortedFunc(s.buckets[iteration].Keys(), game.Fingerprint.Compare)
		for _, fp := range fps {
			examples = append(examples, s.examples[fp])
		}
	}
	return examples
}

// ActionSize returns the length of the policies of the examples, or 0 if the store is empty.
func (s *Store) ActionSize() int {
	for _, example := range s.examples {
		return len(example.Policy)
	}
	return 0
}

// CheckInvariants returns an error if the primary map and the iteration buckets are out of sync, or
// if examples have inconsistent policy sizes.
func (s *Store) CheckInvariants() error {
	var count int
	for iteration, bucket := range s.buckets {
		if len(bucket) == 0 {
			return errors.Errorf("store: empty bucket for iteration %d", iteration)
		}
		for fp := range bucket {
			example, found := s.examples[fp]
			if !found {
				return errors.Errorf("store: board %s in bucket of iteration %d is not in the store", fp, iteration)
			}
			if example.Iteration != iteration {
				return errors.Errorf("store: board %s of iteration %d found in bucket of iteration %d", fp, example.Iteration, iteration)
			}
		}
		count += len(bucket)
	}
	if count != len(s.examples) {
		return errors.Errorf("store: %d examples but %d in the iteration buckets", len(s.examples), count)
	}
	actionSize := s.ActionSize()
	for fp, example := range s.examples {
		if example.Fingerprint != fp {
			return errors.Errorf("store: example with fingerprint %s stored under %s", example.Fingerprint, fp)
		}
		if len(example.Policy) != actionSize {
			return errors.Errorf("store: example %s has policy of length %d, expected %d", fp, len(example.Policy), actionSize)
		}
	}
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("Store(%d examples, iterations %v)", s.Len(), s.Iterations())
}

// Capacity of the store, optionally growing with the iterations.
type Capacity struct {
	// Max number of examples, before any ramp.
	Max int

	// Ramp is the number of examples the capacity grows per iteration. 0 means no ramp.
	Ramp int

	// Limit is an upper bound to the ramped capacity. 0 means no limit.
	Limit int
}

// At returns the capacity at the given iteration: Max + Ramp*iteration, bounded by Limit.
func (c Capacity) At(iteration int) int {
	capacity := c.Max + c.Ramp*iteration
	if c.Limit > 0 {
		capacity = min(capacity, c.Limit)
	}
	return capacity
}
