package store

import (
	"github.com/janpfeifer/a0selfplay/internal/game"
	"maps"
	"slices"
)

type mergeEntry struct {
	example     game.Example
	occurrences int
	value       float64
	policy      []float64
}

func (e *mergeEntry) add(example game.Example) {
	e.occurrences++
	n := float64(e.occurrences)
	e.value += (float64(example.Value) - e.value) / n
	for ii, p := range example.Policy {
		e.policy[ii] += (float64(p) - e.policy[ii]) / n
	}
	e.example.Iteration = max(e.example.Iteration, example.Iteration)
}

// Merge the examples produced concurrently by the episodes of one iteration: examples of the same board
// are merged into one, whose value and policy are the running mean of the values and policies of the
// merged examples.
//
// The result doesn't depend on the order of batches or of the examples within them, up to floating
// point rounding: it is sorted by fingerprint.
// Input examples are not modified.
func Merge(batches [][]game.Example) []game.Example {
	entries := make(map[game.Fingerprint]*mergeEntry)
	for _, batch := range batches {
		for _, example := range batch {
			entry, found := entries[example.Fingerprint]
			if !found {
				entry = &mergeEntry{example: example, policy: make([]float64, len(example.Policy))}
				entries[example.Fingerprint] = entry
			}
			entry.add(example)
		}
	}

	merged := make([]game.Example, 0, len(entries))
	for _, fp := range slices.SortedFunc(maps.Keys(entries), game.Fingerprint.Compare) {
		entry := entries[fp]
		example := entry.example
		example.Value = float32(entry.value)
		example.Policy = make([]float32, len(entry.policy))
		for ii, p := range entry.policy {
			example.Policy[ii] = float32(p)
		}
		merged = append(merged, example)
	}
	return merged
}
