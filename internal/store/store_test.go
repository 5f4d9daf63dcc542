package store

import (
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

const testActionSize = 4

// testExample creates an example for a board identified by id.
func testExample(id int, iteration int, value float32) game.Example {
	board := []float32{float32(id), 0, 1, -1}
	policy := make([]float32, testActionSize)
	policy[id%testActionSize] = 1
	return game.Example{
		Fingerprint: game.FingerprintOf(board),
		Board:       board,
		Player:      game.Player(id % 2),
		Policy:      policy,
		Value:       value,
		Iteration:   iteration,
	}
}

func TestResize(t *testing.T) {
	// One example per iteration.
	s := New()
	for ii := range 4 {
		s.Insert(testExample(ii, ii+1, 1))
	}
	require.NoError(t, s.CheckInvariants())
	assert.Equal(t, 1, s.Resize(3))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{2, 3, 4}, s.Iterations())
	_, found := s.Get(testExample(0, 1, 1).Fingerprint)
	assert.False(t, found)
	for ii := 1; ii < 4; ii++ {
		_, found = s.Get(testExample(ii, ii+1, 1).Fingerprint)
		assert.True(t, found)
	}
	require.NoError(t, s.CheckInvariants())

	// Iterations 1, 2, 2, 3, 3: evicting iteration 1 is not enough.
	s = New()
	for ii, iteration := range []int{1, 2, 2, 3, 3} {
		s.Insert(testExample(ii, iteration, 0))
	}
	assert.Equal(t, 3, s.Resize(3))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []int{3}, s.Iterations())
	assert.Equal(t, 2, s.BucketLen(3))
	require.NoError(t, s.CheckInvariants())
}

func TestResize_NeverEmpty(t *testing.T) {
	s := New()
	for ii := range 5 {
		s.Insert(testExample(ii, 7, 0))
	}
	assert.Equal(t, 0, s.Resize(2))
	assert.Equal(t, 5, s.Len())

	s.Insert(testExample(10, 8, 0))
	assert.Equal(t, 5, s.Resize(0))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []int{8}, s.Iterations())
}

func TestResize_Bound(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		s := New()
		for ii := range 50 {
			s.Insert(testExample(ii, rng.IntN(6), 0))
		}
		capacity := rng.IntN(40)
		s.Resize(capacity)
		require.NoError(t, s.CheckInvariants())
		if len(s.Iterations()) > 1 {
			require.LessOrEqual(t, s.Len(), capacity)
		}
		require.Positive(t, s.Len())
	}
}

func TestInsert_MovesBucket(t *testing.T) {
	s := New()
	s.Insert(testExample(1, 1, 0), testExample(2, 1, 0))
	s.Insert(testExample(1, 3, 1))
	require.NoError(t, s.CheckInvariants())
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []int{1, 3}, s.Iterations())
	assert.Equal(t, 1, s.BucketLen(1))
	example, found := s.Get(testExample(1, 0, 0).Fingerprint)
	require.True(t, found)
	assert.Equal(t, float32(1), example.Value)
	assert.Equal(t, 3, example.Iteration)

	// Moving the last board of a bucket removes the bucket.
	s.Insert(testExample(2, 3, 0))
	assert.Equal(t, []int{3}, s.Iterations())
	require.NoError(t, s.CheckInvariants())

	examples := s.Examples()
	require.Len(t, examples, 2)
	assert.True(t, examples[0].Fingerprint.Less(examples[1].Fingerprint))
}

func TestMerge(t *testing.T) {
	a := testExample(1, 5, 1)
	b := testExample(1, 5, 0)
	b.Policy = []float32{0, 0, 0, 1}
	c := testExample(1, 5, 0.5)
	other := testExample(2, 5, 1)

	merged := Merge([][]game.Example{{a, other}, {b}, {c}})
	require.Len(t, merged, 2)
	var m game.Example
	for _, example := range merged {
		if example.Fingerprint == a.Fingerprint {
			m = example
		}
	}
	assert.InDelta(t, 0.5, m.Value, 1e-6)
	assert.InDeltaSlice(t, []float32{0, 2.0 / 3, 0, 1.0 / 3}, m.Policy, 1e-6)
	assert.Equal(t, []float32{0, 1, 0, 0}, a.Policy, "inputs must not be modified")

	// Order independence.
	rng := rand.New(rand.NewPCG(3, 4))
	var examples []game.Example
	for ii := range 30 {
		examples = append(examples, testExample(ii%4, 2, rng.Float32()))
	}
	reference := Merge([][]game.Example{examples})
	for range 10 {
		shuffled := append([]game.Example(nil), examples...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		split := rng.IntN(len(shuffled))
		got := Merge([][]game.Example{shuffled[split:], shuffled[:split]})
		require.Len(t, got, len(reference))
		for ii := range got {
			require.Equal(t, reference[ii].Fingerprint, got[ii].Fingerprint)
			require.InDelta(t, reference[ii].Value, got[ii].Value, 1e-5)
			require.InDeltaSlice(t, reference[ii].Policy, got[ii].Policy, 1e-5)
		}
	}
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 100, Capacity{Max: 100}.At(50))
	c := Capacity{Max: 100, Ramp: 10, Limit: 150}
	assert.Equal(t, 100, c.At(0))
	assert.Equal(t, 130, c.At(3))
	assert.Equal(t, 150, c.At(10))
	assert.Equal(t, 1100, Capacity{Max: 100, Ramp: 10}.At(100))
}

func TestCheckpointPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/tmp", "x", "examples_0000042"), CheckpointPath("/tmp/x", 42))
	assert.Equal(t, filepath.Join("/tmp", "x", "examples"), LatestPath("/tmp/x"))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := New()
	for ii := range 10 {
		s.Insert(testExample(ii, ii%3, float32(ii)/10))
	}
	base := CheckpointPath(dir, 7)
	require.NoError(t, s.Save(base, map[string]string{"run_id": "abc"}))
	_, err := os.Stat(base + BoardsSuffix)
	require.NoError(t, err)
	_, err = os.Stat(base + MetadataSuffix)
	require.NoError(t, err)

	loaded, metadata, err := Load(base)
	require.NoError(t, err)
	require.NoError(t, loaded.CheckInvariants())
	assert.Equal(t, "abc", metadata["run_id"])
	assert.Equal(t, s.Len(), loaded.Len())
	assert.Equal(t, s.Iterations(), loaded.Iterations())
	for _, want := range s.Examples() {
		got, found := loaded.Get(want.Fingerprint)
		require.True(t, found)
		assert.Equal(t, want.Board, got.Board)
		assert.Equal(t, want.Player, got.Player)
		assert.Equal(t, want.Policy, got.Policy)
		assert.Equal(t, want.Value, got.Value)
		assert.Equal(t, want.Iteration, got.Iteration)
	}

	// Saving again keeps a backup of the previous files.
	s.Insert(testExample(20, 4, 1))
	require.NoError(t, s.Save(base, nil))
	_, err = os.Stat(base + BoardsSuffix + "~")
	require.NoError(t, err)
	reloaded, _, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, 11, reloaded.Len())
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	s1, s2 := New(), New()
	for ii := range 4 {
		s1.Insert(testExample(ii, 1, 0))
	}
	s2.Insert(testExample(0, 1, 0))
	require.NoError(t, s1.Save(filepath.Join(dir, "a"), nil))
	require.NoError(t, s2.Save(filepath.Join(dir, "b"), nil))

	// Mismatched boards and metadata files.
	require.NoError(t, os.Rename(filepath.Join(dir, "b"+MetadataSuffix), filepath.Join(dir, "a"+MetadataSuffix)))
	_, _, err := Load(filepath.Join(dir, "a"))
	require.ErrorIs(t, err, ErrCorruptCheckpoint)

	// Missing file.
	_, _, err = Load(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
