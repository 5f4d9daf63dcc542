package onnx

import (
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// echoBackend returns each board as its policy, and the first value of the board as its value.
type echoBackend struct {
	mu         sync.Mutex
	batchSizes []int
	destroyed  bool
	err        error
}

func (b *echoBackend) run(batchInput []float32, batchSize int) (policies, values []float32, err error) {
	b.mu.Lock()
	b.batchSizes = append(b.batchSizes, batchSize)
	b.mu.Unlock()
	if b.err != nil {
		return nil, nil, b.err
	}
	boardSize := len(batchInput) / batchSize
	policies = append(policies, batchInput...)
	for ii := range batchSize {
		values = append(values, batchInput[ii*boardSize])
	}
	return
}

func (b *echoBackend) destroy() error {
	b.destroyed = true
	return nil
}

func testConfig() Config {
	return Config{ModelPath: "echo", BatchSize: 8, BatchTimeout: 20 * time.Millisecond}
}

func TestOracle_Batching(t *testing.T) {
	backend := &echoBackend{}
	o := newOracle(testConfig(), 3, backend)
	const numRequests = 40
	var wg sync.WaitGroup
	for ii := range numRequests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			board := []float32{float32(ii) / numRequests, 0.5, 0.25}
			policy, value, err := o.Infer(board)
			assert.NoError(t, err)
			assert.Equal(t, board, policy)
			assert.Equal(t, board[0], value)
		}()
	}
	wg.Wait()
	require.NoError(t, o.Close())
	assert.True(t, backend.destroyed)

	var total int
	for _, size := range backend.batchSizes {
		assert.LessOrEqual(t, size, 8)
		total += size
	}
	assert.Equal(t, numRequests, total)

	_, _, err := o.Infer([]float32{0, 0, 0})
	require.Error(t, err)
}

func TestOracle_PostProcessing(t *testing.T) {
	cfg := testConfig()
	cfg.Softmax = true
	cfg.TanhValue = true
	o := newOracle(cfg, 2, &echoBackend{})
	defer func() { _ = o.Close() }()
	policy, value, err := o.Infer([]float32{0, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, policy, 1e-6)
	assert.InDelta(t, 0.5, value, 1e-6)
	_, value, err = o.Infer([]float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, value, 1e-6)
}

func TestOracle_Errors(t *testing.T) {
	o := newOracle(testConfig(), 2, &echoBackend{err: errors.New("CUDA out of memory")})
	defer func() { _ = o.Close() }()
	_, _, err := o.Infer([]float32{0, 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	// Wrong output size: policy of 2 values, but 3 actions expected.
	o2 := newOracle(testConfig(), 3, &echoBackend{})
	defer func() { _ = o2.Close() }()
	_, _, err = o2.Infer([]float32{0, 1})
	require.Error(t, err)
}

func TestNewConfigFromParams(t *testing.T) {
	params := parameters.NewFromConfigString("model=/tmp/m.onnx,board_shape=2x3x3,batch_size=16,batch_timeout=5ms,tanh_value")
	cfg, err := NewConfigFromParams(params)
	require.NoError(t, err)
	assert.Empty(t, params)
	assert.Equal(t, "/tmp/m.onnx", cfg.ModelPath)
	assert.Equal(t, []int64{2, 3, 3}, cfg.BoardShape)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 5*time.Millisecond, cfg.BatchTimeout)
	assert.True(t, cfg.TanhValue)
	assert.False(t, cfg.Softmax)
	assert.Equal(t, "input", cfg.InputName)

	_, err = NewConfigFromParams(parameters.NewFromConfigString("batch_size=4"))
	require.Error(t, err)
	_, err = NewConfigFromParams(parameters.NewFromConfigString("model=m.onnx,board_shape=3xx3"))
	require.Error(t, err)

	// The provider is registered.
	assert.Contains(t, ai.Providers(), "onnx")
	_, err = ai.New("onnx:batch_size=4", 9)
	require.Error(t, err)
}

func TestParseShape(t *testing.T) {
	shape, err := ParseShape("")
	require.NoError(t, err)
	assert.Nil(t, shape)
	shape, err = ParseShape("7")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, shape)
	_, err = ParseShape("3x0")
	require.Error(t, err)
}
