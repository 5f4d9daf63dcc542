// Package onnx implements an ai.Oracle backed by a model exported in the ONNX format, run with ONNX Runtime.
//
// Requests from concurrent searches are grouped in batches: a batch is run when it is full, or after
// a timeout since the last batch.
//
// The model must have one input (default name "input") with shape [batch, board_shape...] and two
// outputs: the policy logits or probabilities with shape [batch, actionSize] (default name "policy")
// and the value with shape [batch, 1] (default name "value").
//
// Importing this package registers the "onnx" oracle provider (see ai.New), with the parameters:
//
//   - model: path to the ONNX model. Required.
//   - library: path to the ONNX Runtime shared library. Defaults to $ORT_SHARED_LIBRARY_PATH, if set.
//   - board_shape: shape of one board tensor, dimensions separated by "x", e.g. "1x3x3". Defaults to a
//     flat tensor.
//   - batch_size, batch_timeout: batching parameters.
//   - softmax: apply softmax to the policy output, if the model outputs logits.
//   - tanh_value: the value output is in [-1, 1] and is mapped to [0, 1].
//   - input, policy, value: names of the input and output nodes.
package onnx

import (
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBatchSize    = 64
	DefaultBatchTimeout = time.Millisecond
)

// Config of the ONNX oracle.
type Config struct {
	ModelPath   string
	LibraryPath string

	// BoardShape of one board tensor, without the batch dimension. If empty a flat tensor is used.
	BoardShape []int64

	BatchSize    int
	BatchTimeout time.Duration

	Softmax, TanhValue bool

	InputName, PolicyName, ValueName string
}

// NewConfigFromParams pops the ONNX parameters from params.
func NewConfigFromParams(params parameters.Params) (cfg Config, err error) {
	cfg = Config{
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		InputName:    "input",
		PolicyName:   "policy",
		ValueName:    "value",
		LibraryPath:  os.Getenv("ORT_SHARED_LIBRARY_PATH"),
	}
	if cfg.ModelPath, err = parameters.PopParamOr(params, "model", ""); err != nil {
		return
	}
	if cfg.ModelPath == "" {
		err = errors.New("onnx oracle requires the parameter \"model\" with the path to the model")
		return
	}
	if cfg.LibraryPath, err = parameters.PopParamOr(params, "library", cfg.LibraryPath); err != nil {
		return
	}
	var shape string
	if shape, err = parameters.PopParamOr(params, "board_shape", ""); err != nil {
		return
	}
	if cfg.BoardShape, err = ParseShape(shape); err != nil {
		return
	}
	if cfg.BatchSize, err = parameters.PopParamOr(params, "batch_size", cfg.BatchSize); err != nil {
		return
	}
	if cfg.BatchTimeout, err = parameters.PopParamOr(params, "batch_timeout", cfg.BatchTimeout); err != nil {
		return
	}
	if cfg.Softmax, err = parameters.PopParamOr(params, "softmax", cfg.Softmax); err != nil {
		return
	}
	if cfg.TanhValue, err = parameters.PopParamOr(params, "tanh_value", cfg.TanhValue); err != nil {
		return
	}
	if cfg.InputName, err = parameters.PopParamOr(params, "input", cfg.InputName); err != nil {
		return
	}
	if cfg.PolicyName, err = parameters.PopParamOr(params, "policy", cfg.PolicyName); err != nil {
		return
	}
	if cfg.ValueName, err = parameters.PopParamOr(params, "value", cfg.ValueName); err != nil {
		return
	}
	if cfg.BatchSize <= 0 || cfg.BatchTimeout <= 0 {
		err = errors.Errorf("onnx oracle: batch_size (%d) and batch_timeout (%s) must be > 0", cfg.BatchSize, cfg.BatchTimeout)
	}
	return
}

// ParseShape parses dimensions separated by "x", e.g. "2x3x3". An empty string returns a nil shape.
func ParseShape(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "x")
	shape := make([]int64, len(parts))
	for ii, part := range parts {
		dim, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || dim <= 0 {
			return nil, errors.Errorf("invalid shape %q: dimension #%d is %q", s, ii, part)
		}
		shape[ii] = dim
	}
	return shape, nil
}

// backend runs one batch of inputs.
type backend interface {
	// run returns the flat policies (batchSize*actionSize) and values (batchSize).
	run(batchInput []float32, batchSize int) (policies, values []float32, err error)
	destroy() error
}

type request struct {
	input    []float32
	response chan response
}

type response struct {
	policy []float32
	value  float32
	err    error
}

// Oracle implements ai.Oracle with an ONNX model. It is safe for concurrent use.
type Oracle struct {
	cfg        Config
	actionSize int
	backend    backend

	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ ai.Oracle = (*Oracle)(nil)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// New loads the model and starts the batching loop. Call Close to release it.
func New(cfg Config, actionSize int) (*Oracle, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, errors.Wrap(ortInitErr, "failed to initialize ONNX Runtime")
	}
	b, err := newSessionBackend(cfg, actionSize)
	if err != nil {
		return nil, err
	}
	return newOracle(cfg, actionSize, b), nil
}

func newOracle(cfg Config, actionSize int, b backend) *Oracle {
	o := &Oracle{
		cfg:        cfg,
		actionSize: actionSize,
		backend:    b,
		requests:   make(chan request, 2*cfg.BatchSize),
		done:       make(chan struct{}),
	}
	o.wg.Add(1)
	go o.batchLoop()
	return o
}

// Infer implements ai.Oracle.
func (o *Oracle) Infer(tensor []float32) (policy []float32, value float32, err error) {
	req := request{input: tensor, response: make(chan response, 1)}
	select {
	case o.requests <- req:
	case <-o.done:
		return nil, 0, errors.Errorf("%s is closed", o)
	}
	select {
	case resp := <-req.response:
		return resp.policy, resp.value, resp.err
	case <-o.done:
		select {
		case resp := <-req.response:
			return resp.policy, resp.value, resp.err
		default:
			return nil, 0, errors.Errorf("%s closed", o)
		}
	}
}

// Close stops the batching loop and releases the ONNX session. Pending requests fail.
func (o *Oracle) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
		err = o.backend.destroy()
	})
	return err
}

func (o *Oracle) String() string {
	return fmt.Sprintf("onnx(%s)", o.cfg.ModelPath)
}

func (o *Oracle) batchLoop() {
	defer o.wg.Done()
	var requests []request
	var batchInput []float32
	ticker := time.NewTicker(o.cfg.BatchTimeout)
	defer ticker.Stop()
	flush := func() {
		if len(requests) > 0 {
			o.runBatch(requests, batchInput)
			requests = requests[:0]
			batchInput = batchInput[:0]
		}
	}
	for {
		select {
		case <-o.done:
			// Fail requests that are still queued.
			for {
				select {
				case req := <-o.requests:
					requests = append(requests, req)
				default:
					o.failBatch(requests, errors.Errorf("%s closed", o))
					return
				}
			}
		case req := <-o.requests:
			if len(requests) > 0 && len(req.input) != len(requests[0].input) {
				flush()
			}
			requests = append(requests, req)
			batchInput = append(batchInput, req.input...)
			if len(requests) >= o.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (o *Oracle) runBatch(requests []request, batchInput []float32) {
	policies, values, err := o.backend.run(batchInput, len(requests))
	if err != nil {
		o.failBatch(requests, errors.WithMessagef(err, "%s failed on batch of %d boards", o, len(requests)))
		return
	}
	if len(policies) != len(requests)*o.actionSize || len(values) != len(requests) {
		o.failBatch(requests, errors.Errorf("%s: batch of %d boards returned %d policy values and %d values, expected %d and %d",
			o, len(requests), len(policies), len(values), len(requests)*o.actionSize, len(requests)))
		return
	}
	for ii, req := range requests {
		policy := make([]float32, o.actionSize)
		copy(policy, policies[ii*o.actionSize:(ii+1)*o.actionSize])
		if o.cfg.Softmax {
			policy = ai.Softmax(policy)
		}
		value := values[ii]
		if o.cfg.TanhValue {
			value = (value + 1) / 2
		}
		req.response <- response{policy: policy, value: value}
	}
	klog.V(3).Infof("%s: ran batch of %d boards", o, len(requests))
}

func (o *Oracle) failBatch(requests []request, err error) {
	for _, req := range requests {
		req.response <- response{err: err}
	}
}

// sessionBackend runs the batches on an ONNX Runtime session.
type sessionBackend struct {
	session    *ort.DynamicAdvancedSession
	boardShape []int64
	actionSize int
}

func newSessionBackend(cfg Config, actionSize int) (*sessionBackend, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX session options")
	}
	defer func() { _ = options.Destroy() }()
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.PolicyName, cfg.ValueName}, options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load ONNX model %q", cfg.ModelPath)
	}
	klog.V(1).Infof("Loaded ONNX model %q", cfg.ModelPath)
	return &sessionBackend{session: session, boardShape: cfg.BoardShape, actionSize: actionSize}, nil
}

func (b *sessionBackend) run(batchInput []float32, batchSize int) (policies, values []float32, err error) {
	inputShape := []int64{int64(batchSize)}
	if len(b.boardShape) > 0 {
		inputShape = append(inputShape, b.boardShape...)
	} else {
		inputShape = append(inputShape, int64(len(batchInput)/batchSize))
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(inputShape...), batchInput)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create input tensor of shape %v", inputShape)
	}
	defer func() { _ = inputTensor.Destroy() }()
	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), int64(b.actionSize)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create policy tensor")
	}
	defer func() { _ = policyTensor.Destroy() }()
	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), 1))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create value tensor")
	}
	defer func() { _ = valueTensor.Destroy() }()

	if err = b.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, nil, errors.Wrap(err, "ONNX inference failed")
	}
	policies = append([]float32(nil), policyTensor.GetData()...)
	values = append([]float32(nil), valueTensor.GetData()...)
	return policies, values, nil
}

func (b *sessionBackend) destroy() error {
	return b.session.Destroy()
}

func init() {
	ai.RegisterProvider("onnx", ai.ProviderFunc(func(params parameters.Params, actionSize int) (ai.Oracle, error) {
		cfg, err := NewConfigFromParams(params)
		if err != nil {
			return nil, err
		}
		return New(cfg, actionSize)
	}))
}
