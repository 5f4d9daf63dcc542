package ai

import (
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
	"slices"
	"strings"
	"sync"
)

// Provider creates oracles from configuration parameters.
//
// Providers should pop (parameters.PopParamOr) the parameters they use: leftover parameters are reported
// as errors by New.
type Provider interface {
	NewOracle(params parameters.Params, actionSize int) (Oracle, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(params parameters.Params, actionSize int) (Oracle, error)

// NewOracle implements Provider.
func (fn ProviderFunc) NewOracle(params parameters.Params, actionSize int) (Oracle, error) {
	return fn(params, actionSize)
}

var (
	muProviders sync.Mutex
	providers   = make(map[string]Provider)
)

// RegisterProvider makes an oracle provider available by name to New.
// Usually called from the init() of the package implementing the oracle.
func RegisterProvider(name string, provider Provider) {
	muProviders.Lock()
	defer muProviders.Unlock()
	providers[name] = provider
}

// Providers returns the sorted names of the registered providers.
func Providers() []string {
	muProviders.Lock()
	defer muProviders.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is used by New if config is empty.
var DefaultConfig = "uniform"

// New creates an oracle from a configuration string.
//
// The config is the provider name, optionally followed by a colon (":") and a comma-separated list of
// parameters, e.g.: "onnx:model=/tmp/model.onnx,batch_size=64".
func New(config string, actionSize int) (Oracle, error) {
	if config == "" {
		config = DefaultConfig
	}
	name, paramsConfig, _ := strings.Cut(config, ":")
	muProviders.Lock()
	provider, found := providers[name]
	muProviders.Unlock()
	if !found {
		return nil, errors.Errorf("unknown oracle %q, registered oracles are %v", name, Providers())
	}
	params := parameters.Params{}
	if paramsConfig != "" {
		params = parameters.NewFromConfigString(paramsConfig)
	}
	oracle, err := provider.NewOracle(params, actionSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating oracle %q", config)
	}
	if len(params) > 0 {
		return nil, errors.Errorf("oracle %q: unknown parameters %v", name, parameters.Keys(params))
	}
	return oracle, nil
}

func init() {
	RegisterProvider("uniform", ProviderFunc(func(_ parameters.Params, actionSize int) (Oracle, error) {
		return Uniform{ActionSize: actionSize}, nil
	}))
	RegisterProvider("tabular", ProviderFunc(func(params parameters.Params, actionSize int) (Oracle, error) {
		return NewTabularFromParams(params, actionSize)
	}))
}
