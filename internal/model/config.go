// Package model defines decoder language model architectures over the named
// axis tensor layer, along with the registry the surrounding pipeline uses to
// instantiate them from configuration data.
package model

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// LmConfig is an immutable architecture configuration. Implementations are
// value types; deriving a changed configuration means building a new value,
// never mutating fields in place.
type LmConfig interface {
	// ModelType returns the registry identifier ("mistral", "llama").
	ModelType() string
	// Validate checks the internal consistency of the hyperparameters.
	Validate() error
	// BuildModel constructs a freshly initialized model over the vocabulary.
	BuildModel(vocab tensor.Axis, rng *rand.Rand) (LmHeadModel, error)
}

// LmHeadModel is a language model with a projection back onto the vocabulary.
// Models are immutable: Forward allocates its outputs and ResizeVocab and
// FromStateDict return new instances.
type LmHeadModel interface {
	Vocab() tensor.Axis
	VocabSize() int

	// Forward maps token ids [.., position] to logits [.., position, vocab].
	Forward(ids *tensor.IntArray, mask AttentionMask) (*tensor.NamedArray, error)

	// ResizeVocab returns a model whose vocabulary axis has size newSize,
	// preserving existing rows and freshly initializing new ones.
	ResizeVocab(newSize int, rng *rand.Rand) (LmHeadModel, error)

	UpdateStateDict(sd statedict.StateDict, prefix string) error
	FromStateDict(sd statedict.StateDict, prefix string) (LmHeadModel, error)
}

// ConfigFactory builds a configuration from an optional YAML node carrying
// overrides over the architecture defaults.
type ConfigFactory func(node *yaml.Node) (LmConfig, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ConfigFactory{}
)

// Register adds a model type to the global registry. Registering the same
// name twice is a programmer error and panics.
func Register(name string, factory ConfigFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("model: duplicate registration of %q", name))
	}
	registry[name] = factory
}

// NewConfig returns the default configuration for a registered model type.
func NewConfig(name string) (LmConfig, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model: unknown model type %q", name)
	}
	return factory(nil)
}

// RegisteredTypes lists the registry contents in sorted order.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseConfig decodes a YAML document with a `type` discriminator into the
// matching architecture configuration. Fields not present keep their
// architecture defaults.
func ParseConfig(data []byte) (LmConfig, error) {
	var probe struct {
		Type string `yaml:"type"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("model: parse config: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("model: config has no `type` field")
	}
	registryMu.RLock()
	factory, ok := registry[probe.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model: unknown model type %q", probe.Type)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("model: parse config: %w", err)
	}
	return factory(&node)
}
