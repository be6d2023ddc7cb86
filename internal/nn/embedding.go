package nn

import (
	"fmt"
	"math/rand"

	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// Embedding is a token embedding table with axes [vocab, embed].
type Embedding struct {
	Vocab tensor.Axis
	Embed tensor.Axis

	Weight *tensor.NamedArray
}

// NewEmbedding initializes an embedding table with N(0, stddev^2) entries.
func NewEmbedding(rng *rand.Rand, stddev float64, vocab, embed tensor.Axis) *Embedding {
	return &Embedding{
		Vocab:  vocab,
		Embed:  embed,
		Weight: tensor.Randn(rng, stddev, vocab, embed),
	}
}

// Lookup gathers the embedding rows for ids. The result carries ids' axes
// followed by the embed axis.
func (e *Embedding) Lookup(ids *tensor.IntArray) (*tensor.NamedArray, error) {
	return e.Weight.Take(e.Vocab.Name, ids)
}

// Resize returns an embedding whose vocab axis has size newSize. Existing
// rows are preserved; new rows are drawn from N(0, stddev^2).
func (e *Embedding) Resize(newSize int, rng *rand.Rand, stddev float64) (*Embedding, error) {
	w, err := tensor.ResizeAxis(e.Weight, e.Vocab.Name, newSize, rng, stddev)
	if err != nil {
		return nil, err
	}
	return &Embedding{
		Vocab:  e.Vocab.Resized(newSize),
		Embed:  e.Embed,
		Weight: w,
	}, nil
}

// UpdateStateDict writes the table under prefix.
func (e *Embedding) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	sd[statedict.ApplyPrefix(prefix, "weight")] = e.Weight
	return nil
}

// FromStateDict returns a copy with the table loaded from prefix.
func (e *Embedding) FromStateDict(sd statedict.StateDict, prefix string) (*Embedding, error) {
	raw, err := sd.Get(statedict.ApplyPrefix(prefix, "weight"))
	if err != nil {
		return nil, err
	}
	w, err := raw.WithAxes(e.Vocab, e.Embed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", statedict.ApplyPrefix(prefix, "weight"), err)
	}
	out := *e
	out.Weight = w
	return &out, nil
}
