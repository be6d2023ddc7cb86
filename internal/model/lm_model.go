package model

import (
	"math/rand"

	"github.com/Gugutse/levanter/internal/nn"
	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// LMHeadModel assembles an embedding table, a decoder transformer stack, and
// an output projection onto the vocabulary. It carries no mutable state;
// Forward allocates its outputs and ResizeVocab/FromStateDict return new
// instances.
//
// Checkpoint keys follow the external convention: the transformer is nested
// under "model", the embedding table lives at "model.embed_tokens" (its
// sub-module prefix is dropped), and the output projection is flattened to a
// 2-D [vocab, hidden] tensor under "lm_head".
type LMHeadModel struct {
	Transformer *LlamaTransformer
	Embeddings  *LlamaEmbedding
	LMHead      *nn.Linear
}

var _ LmHeadModel = (*LMHeadModel)(nil)

// InitLMHeadModel builds a freshly initialized model over the vocabulary.
func InitLMHeadModel(vocab tensor.Axis, c LlamaConfig, rng *rand.Rand) (*LMHeadModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	transformer, err := InitLlamaTransformer(c, rng)
	if err != nil {
		return nil, err
	}
	embeddings := InitLlamaEmbedding(vocab, c, rng)
	lmHead := nn.NewLinear(rng, c.InitializerRange,
		[]tensor.Axis{c.Embed()}, []tensor.Axis{vocab}, false, true)
	return &LMHeadModel{
		Transformer: transformer,
		Embeddings:  embeddings,
		LMHead:      lmHead,
	}, nil
}

// Config returns the architecture configuration the model was built from.
func (m *LMHeadModel) Config() LlamaConfig { return m.Transformer.Config }

// Vocab returns the vocabulary axis.
func (m *LMHeadModel) Vocab() tensor.Axis { return m.Embeddings.Vocab() }

// VocabSize returns the vocabulary size.
func (m *LMHeadModel) VocabSize() int { return m.Embeddings.Vocab().Size }

// Forward maps token ids [.., position] to logits [.., position, vocab].
func (m *LMHeadModel) Forward(ids *tensor.IntArray, mask AttentionMask) (*tensor.NamedArray, error) {
	x, err := m.Embeddings.Embed(ids)
	if err != nil {
		return nil, err
	}
	x, err = m.Transformer.Forward(x, mask)
	if err != nil {
		return nil, err
	}
	return m.LMHead.Apply(x)
}

// ResizeVocab returns a model whose vocabulary axis has size newSize.
// Existing embedding and projection rows are preserved; new rows are drawn
// from the initializer distribution.
func (m *LMHeadModel) ResizeVocab(newSize int, rng *rand.Rand) (LmHeadModel, error) {
	c := m.Config()
	embeddings, err := m.Embeddings.Resize(newSize, rng, c.InitializerRange)
	if err != nil {
		return nil, err
	}
	vocabName := m.Vocab().Name
	weight, err := tensor.ResizeAxis(m.LMHead.Weight, vocabName, newSize, rng, c.InitializerRange)
	if err != nil {
		return nil, err
	}
	lmHead := *m.LMHead
	lmHead.Weight = weight
	lmHead.Out = []tensor.Axis{m.Vocab().Resized(newSize)}
	return &LMHeadModel{
		Transformer: m.Transformer,
		Embeddings:  embeddings,
		LMHead:      &lmHead,
	}, nil
}

// UpdateStateDict exports every parameter under the external key layout.
func (m *LMHeadModel) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	if err := m.Transformer.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "model")); err != nil {
		return err
	}
	if err := m.Embeddings.UpdateStateDict(sd, prefix); err != nil {
		return err
	}
	return m.LMHead.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "lm_head"))
}

// FromStateDict returns a model with every parameter loaded from the
// external key layout.
func (m *LMHeadModel) FromStateDict(sd statedict.StateDict, prefix string) (LmHeadModel, error) {
	transformer, err := m.Transformer.FromStateDict(sd, statedict.ApplyPrefix(prefix, "model"))
	if err != nil {
		return nil, err
	}
	embeddings, err := m.Embeddings.FromStateDict(sd, prefix)
	if err != nil {
		return nil, err
	}
	lmHead, err := m.LMHead.FromStateDict(sd, statedict.ApplyPrefix(prefix, "lm_head"))
	if err != nil {
		return nil, err
	}
	return &LMHeadModel{
		Transformer: transformer,
		Embeddings:  embeddings,
		LMHead:      lmHead,
	}, nil
}
