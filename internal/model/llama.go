package model

import (
	"fmt"
	"math"
	"math/rand"

	"gopkg.in/yaml.v3"

	"github.com/Gugutse/levanter/internal/hf"
	"github.com/Gugutse/levanter/internal/nn"
	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// Canonical axis names shared across the decoder architectures.
const (
	AxisPosition    = "position"
	AxisKeyPosition = "key_position"
	AxisEmbed       = "embed"
	AxisHeads       = "heads"
	AxisKVHeads     = "kv_heads"
	AxisLayers      = "layers"
	AxisMlp         = "mlp"
	AxisHeadSize    = "head_size"
	AxisVocab       = "vocab"
)

func init() {
	Register("llama", func(node *yaml.Node) (LmConfig, error) {
		cfg := DefaultLlamaConfig()
		if node != nil {
			if err := node.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("llama config: %w", err)
			}
		}
		return cfg, cfg.Validate()
	})
}

// LlamaConfig holds the hyperparameters of the Llama decoder family. It is
// an immutable value; derive variants by copying the struct, never by
// editing fields of a shared value. The named axes are computed from the
// scalar fields on demand so they can never drift out of sync.
type LlamaConfig struct {
	SeqLen          int `yaml:"seq_len"`
	HiddenDim       int `yaml:"hidden_dim"`
	IntermediateDim int `yaml:"intermediate_dim"`
	NumLayers       int `yaml:"num_layers"`
	NumHeads        int `yaml:"num_heads"`
	NumKVHeads      int `yaml:"num_kv_heads"`

	ActivationFunction string  `yaml:"activation_function"`
	InitializerRange   float64 `yaml:"initializer_range"`
	LayerNormEpsilon   float64 `yaml:"layer_norm_epsilon"`

	// SlidingWindow restricts attention to a trailing window of keys.
	// Zero means full causal attention.
	SlidingWindow int `yaml:"sliding_window"`

	RopeTheta   float64      `yaml:"rope_theta"`
	RopeScaling *RopeScaling `yaml:"rope_scaling"`

	UpcastAttn              bool `yaml:"upcast_attn"`
	UseFlashAttention       bool `yaml:"use_flash_attention"`
	FlashAttentionBlockSize int  `yaml:"flash_attention_block_size"`

	GradientCheckpointing          bool `yaml:"gradient_checkpointing"`
	GradientCheckpointingBlockSize int  `yaml:"gradient_checkpointing_block_size"`

	UseBias bool `yaml:"use_bias"`
}

// DefaultLlamaConfig returns the Llama-7B hyperparameters.
func DefaultLlamaConfig() LlamaConfig {
	return LlamaConfig{
		SeqLen:                         2048,
		HiddenDim:                      4096,
		IntermediateDim:                11008,
		NumLayers:                      32,
		NumHeads:                       32,
		NumKVHeads:                     32,
		ActivationFunction:             "silu",
		InitializerRange:               0.02,
		LayerNormEpsilon:               1e-5,
		RopeTheta:                      defaultRopeTheta,
		GradientCheckpointing:          true,
		GradientCheckpointingBlockSize: 5,
	}
}

// ModelType implements LmConfig.
func (c LlamaConfig) ModelType() string { return "llama" }

// Validate checks the head-count invariants.
func (c LlamaConfig) Validate() error {
	if c.SeqLen <= 0 || c.HiddenDim <= 0 || c.IntermediateDim <= 0 ||
		c.NumLayers <= 0 || c.NumHeads <= 0 || c.NumKVHeads <= 0 {
		return fmt.Errorf("%s config: non-positive dimension", c.ModelType())
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("%s config: hidden_dim %d not divisible by num_heads %d",
			c.ModelType(), c.HiddenDim, c.NumHeads)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%s config: num_heads %d not divisible by num_kv_heads %d",
			c.ModelType(), c.NumHeads, c.NumKVHeads)
	}
	return nil
}

// Derived named axes. Computed, never stored.

func (c LlamaConfig) Pos() tensor.Axis      { return tensor.NewAxis(AxisPosition, c.SeqLen) }
func (c LlamaConfig) KeyPos() tensor.Axis   { return c.Pos().Alias(AxisKeyPosition) }
func (c LlamaConfig) Embed() tensor.Axis    { return tensor.NewAxis(AxisEmbed, c.HiddenDim) }
func (c LlamaConfig) Heads() tensor.Axis    { return tensor.NewAxis(AxisHeads, c.NumHeads) }
func (c LlamaConfig) KVHeads() tensor.Axis  { return tensor.NewAxis(AxisKVHeads, c.NumKVHeads) }
func (c LlamaConfig) Layers() tensor.Axis   { return tensor.NewAxis(AxisLayers, c.NumLayers) }
func (c LlamaConfig) Mlp() tensor.Axis      { return tensor.NewAxis(AxisMlp, c.IntermediateDim) }
func (c LlamaConfig) HeadSize() tensor.Axis {
	return tensor.NewAxis(AxisHeadSize, c.HiddenDim/c.NumHeads)
}

// AttentionMask returns the mask implied by the configuration: causal, with
// the configured sliding window when one is set.
func (c LlamaConfig) AttentionMask() AttentionMask {
	return CausalMask().WithSlidingWindow(c.SlidingWindow)
}

// BuildModel implements LmConfig.
func (c LlamaConfig) BuildModel(vocab tensor.Axis, rng *rand.Rand) (LmHeadModel, error) {
	return InitLMHeadModel(vocab, c, rng)
}

// LlamaConfigFromHF translates an external pretrained configuration into the
// internal form.
func LlamaConfigFromHF(hfc hf.MistralConfig) LlamaConfig {
	cfg := DefaultLlamaConfig()
	cfg.SeqLen = hfc.MaxPositionEmbeddings
	cfg.HiddenDim = hfc.HiddenSize
	cfg.IntermediateDim = hfc.IntermediateSize
	cfg.NumLayers = hfc.NumHiddenLayers
	cfg.NumHeads = hfc.NumAttentionHeads
	cfg.NumKVHeads = hfc.NumKeyValueHeads
	cfg.ActivationFunction = hfc.HiddenAct
	cfg.InitializerRange = hfc.InitializerRange
	cfg.LayerNormEpsilon = hfc.RMSNormEps
	if hfc.RopeTheta != 0 {
		cfg.RopeTheta = hfc.RopeTheta
	}
	return cfg
}

// ToHF translates the configuration to the external config.json form.
// vocabSize is not part of the internal record and must be supplied;
// overrides are applied on top of the translated fields.
func (c LlamaConfig) ToHF(vocabSize int, overrides map[string]any) (hf.MistralConfig, error) {
	out := hf.MistralConfig{
		ModelType:             "llama",
		Architectures:         []string{"LlamaForCausalLM"},
		MaxPositionEmbeddings: c.SeqLen,
		HiddenSize:            c.HiddenDim,
		IntermediateSize:      c.IntermediateDim,
		NumHiddenLayers:       c.NumLayers,
		NumAttentionHeads:     c.NumHeads,
		NumKeyValueHeads:      c.NumKVHeads,
		HiddenAct:             c.ActivationFunction,
		InitializerRange:      c.InitializerRange,
		RMSNormEps:            c.LayerNormEpsilon,
		VocabSize:             vocabSize,
		RopeTheta:             c.RopeTheta,
	}
	if len(overrides) == 0 {
		return out, nil
	}
	return out.WithOverrides(overrides)
}

// LlamaEmbedding wraps the token embedding table. Checkpoint keys place it
// under model.embed_tokens at the top level.
type LlamaEmbedding struct {
	Token *nn.Embedding
}

// InitLlamaEmbedding builds a fresh embedding table.
func InitLlamaEmbedding(vocab tensor.Axis, c LlamaConfig, rng *rand.Rand) *LlamaEmbedding {
	return &LlamaEmbedding{Token: nn.NewEmbedding(rng, c.InitializerRange, vocab, c.Embed())}
}

// Vocab returns the vocabulary axis.
func (e *LlamaEmbedding) Vocab() tensor.Axis { return e.Token.Vocab }

// Embed looks up token embeddings.
func (e *LlamaEmbedding) Embed(ids *tensor.IntArray) (*tensor.NamedArray, error) {
	return e.Token.Lookup(ids)
}

// Resize returns an embedding with the vocabulary axis resized.
func (e *LlamaEmbedding) Resize(newSize int, rng *rand.Rand, stddev float64) (*LlamaEmbedding, error) {
	token, err := e.Token.Resize(newSize, rng, stddev)
	if err != nil {
		return nil, err
	}
	return &LlamaEmbedding{Token: token}, nil
}

// UpdateStateDict implements the checkpoint export.
func (e *LlamaEmbedding) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	return e.Token.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "model.embed_tokens"))
}

// FromStateDict loads a new embedding from the checkpoint mapping.
func (e *LlamaEmbedding) FromStateDict(sd statedict.StateDict, prefix string) (*LlamaEmbedding, error) {
	token, err := e.Token.FromStateDict(sd, statedict.ApplyPrefix(prefix, "model.embed_tokens"))
	if err != nil {
		return nil, err
	}
	return &LlamaEmbedding{Token: token}, nil
}

// LlamaAttention is grouped-query self-attention with rotary embeddings.
type LlamaAttention struct {
	Config LlamaConfig

	QProj *nn.Linear
	KProj *nn.Linear
	VProj *nn.Linear
	OProj *nn.Linear

	invFreq []float64
}

// InitLlamaAttention builds the projection weights for one layer.
func InitLlamaAttention(c LlamaConfig, rng *rand.Rand) (*LlamaAttention, error) {
	invFreq, err := ropeInvFreq(c.HeadSize().Size, c.RopeTheta, c.RopeScaling)
	if err != nil {
		return nil, err
	}
	embed := []tensor.Axis{c.Embed()}
	qOut := []tensor.Axis{c.Heads(), c.HeadSize()}
	kvOut := []tensor.Axis{c.KVHeads(), c.HeadSize()}
	return &LlamaAttention{
		Config:  c,
		QProj:   nn.NewLinear(rng, c.InitializerRange, embed, qOut, c.UseBias, true),
		KProj:   nn.NewLinear(rng, c.InitializerRange, embed, kvOut, c.UseBias, true),
		VProj:   nn.NewLinear(rng, c.InitializerRange, embed, kvOut, c.UseBias, true),
		OProj:   nn.NewLinear(rng, c.InitializerRange, qOut, embed, c.UseBias, true),
		invFreq: invFreq,
	}, nil
}

// Forward computes attention over x [.., position, embed]. The configured
// sliding window is always applied on top of the caller's mask.
func (a *LlamaAttention) Forward(x *tensor.NamedArray, mask AttentionMask) (*tensor.NamedArray, error) {
	pos, ok := x.Axis(AxisPosition)
	if !ok {
		return nil, fmt.Errorf("attention: input %v has no position axis", x.Axes())
	}
	mask = mask.WithSlidingWindow(a.Config.SlidingWindow)

	q, err := a.QProj.Apply(x) // [.., position, heads, head_size]
	if err != nil {
		return nil, err
	}
	k, err := a.KProj.Apply(x) // [.., position, kv_heads, head_size]
	if err != nil {
		return nil, err
	}
	v, err := a.VProj.Apply(x)
	if err != nil {
		return nil, err
	}

	nP := pos.Size
	nH := a.Config.NumHeads
	nKV := a.Config.NumKVHeads
	d := a.Config.HiddenDim / a.Config.NumHeads
	group := nH / nKV
	batch := q.NumElements() / (nP * nH * d)

	qd, kd, vd := q.Data(), k.Data(), v.Data()
	for b := 0; b < batch; b++ {
		for p := 0; p < nP; p++ {
			tensor.ApplyRoPE(qd[(b*nP+p)*nH*d:(b*nP+p+1)*nH*d], nH, d, p, a.invFreq)
			tensor.ApplyRoPE(kd[(b*nP+p)*nKV*d:(b*nP+p+1)*nKV*d], nKV, d, p, a.invFreq)
		}
	}

	scale := float32(1.0 / math.Sqrt(float64(d)))
	out := make([]float32, batch*nP*nH*d)
	scores := make([]float32, nP)
	negInf := float32(math.Inf(-1))
	for b := 0; b < batch; b++ {
		for h := 0; h < nH; h++ {
			g := h / group
			for p := 0; p < nP; p++ {
				qrow := qd[((b*nP+p)*nH+h)*d : ((b*nP+p)*nH+h+1)*d]
				for kk := 0; kk < nP; kk++ {
					if !mask.Allows(p, kk) {
						scores[kk] = negInf
						continue
					}
					krow := kd[((b*nP+kk)*nKV+g)*d : ((b*nP+kk)*nKV+g+1)*d]
					if a.Config.UpcastAttn {
						var sum float64
						for i := range qrow {
							sum += float64(qrow[i]) * float64(krow[i])
						}
						scores[kk] = float32(sum) * scale
					} else {
						scores[kk] = tensor.Dot(qrow, krow) * scale
					}
				}
				tensor.Softmax(scores)
				orow := out[((b*nP+p)*nH+h)*d : ((b*nP+p)*nH+h+1)*d]
				for kk := 0; kk < nP; kk++ {
					w := scores[kk]
					if w == 0 {
						continue
					}
					vrow := vd[((b*nP+kk)*nKV+g)*d : ((b*nP+kk)*nKV+g+1)*d]
					for i := range orow {
						orow[i] += w * vrow[i]
					}
				}
			}
		}
	}

	attn, err := tensor.FromData(out, q.Axes()...)
	if err != nil {
		return nil, err
	}
	return a.OProj.Apply(attn) // [.., position, embed]
}

// UpdateStateDict implements the checkpoint export.
func (a *LlamaAttention) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	if err := a.QProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "q_proj")); err != nil {
		return err
	}
	if err := a.KProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "k_proj")); err != nil {
		return err
	}
	if err := a.VProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "v_proj")); err != nil {
		return err
	}
	return a.OProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "o_proj"))
}

// FromStateDict loads a new attention block from the checkpoint mapping.
func (a *LlamaAttention) FromStateDict(sd statedict.StateDict, prefix string) (*LlamaAttention, error) {
	out := *a
	var err error
	if out.QProj, err = a.QProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "q_proj")); err != nil {
		return nil, err
	}
	if out.KProj, err = a.KProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "k_proj")); err != nil {
		return nil, err
	}
	if out.VProj, err = a.VProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "v_proj")); err != nil {
		return nil, err
	}
	if out.OProj, err = a.OProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "o_proj")); err != nil {
		return nil, err
	}
	return &out, nil
}

// LlamaMlp is the gated feed-forward block (SwiGLU when the activation is
// silu).
type LlamaMlp struct {
	GateProj *nn.Linear
	UpProj   *nn.Linear
	DownProj *nn.Linear

	act nn.Activation
}

// InitLlamaMlp builds the feed-forward weights for one layer.
func InitLlamaMlp(c LlamaConfig, rng *rand.Rand) (*LlamaMlp, error) {
	act, err := nn.ActivationByName(c.ActivationFunction)
	if err != nil {
		return nil, err
	}
	embed := []tensor.Axis{c.Embed()}
	mlp := []tensor.Axis{c.Mlp()}
	return &LlamaMlp{
		GateProj: nn.NewLinear(rng, c.InitializerRange, embed, mlp, c.UseBias, true),
		UpProj:   nn.NewLinear(rng, c.InitializerRange, embed, mlp, c.UseBias, true),
		DownProj: nn.NewLinear(rng, c.InitializerRange, mlp, embed, c.UseBias, true),
		act:      act,
	}, nil
}

// Forward applies act(gate(x)) * up(x) followed by the down projection.
func (m *LlamaMlp) Forward(x *tensor.NamedArray) (*tensor.NamedArray, error) {
	gate, err := m.GateProj.Apply(x)
	if err != nil {
		return nil, err
	}
	data := gate.Data()
	for i := range data {
		data[i] = m.act(data[i])
	}
	up, err := m.UpProj.Apply(x)
	if err != nil {
		return nil, err
	}
	hidden, err := gate.Mul(up)
	if err != nil {
		return nil, err
	}
	return m.DownProj.Apply(hidden)
}

// UpdateStateDict implements the checkpoint export.
func (m *LlamaMlp) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	if err := m.GateProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "gate_proj")); err != nil {
		return err
	}
	if err := m.UpProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "up_proj")); err != nil {
		return err
	}
	return m.DownProj.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "down_proj"))
}

// FromStateDict loads a new feed-forward block from the checkpoint mapping.
func (m *LlamaMlp) FromStateDict(sd statedict.StateDict, prefix string) (*LlamaMlp, error) {
	out := *m
	var err error
	if out.GateProj, err = m.GateProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "gate_proj")); err != nil {
		return nil, err
	}
	if out.UpProj, err = m.UpProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "up_proj")); err != nil {
		return nil, err
	}
	if out.DownProj, err = m.DownProj.FromStateDict(sd, statedict.ApplyPrefix(prefix, "down_proj")); err != nil {
		return nil, err
	}
	return &out, nil
}

// LlamaDecoderLayer is one pre-norm decoder block.
type LlamaDecoderLayer struct {
	SelfAttn *LlamaAttention
	Mlp      *LlamaMlp

	InputLayernorm         *nn.RMSNorm
	PostAttentionLayernorm *nn.RMSNorm
}

// InitLlamaDecoderLayer builds one decoder block.
func InitLlamaDecoderLayer(c LlamaConfig, rng *rand.Rand) (*LlamaDecoderLayer, error) {
	attn, err := InitLlamaAttention(c, rng)
	if err != nil {
		return nil, err
	}
	mlp, err := InitLlamaMlp(c, rng)
	if err != nil {
		return nil, err
	}
	eps := float32(c.LayerNormEpsilon)
	return &LlamaDecoderLayer{
		SelfAttn:               attn,
		Mlp:                    mlp,
		InputLayernorm:         nn.NewRMSNorm(c.Embed(), eps),
		PostAttentionLayernorm: nn.NewRMSNorm(c.Embed(), eps),
	}, nil
}

// Forward applies the block with residual connections.
func (l *LlamaDecoderLayer) Forward(x *tensor.NamedArray, mask AttentionMask) (*tensor.NamedArray, error) {
	normed, err := l.InputLayernorm.Apply(x)
	if err != nil {
		return nil, err
	}
	attnOut, err := l.SelfAttn.Forward(normed, mask)
	if err != nil {
		return nil, err
	}
	h, err := x.Add(attnOut)
	if err != nil {
		return nil, err
	}
	normed, err = l.PostAttentionLayernorm.Apply(h)
	if err != nil {
		return nil, err
	}
	ffnOut, err := l.Mlp.Forward(normed)
	if err != nil {
		return nil, err
	}
	return h.Add(ffnOut)
}

// UpdateStateDict implements the checkpoint export.
func (l *LlamaDecoderLayer) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	if err := l.SelfAttn.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "self_attn")); err != nil {
		return err
	}
	if err := l.Mlp.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "mlp")); err != nil {
		return err
	}
	if err := l.InputLayernorm.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "input_layernorm")); err != nil {
		return err
	}
	return l.PostAttentionLayernorm.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "post_attention_layernorm"))
}

// FromStateDict loads a new decoder block from the checkpoint mapping.
func (l *LlamaDecoderLayer) FromStateDict(sd statedict.StateDict, prefix string) (*LlamaDecoderLayer, error) {
	out := *l
	var err error
	if out.SelfAttn, err = l.SelfAttn.FromStateDict(sd, statedict.ApplyPrefix(prefix, "self_attn")); err != nil {
		return nil, err
	}
	if out.Mlp, err = l.Mlp.FromStateDict(sd, statedict.ApplyPrefix(prefix, "mlp")); err != nil {
		return nil, err
	}
	if out.InputLayernorm, err = l.InputLayernorm.FromStateDict(sd, statedict.ApplyPrefix(prefix, "input_layernorm")); err != nil {
		return nil, err
	}
	if out.PostAttentionLayernorm, err = l.PostAttentionLayernorm.FromStateDict(sd, statedict.ApplyPrefix(prefix, "post_attention_layernorm")); err != nil {
		return nil, err
	}
	return &out, nil
}

// LlamaTransformer is the full decoder stack with the final norm.
type LlamaTransformer struct {
	Config LlamaConfig
	Layers []*LlamaDecoderLayer
	Norm   *nn.RMSNorm
}

// InitLlamaTransformer builds the stack described by the configuration.
func InitLlamaTransformer(c LlamaConfig, rng *rand.Rand) (*LlamaTransformer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	layers := make([]*LlamaDecoderLayer, c.NumLayers)
	for i := range layers {
		layer, err := InitLlamaDecoderLayer(c, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers[i] = layer
	}
	return &LlamaTransformer{
		Config: c,
		Layers: layers,
		Norm:   nn.NewRMSNorm(c.Embed(), float32(c.LayerNormEpsilon)),
	}, nil
}

// Forward runs the stack over x [.., position, embed].
func (t *LlamaTransformer) Forward(x *tensor.NamedArray, mask AttentionMask) (*tensor.NamedArray, error) {
	var err error
	for i, layer := range t.Layers {
		if x, err = layer.Forward(x, mask); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return t.Norm.Apply(x)
}

// UpdateStateDict implements the checkpoint export.
func (t *LlamaTransformer) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	for i, layer := range t.Layers {
		p := statedict.ApplyPrefix(prefix, fmt.Sprintf("layers.%d", i))
		if err := layer.UpdateStateDict(sd, p); err != nil {
			return err
		}
	}
	return t.Norm.UpdateStateDict(sd, statedict.ApplyPrefix(prefix, "norm"))
}

// FromStateDict loads a new stack from the checkpoint mapping.
func (t *LlamaTransformer) FromStateDict(sd statedict.StateDict, prefix string) (*LlamaTransformer, error) {
	out := *t
	out.Layers = make([]*LlamaDecoderLayer, len(t.Layers))
	for i, layer := range t.Layers {
		p := statedict.ApplyPrefix(prefix, fmt.Sprintf("layers.%d", i))
		loaded, err := layer.FromStateDict(sd, p)
		if err != nil {
			return nil, err
		}
		out.Layers[i] = loaded
	}
	var err error
	if out.Norm, err = t.Norm.FromStateDict(sd, statedict.ApplyPrefix(prefix, "norm")); err != nil {
		return nil, err
	}
	return &out, nil
}
