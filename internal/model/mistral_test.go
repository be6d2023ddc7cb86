package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

func smallMistralConfig() MistralConfig {
	cfg := DefaultMistralConfig()
	cfg.SeqLen = 8
	cfg.HiddenDim = 16
	cfg.IntermediateDim = 32
	cfg.NumLayers = 2
	cfg.NumHeads = 4
	cfg.NumKVHeads = 2
	cfg.SlidingWindow = 4
	return cfg
}

func TestMistralHFConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultMistralConfig()
	hfc, err := cfg.ToHF(32000, nil)
	if err != nil {
		t.Fatalf("ToHF: %v", err)
	}
	if hfc.ModelType != "mistral" {
		t.Errorf("model_type = %q", hfc.ModelType)
	}
	if len(hfc.Architectures) != 1 || hfc.Architectures[0] != "MistralForCausalLM" {
		t.Errorf("architectures = %v", hfc.Architectures)
	}
	if hfc.VocabSize != 32000 {
		t.Errorf("vocab_size = %d", hfc.VocabSize)
	}

	back := MistralConfigFromHF(hfc)
	if back.LlamaConfig != cfg.LlamaConfig {
		t.Errorf("round trip changed config:\n got %+v\nwant %+v", back.LlamaConfig, cfg.LlamaConfig)
	}
}

func TestMistralToHFOverrides(t *testing.T) {
	t.Parallel()

	hfc, err := DefaultMistralConfig().ToHF(32000, map[string]any{"rope_theta": 1e6})
	if err != nil {
		t.Fatalf("ToHF: %v", err)
	}
	if hfc.RopeTheta != 1e6 {
		t.Errorf("rope_theta = %v, want 1e6", hfc.RopeTheta)
	}
	if hfc.HiddenSize != 4096 {
		t.Errorf("override touched hidden_size: %d", hfc.HiddenSize)
	}
}

func TestMistralBuildModel(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	if m.Vocab() != vocab {
		t.Errorf("Vocab = %v, want %v", m.Vocab(), vocab)
	}
	if m.VocabSize() != 11 {
		t.Errorf("VocabSize = %d, want 11", m.VocabSize())
	}

	lm := m.(*LMHeadModel)
	if got := len(lm.Transformer.Layers); got != cfg.NumLayers {
		t.Errorf("layer count = %d, want %d", got, cfg.NumLayers)
	}
	// The output projection stores its weight vocabulary-major.
	axes := lm.LMHead.Weight.Axes()
	if len(axes) != 2 || axes[0].Name != AxisVocab || axes[0].Size != 11 ||
		axes[1].Name != AxisEmbed || axes[1].Size != cfg.HiddenDim {
		t.Errorf("lm_head weight axes = %v", axes)
	}
	if lm.LMHead.Bias != nil {
		t.Error("lm_head has a bias")
	}
}

func TestMistralStateDictLayout(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	sd := statedict.StateDict{}
	if err := m.UpdateStateDict(sd, ""); err != nil {
		t.Fatalf("UpdateStateDict: %v", err)
	}

	wantKeys := []string{
		"model.embed_tokens.weight",
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
		"model.layers.0.self_attn.o_proj.weight",
		"model.layers.0.mlp.gate_proj.weight",
		"model.layers.0.mlp.up_proj.weight",
		"model.layers.0.mlp.down_proj.weight",
		"model.layers.0.input_layernorm.weight",
		"model.layers.0.post_attention_layernorm.weight",
		"model.layers.1.self_attn.q_proj.weight",
		"model.norm.weight",
		"lm_head.weight",
	}
	for _, key := range wantKeys {
		if _, ok := sd[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}

	// The output projection flattens to 2-D, vocabulary first.
	head := sd["lm_head.weight"]
	axes := head.Axes()
	if len(axes) != 2 || axes[0].Size != 11 || axes[1].Size != cfg.HiddenDim {
		t.Errorf("lm_head.weight shape = %v, want [11 %d]", axes, cfg.HiddenDim)
	}

	embed := sd["model.embed_tokens.weight"]
	axes = embed.Axes()
	if len(axes) != 2 || axes[0].Size != 11 || axes[1].Size != cfg.HiddenDim {
		t.Errorf("embed_tokens.weight shape = %v", axes)
	}
}

func TestMistralStateDictRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	sd := statedict.StateDict{}
	if err := m.UpdateStateDict(sd, ""); err != nil {
		t.Fatalf("UpdateStateDict: %v", err)
	}

	fresh, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	loaded, err := fresh.FromStateDict(sd, "")
	if err != nil {
		t.Fatalf("FromStateDict: %v", err)
	}

	sd2 := statedict.StateDict{}
	if err := loaded.UpdateStateDict(sd2, ""); err != nil {
		t.Fatalf("UpdateStateDict after load: %v", err)
	}
	if len(sd2) != len(sd) {
		t.Fatalf("re-export has %d keys, want %d", len(sd2), len(sd))
	}
	for _, key := range sd.Keys() {
		want, got := sd[key], sd2[key]
		if got == nil {
			t.Fatalf("re-export missing %q", key)
		}
		wd, gd := want.Data(), got.Data()
		if len(wd) != len(gd) {
			t.Fatalf("%s: %d elements, want %d", key, len(gd), len(wd))
		}
		for i := range wd {
			if wd[i] != gd[i] {
				t.Fatalf("%s[%d] = %v, want %v", key, i, gd[i], wd[i])
			}
		}
	}
}

func TestMistralForward(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	batch := tensor.NewAxis("batch", 2)
	pos := tensor.NewAxis(AxisPosition, 6)
	ids, err := tensor.FromInts([]int32{
		1, 2, 3, 4, 5, 6,
		6, 5, 4, 3, 2, 1,
	}, batch, pos)
	if err != nil {
		t.Fatalf("FromInts: %v", err)
	}

	logits, err := m.Forward(ids, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	axes := logits.Axes()
	if len(axes) != 3 || axes[0] != batch || axes[1] != pos ||
		axes[2].Name != AxisVocab || axes[2].Size != 11 {
		t.Fatalf("logits axes = %v, want [batch position vocab]", axes)
	}
	for i, v := range logits.Data() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logits[%d] = %v", i, v)
		}
	}

	// Same seed, same weights, same output.
	m2, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	logits2, err := m2.Forward(ids, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.AllClose(logits, logits2, 0) {
		t.Error("forward pass not deterministic for identical weights")
	}
}

func TestMistralForwardCausality(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	pos := tensor.NewAxis(AxisPosition, 5)
	a, err := tensor.FromInts([]int32{1, 2, 3, 4, 5}, pos)
	if err != nil {
		t.Fatalf("FromInts: %v", err)
	}
	// Same prefix, different final token.
	b, err := tensor.FromInts([]int32{1, 2, 3, 4, 9}, pos)
	if err != nil {
		t.Fatalf("FromInts: %v", err)
	}

	la, err := m.Forward(a, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	lb, err := m.Forward(b, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	vocabSize := vocab.Size
	for p := 0; p < 4; p++ {
		for v := 0; v < vocabSize; v++ {
			i := p*vocabSize + v
			if la.Data()[i] != lb.Data()[i] {
				t.Fatalf("position %d logits depend on a later token", p)
			}
		}
	}
}

func TestMistralResizeVocab(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	rng := rand.New(rand.NewSource(6))
	m, err := cfg.BuildModel(vocab, rng)
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	lm := m.(*LMHeadModel)

	grown, err := m.ResizeVocab(16, rng)
	if err != nil {
		t.Fatalf("ResizeVocab: %v", err)
	}
	if grown.VocabSize() != 16 {
		t.Fatalf("VocabSize = %d, want 16", grown.VocabSize())
	}
	glm := grown.(*LMHeadModel)

	// Existing rows survive, both in the embedding and the projection.
	oldEmbed, newEmbed := lm.Embeddings.Token.Weight.Data(), glm.Embeddings.Token.Weight.Data()
	for i := 0; i < 11*cfg.HiddenDim; i++ {
		if oldEmbed[i] != newEmbed[i] {
			t.Fatalf("embedding row data changed at %d", i)
		}
	}
	oldHead, newHead := lm.LMHead.Weight.Data(), glm.LMHead.Weight.Data()
	for i := 0; i < 11*cfg.HiddenDim; i++ {
		if oldHead[i] != newHead[i] {
			t.Fatalf("projection row data changed at %d", i)
		}
	}

	// The original model is untouched.
	if m.VocabSize() != 11 {
		t.Errorf("source model resized in place: %d", m.VocabSize())
	}

	shrunk, err := grown.ResizeVocab(7, rng)
	if err != nil {
		t.Fatalf("ResizeVocab shrink: %v", err)
	}
	if shrunk.VocabSize() != 7 {
		t.Fatalf("VocabSize = %d, want 7", shrunk.VocabSize())
	}

	// A resized model still runs end to end.
	pos := tensor.NewAxis(AxisPosition, 3)
	ids, err := tensor.FromInts([]int32{0, 1, 6}, pos)
	if err != nil {
		t.Fatalf("FromInts: %v", err)
	}
	logits, err := shrunk.Forward(ids, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward after resize: %v", err)
	}
	if ax := logits.Axes(); ax[len(ax)-1].Size != 7 {
		t.Errorf("logit vocab size = %d, want 7", ax[len(ax)-1].Size)
	}
}

func TestMistralSlidingWindowChangesLogits(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	cfg.SlidingWindow = 2
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	full := cfg
	full.SlidingWindow = 0
	mFull, err := full.BuildModel(vocab, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	pos := tensor.NewAxis(AxisPosition, 6)
	ids, err := tensor.FromInts([]int32{1, 2, 3, 4, 5, 6}, pos)
	if err != nil {
		t.Fatalf("FromInts: %v", err)
	}
	windowed, err := m.Forward(ids, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	unwindowed, err := mFull.Forward(ids, full.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	// Early positions see the same context either way; late ones do not.
	vocabSize := vocab.Size
	for v := 0; v < vocabSize; v++ {
		if windowed.Data()[v] != unwindowed.Data()[v] {
			t.Fatalf("position 0 affected by the window")
		}
	}
	same := true
	for v := 0; v < vocabSize; v++ {
		i := 5*vocabSize + v
		if windowed.Data()[i] != unwindowed.Data()[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("window had no effect on a position beyond its reach")
	}
}

func TestMistralCallerMaskNarrowsWindow(t *testing.T) {
	t.Parallel()

	cfg := smallMistralConfig()
	vocab := tensor.NewAxis(AxisVocab, 11)
	m, err := cfg.BuildModel(vocab, rand.New(rand.NewSource(8)))
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	pos := tensor.NewAxis(AxisPosition, 6)
	ids, err := tensor.FromInts([]int32{1, 2, 3, 4, 5, 6}, pos)
	if err != nil {
		t.Fatalf("FromInts: %v", err)
	}

	// The config window is 4; a caller asking for window 1 must restrict
	// attention further, not be widened back to the config window.
	wide, err := m.Forward(ids, cfg.AttentionMask())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	narrow, err := m.Forward(ids, CausalMask().WithSlidingWindow(1))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if tensor.AllClose(wide, narrow, 0) {
		t.Error("caller-supplied narrower window had no effect")
	}
}
