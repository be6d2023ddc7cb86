package model

import (
	"strings"
	"testing"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
		check   func(t *testing.T, cfg LmConfig)
	}{
		{
			name: "mistral defaults",
			yaml: "type: mistral\n",
			check: func(t *testing.T, cfg LmConfig) {
				mc, ok := cfg.(MistralConfig)
				if !ok {
					t.Fatalf("got %T, want MistralConfig", cfg)
				}
				if mc.SeqLen != 8192 || mc.SlidingWindow != 4096 || mc.NumKVHeads != 8 {
					t.Errorf("unexpected defaults: %+v", mc.LlamaConfig)
				}
			},
		},
		{
			name: "mistral with overrides",
			yaml: "type: mistral\nhidden_dim: 256\nnum_heads: 8\nnum_kv_heads: 4\nseq_len: 64\n",
			check: func(t *testing.T, cfg LmConfig) {
				mc := cfg.(MistralConfig)
				if mc.HiddenDim != 256 || mc.NumHeads != 8 {
					t.Errorf("overrides not applied: %+v", mc.LlamaConfig)
				}
				if mc.IntermediateDim != 14336 {
					t.Errorf("untouched field lost its default: %d", mc.IntermediateDim)
				}
			},
		},
		{
			name: "llama defaults",
			yaml: "type: llama\n",
			check: func(t *testing.T, cfg LmConfig) {
				lc := cfg.(LlamaConfig)
				if lc.SeqLen != 2048 || lc.SlidingWindow != 0 || lc.NumKVHeads != 32 {
					t.Errorf("unexpected defaults: %+v", lc)
				}
			},
		},
		{
			name:    "unknown type",
			yaml:    "type: gpt9\n",
			wantErr: "unknown model type",
		},
		{
			name:    "missing type",
			yaml:    "seq_len: 64\n",
			wantErr: "no `type` field",
		},
		{
			name:    "invalid override",
			yaml:    "type: mistral\nhidden_dim: 100\nnum_heads: 32\n",
			wantErr: "not divisible",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConfig: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestRegisteredTypes(t *testing.T) {
	t.Parallel()

	types := RegisteredTypes()
	want := map[string]bool{"llama": false, "mistral": false}
	for _, name := range types {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("type %q not registered", name)
		}
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Errorf("types not sorted: %v", types)
		}
	}
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig("mistral")
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.ModelType() != "mistral" {
		t.Errorf("ModelType = %q", cfg.ModelType())
	}
	if _, err := NewConfig("nonesuch"); err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*LlamaConfig)
		ok     bool
	}{
		{"defaults", func(c *LlamaConfig) {}, true},
		{"hidden not divisible by heads", func(c *LlamaConfig) { c.HiddenDim = 100 }, false},
		{"heads not divisible by kv heads", func(c *LlamaConfig) { c.NumKVHeads = 5 }, false},
		{"zero layers", func(c *LlamaConfig) { c.NumLayers = 0 }, false},
		{"negative seq len", func(c *LlamaConfig) { c.SeqLen = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLlamaConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDerivedAxes(t *testing.T) {
	t.Parallel()

	cfg := DefaultMistralConfig()
	if ax := cfg.Pos(); ax.Name != "position" || ax.Size != 8192 {
		t.Errorf("Pos = %v", ax)
	}
	if ax := cfg.KeyPos(); ax.Name != "key_position" || ax.Size != 8192 {
		t.Errorf("KeyPos = %v", ax)
	}
	if ax := cfg.HeadSize(); ax.Size != cfg.HiddenDim/cfg.NumHeads {
		t.Errorf("HeadSize = %v", ax)
	}
	// Derived axes track field changes on a copy.
	small := cfg
	small.SeqLen = 64
	if cfg.Pos().Size != 8192 || small.Pos().Size != 64 {
		t.Error("axis derivation shared state between copies")
	}
}

func TestAttentionMask(t *testing.T) {
	t.Parallel()

	causal := CausalMask()
	if causal.Allows(3, 5) {
		t.Error("causal mask allowed a future key")
	}
	if !causal.Allows(5, 5) || !causal.Allows(5, 0) {
		t.Error("causal mask blocked a past key")
	}

	windowed := CausalMask().WithSlidingWindow(4)
	if !windowed.Allows(10, 7) || !windowed.Allows(10, 10) {
		t.Error("window blocked an in-range key")
	}
	if windowed.Allows(10, 6) {
		t.Error("window allowed a key outside the trailing range")
	}
	if windowed.Allows(10, 11) {
		t.Error("window allowed a future key")
	}

	// Non-positive windows leave the mask unchanged.
	if got := causal.WithSlidingWindow(0); got != causal {
		t.Errorf("zero window changed mask: %+v", got)
	}

	// Windows compose by intersection: the narrower one wins either way.
	narrow := CausalMask().WithSlidingWindow(1)
	if got := narrow.WithSlidingWindow(4); got.SlidingWindow != 1 {
		t.Errorf("wider window widened the mask: %+v", got)
	}
	if got := CausalMask().WithSlidingWindow(4).WithSlidingWindow(1); got.SlidingWindow != 1 {
		t.Errorf("narrower window not applied: %+v", got)
	}
}

func TestRopeInvFreq(t *testing.T) {
	t.Parallel()

	freqs, err := ropeInvFreq(8, defaultRopeTheta, nil)
	if err != nil {
		t.Fatalf("ropeInvFreq: %v", err)
	}
	if len(freqs) != 4 {
		t.Fatalf("got %d frequencies, want 4", len(freqs))
	}
	if freqs[0] != 1.0 {
		t.Errorf("first frequency = %v, want 1", freqs[0])
	}
	for i := 1; i < len(freqs); i++ {
		if freqs[i] >= freqs[i-1] {
			t.Errorf("frequencies not decreasing: %v", freqs)
		}
	}

	scaled, err := ropeInvFreq(8, defaultRopeTheta, &RopeScaling{Type: "linear", Factor: 2})
	if err != nil {
		t.Fatalf("ropeInvFreq scaled: %v", err)
	}
	for i := range scaled {
		if got, want := scaled[i], freqs[i]/2; got != want {
			t.Errorf("scaled[%d] = %v, want %v", i, got, want)
		}
	}

	if _, err := ropeInvFreq(7, defaultRopeTheta, nil); err == nil {
		t.Fatal("expected error for odd head size")
	}
	if _, err := ropeInvFreq(8, defaultRopeTheta, &RopeScaling{Type: "yarn", Factor: 2}); err == nil {
		t.Fatal("expected error for unsupported scaling type")
	}
}
