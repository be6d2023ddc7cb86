package safetensors

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveOpenRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	tensors := map[string]Tensor{
		"lm_head.weight":            {Shape: []int{4, 3}, Data: seq(12)},
		"model.embed_tokens.weight": {Shape: []int{4, 3}, Data: seq(12)},
		"model.norm.weight":         {Shape: []int{3}, Data: []float32{1, 2, 3}},
	}
	meta := map[string]string{"format": "pt"}
	if err := Save(path, tensors, meta); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata lost: %v", f.Metadata)
	}
	names := f.Names()
	want := []string{"lm_head.weight", "model.embed_tokens.weight", "model.norm.weight"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	for name, tt := range tensors {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", name, err)
		}
		if info.DType != "F32" {
			t.Fatalf("dtype = %q", info.DType)
		}
		if len(info.Shape) != len(tt.Shape) {
			t.Fatalf("shape = %v, want %v", info.Shape, tt.Shape)
		}
		for i := range tt.Data {
			if data[i] != tt.Data[i] {
				t.Fatalf("tensor %s differs at %d: %v vs %v", name, i, data[i], tt.Data[i])
			}
		}
	}
}

func TestSaveShapeMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.safetensors")
	err := Save(path, map[string]Tensor{
		"w": {Shape: []int{2, 2}, Data: make([]float32, 3)},
	}, nil)
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	_, err := Open("/nonexistent/file.safetensors")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestReadTensorMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	if err := Save(path, map[string]Tensor{
		"w": {Shape: []int{1}, Data: []float32{7}},
	}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, _, err := f.ReadTensor("nope"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	if err := Save(path, map[string]Tensor{
		"w": {Shape: []int{2}, Data: []float32{1, 2}},
	}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// After Close the reader falls back to ReadAt and must still work.
	data, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32 after close: %v", err)
	}
	if data[0] != 1 || data[1] != 2 {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestSpecialValuesSurvive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	vals := []float32{0, float32(math.Copysign(0, -1)), float32(math.Inf(1)), 1e-45, 3.4e38}
	if err := Save(path, map[string]Tensor{
		"w": {Shape: []int{5}, Data: vals},
	}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	data, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	for i := range vals {
		if math.Float32bits(data[i]) != math.Float32bits(vals[i]) {
			t.Fatalf("value %d not bit-identical: %x vs %x",
				i, math.Float32bits(data[i]), math.Float32bits(vals[i]))
		}
	}
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}
