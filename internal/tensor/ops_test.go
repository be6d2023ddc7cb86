package tensor

import (
	"math"
	"testing"
)

func TestMatMul(t *testing.T) {
	a := []float32{1, 2, 3, 4}    // 2x2
	b := []float32{5, 6, 7, 8}    // 2x2
	dst := make([]float32, 4)
	MatMul(dst, a, b, 2, 2, 2)
	want := []float32{19, 22, 43, 50}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("got %v want %v", dst, want)
		}
	}
}

func TestRMSNorm(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	weight := []float32{1, 1, 1, 1}
	dst := make([]float32, 4)
	RMSNorm(dst, src, weight, 1e-6)

	var sq float64
	for _, v := range src {
		sq += float64(v) * float64(v)
	}
	rms := math.Sqrt(sq/4 + 1e-6)
	for i, v := range dst {
		want := float64(src[i]) / rms
		if math.Abs(float64(v)-want) > 1e-5 {
			t.Fatalf("element %d: got %v want %v", i, v, want)
		}
	}
}

func TestSoftmax(t *testing.T) {
	x := []float32{1, 2, 3}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum)-1.0) > 1e-5 {
		t.Fatalf("softmax does not sum to 1: %v", x)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Fatalf("softmax not monotone: %v", x)
	}
}

func TestSilu(t *testing.T) {
	if got := Silu(0); got != 0 {
		t.Fatalf("Silu(0) = %v", got)
	}
	if got := Silu(10); math.Abs(float64(got)-10) > 1e-3 {
		t.Fatalf("Silu(10) = %v, want ~10", got)
	}
}

func TestApplyRoPEPositionZeroIsIdentity(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	orig := append([]float32(nil), x...)
	invFreq := []float64{1.0, 0.5}
	ApplyRoPE(x, 1, 4, 0, invFreq)
	for i := range x {
		if x[i] != orig[i] {
			t.Fatalf("position 0 rotated values: %v", x)
		}
	}
}

func TestApplyRoPEPreservesNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	invFreq := []float64{1.0, 0.5}
	var before float64
	for _, v := range x {
		before += float64(v) * float64(v)
	}
	ApplyRoPE(x, 1, 4, 17, invFreq)
	var after float64
	for _, v := range x {
		after += float64(v) * float64(v)
	}
	if math.Abs(before-after) > 1e-4 {
		t.Fatalf("rotation changed norm: %v vs %v", before, after)
	}
}
