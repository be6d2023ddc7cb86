package tensor

import "math"

// MatMul computes dst = a (m×k) * b (k×n). dst must have length m*n.
// Plain triple loop with the k-major inner order so b is walked row by row.
func MatMul(dst, a, b []float32, m, k, n int) {
	if len(dst) != m*n {
		panic("MatMul: dst length mismatch")
	}
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < m; i++ {
		arow := a[i*k : (i+1)*k]
		drow := dst[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := arow[p]
			brow := b[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				drow[j] += av * brow[j]
			}
		}
	}
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the tanh approximation of the Gaussian Error Linear Unit.
func Gelu(x float32) float32 {
	x64 := float64(x)
	return float32(0.5 * x64 * (1.0 + math.Tanh(0.7978845608028654*(x64+0.044715*x64*x64*x64))))
}

// ApplyRoPE applies Rotary Positional Embeddings to the heads packed in x.
// x holds nHeads contiguous heads of headDim values each; headDim must be
// even. invFreq holds headDim/2 inverse frequencies.
func ApplyRoPE(x []float32, nHeads, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	for h := 0; h < nHeads; h++ {
		base := h * headDim
		for i := 0; i < headDim/2; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}
