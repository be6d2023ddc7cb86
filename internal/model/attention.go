package model

// AttentionMask describes which key positions each query position may attend
// to. It is a value type; deriving a restricted mask returns a new value.
type AttentionMask struct {
	Causal bool
	// SlidingWindow limits each query to the trailing window of that many
	// keys (the interval (q-window, q]). Zero means unbounded.
	SlidingWindow int
}

// CausalMask returns the standard autoregressive mask.
func CausalMask() AttentionMask {
	return AttentionMask{Causal: true}
}

// WithSlidingWindow returns a copy of the mask restricted to a trailing
// window. A non-positive window leaves the mask unchanged; an existing
// narrower window is kept, so restrictions only ever compose.
func (m AttentionMask) WithSlidingWindow(window int) AttentionMask {
	if window <= 0 {
		return m
	}
	if m.SlidingWindow > 0 && m.SlidingWindow < window {
		return m
	}
	m.SlidingWindow = window
	return m
}

// Allows reports whether query position q may attend to key position k.
func (m AttentionMask) Allows(q, k int) bool {
	if m.Causal && k > q {
		return false
	}
	if m.SlidingWindow > 0 && k <= q-m.SlidingWindow {
		return false
	}
	return true
}
