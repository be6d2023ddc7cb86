package nn

import (
	"fmt"

	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// RMSNorm normalizes along one named axis and rescales with a learned
// per-element weight. No bias, matching the pre-norm decoder convention.
type RMSNorm struct {
	Axis   tensor.Axis
	Eps    float32
	Weight *tensor.NamedArray
}

// NewRMSNorm initializes the norm with unit weights.
func NewRMSNorm(axis tensor.Axis, eps float32) *RMSNorm {
	w := tensor.Zeros(axis)
	data := w.Data()
	for i := range data {
		data[i] = 1
	}
	return &RMSNorm{Axis: axis, Eps: eps, Weight: w}
}

// Apply normalizes x along the norm's axis. The axis must be x's last axis;
// callers keep the embed axis trailing throughout the decoder stack.
func (n *RMSNorm) Apply(x *tensor.NamedArray) (*tensor.NamedArray, error) {
	axes := x.Axes()
	if len(axes) == 0 || axes[len(axes)-1] != n.Axis {
		return nil, fmt.Errorf("rmsnorm: axis %v is not the trailing axis of %v", n.Axis, axes)
	}
	out := x.Clone()
	data := out.Data()
	w := n.Weight.Data()
	d := n.Axis.Size
	for row := 0; row < len(data); row += d {
		tensor.RMSNorm(data[row:row+d], data[row:row+d], w, n.Eps)
	}
	return out, nil
}

// UpdateStateDict writes the weight under prefix.
func (n *RMSNorm) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	sd[statedict.ApplyPrefix(prefix, "weight")] = n.Weight
	return nil
}

// FromStateDict returns a copy with the weight loaded from prefix.
func (n *RMSNorm) FromStateDict(sd statedict.StateDict, prefix string) (*RMSNorm, error) {
	raw, err := sd.Get(statedict.ApplyPrefix(prefix, "weight"))
	if err != nil {
		return nil, err
	}
	w, err := raw.WithAxes(n.Axis)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", statedict.ApplyPrefix(prefix, "weight"), err)
	}
	out := *n
	out.Weight = w
	return &out, nil
}
