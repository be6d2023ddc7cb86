// Package nn provides the parameterized building blocks the model layer is
// assembled from: linear projections over named axis groups, embedding
// tables, and RMS normalization. Blocks hold no mutable state; applying one
// returns fresh arrays and loading weights returns a new block.
package nn

import (
	"fmt"
	"math/rand"

	"github.com/Gugutse/levanter/internal/statedict"
	"github.com/Gugutse/levanter/internal/tensor"
)

// Linear is an affine map from the In axis group to the Out axis group.
//
// The weight is stored with the Out axes leading when OutFirst is set
// ([out..., in...]), matching the external checkpoint layout where the 2-D
// weight is [out, in]. State-dict export flattens each group to one
// dimension; import reverses it.
type Linear struct {
	In  []tensor.Axis
	Out []tensor.Axis

	Weight *tensor.NamedArray
	Bias   *tensor.NamedArray

	OutFirst bool
}

// NewLinear initializes a linear layer with N(0, stddev^2) weights and, when
// useBias is set, zero biases.
func NewLinear(rng *rand.Rand, stddev float64, in, out []tensor.Axis, useBias, outFirst bool) *Linear {
	var axes []tensor.Axis
	if outFirst {
		axes = append(append([]tensor.Axis(nil), out...), in...)
	} else {
		axes = append(append([]tensor.Axis(nil), in...), out...)
	}
	l := &Linear{
		In:       append([]tensor.Axis(nil), in...),
		Out:      append([]tensor.Axis(nil), out...),
		Weight:   tensor.Randn(rng, stddev, axes...),
		OutFirst: outFirst,
	}
	if useBias {
		l.Bias = tensor.Zeros(out...)
	}
	return l
}

// Apply contracts x against the weight along the In axes. The result carries
// x's remaining axes followed by the Out axes.
func (l *Linear) Apply(x *tensor.NamedArray) (*tensor.NamedArray, error) {
	inNames := make([]string, len(l.In))
	for i, ax := range l.In {
		inNames[i] = ax.Name
	}
	// Dot keeps the non-contracted weight axes in storage order, which is the
	// Out group under either layout.
	y, err := x.Dot(inNames, l.Weight)
	if err != nil {
		return nil, err
	}
	if l.Bias == nil {
		return y, nil
	}
	return addTrailing(y, l.Bias)
}

// addTrailing adds b, whose axes are the trailing axes of y, to every
// leading slice of y.
func addTrailing(y, b *tensor.NamedArray) (*tensor.NamedArray, error) {
	yAxes := y.Axes()
	bAxes := b.Axes()
	if len(bAxes) > len(yAxes) {
		return nil, fmt.Errorf("bias axes %v do not trail %v", bAxes, yAxes)
	}
	for i := range bAxes {
		if yAxes[len(yAxes)-len(bAxes)+i] != bAxes[i] {
			return nil, fmt.Errorf("bias axes %v do not trail %v", bAxes, yAxes)
		}
	}
	out := y.Clone()
	data := out.Data()
	bd := b.Data()
	for i := range data {
		data[i] += bd[i%len(bd)]
	}
	return out, nil
}

// UpdateStateDict writes the layer's parameters under prefix in the external
// 2-D layout.
func (l *Linear) UpdateStateDict(sd statedict.StateDict, prefix string) error {
	flat, err := statedict.FlattenLinearWeight(l.Weight, l.Out, l.In, l.OutFirst)
	if err != nil {
		return fmt.Errorf("%s: %w", statedict.ApplyPrefix(prefix, "weight"), err)
	}
	sd[statedict.ApplyPrefix(prefix, "weight")] = flat
	if l.Bias != nil {
		b := l.Bias
		if len(l.Out) > 1 {
			names := make([]string, len(l.Out))
			for i, ax := range l.Out {
				names[i] = ax.Name
			}
			if b, err = b.FlattenAxes("__out", names...); err != nil {
				return err
			}
		}
		sd[statedict.ApplyPrefix(prefix, "bias")] = b
	}
	return nil
}

// FromStateDict returns a copy of the layer with parameters loaded from
// prefix, unflattening the external 2-D weight back into the named layout.
func (l *Linear) FromStateDict(sd statedict.StateDict, prefix string) (*Linear, error) {
	flat, err := sd.Get(statedict.ApplyPrefix(prefix, "weight"))
	if err != nil {
		return nil, err
	}
	w, err := statedict.UnflattenLinearWeight(flat, l.Out, l.In, l.OutFirst)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", statedict.ApplyPrefix(prefix, "weight"), err)
	}
	out := *l
	out.Weight = w
	if l.Bias != nil {
		flatB, err := sd.Get(statedict.ApplyPrefix(prefix, "bias"))
		if err != nil {
			return nil, err
		}
		b, err := flatB.WithAxes(l.Out...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", statedict.ApplyPrefix(prefix, "bias"), err)
		}
		out.Bias = b
	}
	return &out, nil
}
