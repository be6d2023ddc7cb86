// Package statedict implements the flat string-keyed tensor mapping used for
// checkpoint interchange with the Hugging Face model ecosystem. Keys follow
// the dotted prefix convention for nested sub-modules
// ("model.layers.0.self_attn.q_proj.weight").
package statedict

import (
	"fmt"
	"sort"

	"github.com/Gugutse/levanter/internal/tensor"
)

// StateDict maps dotted parameter names to tensors.
type StateDict map[string]*tensor.NamedArray

// Keys returns the parameter names in sorted order so that iteration and
// serialization are deterministic.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy (tensors are shared, the map is not).
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[k] = v
	}
	return out
}

// Update copies all entries of other into sd, overwriting duplicates.
func (sd StateDict) Update(other StateDict) {
	for k, v := range other {
		sd[k] = v
	}
}

// Get fetches a tensor, erroring on missing keys.
func (sd StateDict) Get(key string) (*tensor.NamedArray, error) {
	t, ok := sd[key]
	if !ok {
		return nil, fmt.Errorf("state dict: missing key %q", key)
	}
	return t, nil
}

// ApplyPrefix joins a module prefix and a parameter name with a dot. Either
// side may be empty.
func ApplyPrefix(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

// FlattenLinearWeight reshapes a linear weight from its named multi-axis
// layout to the 2-D layout used by external checkpoints. With outFirst the
// stored axes are [out..., in...] and the result is [out, in]; otherwise the
// stored axes are [in..., out...] and the result is [in, out].
func FlattenLinearWeight(w *tensor.NamedArray, out, in []tensor.Axis, outFirst bool) (*tensor.NamedArray, error) {
	first, second := out, in
	firstName, secondName := "__out", "__in"
	if !outFirst {
		first, second = in, out
		firstName, secondName = "__in", "__out"
	}
	flat := w
	var err error
	if flat, err = flattenGroup(flat, firstName, first); err != nil {
		return nil, err
	}
	if flat, err = flattenGroup(flat, secondName, second); err != nil {
		return nil, err
	}
	return flat, nil
}

// UnflattenLinearWeight is the inverse of FlattenLinearWeight: it splits a
// 2-D checkpoint tensor back into the named multi-axis layout.
func UnflattenLinearWeight(w *tensor.NamedArray, out, in []tensor.Axis, outFirst bool) (*tensor.NamedArray, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("unflatten: expected rank-2 weight, got axes %v", w.Axes())
	}
	first, second := out, in
	if !outFirst {
		first, second = in, out
	}
	axes := w.Axes()
	if axes[0].Size != numElements(first) || axes[1].Size != numElements(second) {
		return nil, fmt.Errorf("unflatten: weight %v does not match axes %v x %v", axes, first, second)
	}
	res, err := w.UnflattenAxis(axes[0].Name, first...)
	if err != nil {
		return nil, err
	}
	return res.UnflattenAxis(axes[1].Name, second...)
}

func flattenGroup(w *tensor.NamedArray, into string, axes []tensor.Axis) (*tensor.NamedArray, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("flatten: empty axis group")
	}
	names := make([]string, len(axes))
	for i, ax := range axes {
		names[i] = ax.Name
	}
	return w.FlattenAxes(into, names...)
}

func numElements(axes []tensor.Axis) int {
	n := 1
	for _, ax := range axes {
		n *= ax.Size
	}
	return n
}
