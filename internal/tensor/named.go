package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NamedArray is a dense row-major float32 tensor whose dimensions are
// identified by named axes. Arrays are treated as immutable values: every
// operation returns a new array (or a view sharing the same backing data for
// pure relabelings) and never writes through a received array.
type NamedArray struct {
	axes []Axis
	data []float32
}

// Zeros allocates a zero-filled array with the given axes.
func Zeros(axes ...Axis) *NamedArray {
	return &NamedArray{
		axes: append([]Axis(nil), axes...),
		data: make([]float32, numElements(axes)),
	}
}

// Randn allocates an array filled with samples from N(0, stddev^2).
func Randn(rng *rand.Rand, stddev float64, axes ...Axis) *NamedArray {
	a := Zeros(axes...)
	for i := range a.data {
		a.data[i] = float32(rng.NormFloat64() * stddev)
	}
	return a
}

// FromData wraps existing data in a named array. The slice is retained, not
// copied; callers hand over ownership.
func FromData(data []float32, axes ...Axis) (*NamedArray, error) {
	if len(data) != numElements(axes) {
		return nil, fmt.Errorf("data length %d does not match axes %v (want %d)",
			len(data), axes, numElements(axes))
	}
	return &NamedArray{axes: append([]Axis(nil), axes...), data: data}, nil
}

// Axes returns a copy of the axis list.
func (a *NamedArray) Axes() []Axis {
	return append([]Axis(nil), a.axes...)
}

// Rank returns the number of axes.
func (a *NamedArray) Rank() int { return len(a.axes) }

// NumElements returns the total element count.
func (a *NamedArray) NumElements() int { return len(a.data) }

// Data exposes the backing slice. Callers must not mutate it; it exists for
// read paths that iterate the raw values (compute kernels, serialization).
func (a *NamedArray) Data() []float32 { return a.data }

// Axis looks up an axis by name.
func (a *NamedArray) Axis(name string) (Axis, bool) {
	if i := axisIndex(a.axes, name); i >= 0 {
		return a.axes[i], true
	}
	return Axis{}, false
}

// HasAxis reports whether the array carries an axis with the given name.
func (a *NamedArray) HasAxis(name string) bool {
	return axisIndex(a.axes, name) >= 0
}

// WithAxes reinterprets the array under a new axis list covering the same
// number of elements, sharing the backing data.
func (a *NamedArray) WithAxes(axes ...Axis) (*NamedArray, error) {
	if numElements(axes) != len(a.data) {
		return nil, fmt.Errorf("axes %v do not cover %d elements", axes, len(a.data))
	}
	return &NamedArray{axes: append([]Axis(nil), axes...), data: a.data}, nil
}

// Clone returns a deep copy.
func (a *NamedArray) Clone() *NamedArray {
	data := make([]float32, len(a.data))
	copy(data, a.data)
	return &NamedArray{axes: append([]Axis(nil), a.axes...), data: data}
}

// Rename relabels one axis, sharing the backing data.
func (a *NamedArray) Rename(old, new string) (*NamedArray, error) {
	i := axisIndex(a.axes, old)
	if i < 0 {
		return nil, fmt.Errorf("rename: no axis %q in %v", old, a.axes)
	}
	axes := append([]Axis(nil), a.axes...)
	axes[i].Name = new
	return &NamedArray{axes: axes, data: a.data}, nil
}

// Transpose reorders the axes into the given name order. Every axis of the
// array must be named exactly once.
func (a *NamedArray) Transpose(names ...string) (*NamedArray, error) {
	if len(names) != len(a.axes) {
		return nil, fmt.Errorf("transpose: got %d names for %d axes", len(names), len(a.axes))
	}
	perm := make([]int, len(names))
	seen := make(map[string]bool, len(names))
	identity := true
	for i, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("transpose: duplicate axis %q", name)
		}
		seen[name] = true
		j := axisIndex(a.axes, name)
		if j < 0 {
			return nil, fmt.Errorf("transpose: no axis %q in %v", name, a.axes)
		}
		perm[i] = j
		if i != j {
			identity = false
		}
	}
	if identity {
		return a, nil
	}

	newAxes := make([]Axis, len(perm))
	for i, j := range perm {
		newAxes[i] = a.axes[j]
	}
	oldStrides := strides(a.axes)
	out := make([]float32, len(a.data))
	idx := make([]int, len(newAxes))
	for pos := range out {
		src := 0
		for i := range idx {
			src += idx[i] * oldStrides[perm[i]]
		}
		out[pos] = a.data[src]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < newAxes[i].Size {
				break
			}
			idx[i] = 0
		}
	}
	return &NamedArray{axes: newAxes, data: out}, nil
}

// moveToBack returns a copy of the array whose listed axes come last, in the
// given order, with the remaining axes keeping their relative order in front.
func (a *NamedArray) moveToBack(names ...string) (*NamedArray, error) {
	order := make([]string, 0, len(a.axes))
	tail := make(map[string]bool, len(names))
	for _, n := range names {
		if axisIndex(a.axes, n) < 0 {
			return nil, fmt.Errorf("no axis %q in %v", n, a.axes)
		}
		tail[n] = true
	}
	for _, ax := range a.axes {
		if !tail[ax.Name] {
			order = append(order, ax.Name)
		}
	}
	order = append(order, names...)
	return a.Transpose(order...)
}

// FlattenAxes merges a run of axes into a single axis named into. The named
// axes must appear contiguously and in the given order.
func (a *NamedArray) FlattenAxes(into string, names ...string) (*NamedArray, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("flatten: no axes given")
	}
	start := axisIndex(a.axes, names[0])
	if start < 0 {
		return nil, fmt.Errorf("flatten: no axis %q in %v", names[0], a.axes)
	}
	size := 1
	for i, name := range names {
		j := start + i
		if j >= len(a.axes) || a.axes[j].Name != name {
			return nil, fmt.Errorf("flatten: axes %v are not contiguous in %v", names, a.axes)
		}
		size *= a.axes[j].Size
	}
	axes := make([]Axis, 0, len(a.axes)-len(names)+1)
	axes = append(axes, a.axes[:start]...)
	axes = append(axes, Axis{Name: into, Size: size})
	axes = append(axes, a.axes[start+len(names):]...)
	return &NamedArray{axes: axes, data: a.data}, nil
}

// UnflattenAxis splits one axis into the given axes, whose sizes must
// multiply to the original size.
func (a *NamedArray) UnflattenAxis(name string, into ...Axis) (*NamedArray, error) {
	i := axisIndex(a.axes, name)
	if i < 0 {
		return nil, fmt.Errorf("unflatten: no axis %q in %v", name, a.axes)
	}
	if numElements(into) != a.axes[i].Size {
		return nil, fmt.Errorf("unflatten: axes %v do not multiply to %d", into, a.axes[i].Size)
	}
	axes := make([]Axis, 0, len(a.axes)-1+len(into))
	axes = append(axes, a.axes[:i]...)
	axes = append(axes, into...)
	axes = append(axes, a.axes[i+1:]...)
	return &NamedArray{axes: axes, data: a.data}, nil
}

// Add returns the elementwise sum. Both arrays must have identical axes.
func (a *NamedArray) Add(b *NamedArray) (*NamedArray, error) {
	if !axesEqual(a.axes, b.axes) {
		return nil, fmt.Errorf("add: axes mismatch %v vs %v", a.axes, b.axes)
	}
	out := a.Clone()
	for i := range out.data {
		out.data[i] += b.data[i]
	}
	return out, nil
}

// Mul returns the elementwise product. Both arrays must have identical axes.
func (a *NamedArray) Mul(b *NamedArray) (*NamedArray, error) {
	if !axesEqual(a.axes, b.axes) {
		return nil, fmt.Errorf("mul: axes mismatch %v vs %v", a.axes, b.axes)
	}
	out := a.Clone()
	for i := range out.data {
		out.data[i] *= b.data[i]
	}
	return out, nil
}

// Scale returns the array multiplied by a scalar.
func (a *NamedArray) Scale(c float32) *NamedArray {
	out := a.Clone()
	for i := range out.data {
		out.data[i] *= c
	}
	return out
}

// Dot contracts the named axes against b and returns an array whose axes are
// a's remaining axes followed by b's remaining axes. Contracted axes must
// agree in size between the two operands.
func (a *NamedArray) Dot(contract []string, b *NamedArray) (*NamedArray, error) {
	for _, name := range contract {
		ai := axisIndex(a.axes, name)
		bi := axisIndex(b.axes, name)
		if ai < 0 || bi < 0 {
			return nil, fmt.Errorf("dot: axis %q missing (a=%v b=%v)", name, a.axes, b.axes)
		}
		if a.axes[ai].Size != b.axes[bi].Size {
			return nil, fmt.Errorf("dot: axis %q size mismatch: %d vs %d",
				name, a.axes[ai].Size, b.axes[bi].Size)
		}
	}
	left, err := a.moveToBack(contract...)
	if err != nil {
		return nil, err
	}
	rightBack, err := b.moveToBack(contract...)
	if err != nil {
		return nil, err
	}
	// Bring contracted axes to the front of b.
	rnames := make([]string, 0, len(rightBack.axes))
	rnames = append(rnames, contract...)
	for _, ax := range rightBack.axes[:len(rightBack.axes)-len(contract)] {
		rnames = append(rnames, ax.Name)
	}
	right, err := rightBack.Transpose(rnames...)
	if err != nil {
		return nil, err
	}

	k := 1
	for _, name := range contract {
		ax, _ := a.Axis(name)
		k *= ax.Size
	}
	m := left.NumElements() / k
	n := right.NumElements() / k

	outAxes := make([]Axis, 0, len(left.axes)+len(right.axes)-2*len(contract))
	outAxes = append(outAxes, left.axes[:len(left.axes)-len(contract)]...)
	outAxes = append(outAxes, right.axes[len(contract):]...)
	out := make([]float32, m*n)
	MatMul(out, left.data, right.data, m, k, n)
	return &NamedArray{axes: outAxes, data: out}, nil
}

// Take gathers rows along the named axis using ids, producing an array with
// ids' axes followed by a's remaining axes.
func (a *NamedArray) Take(axisName string, ids *IntArray) (*NamedArray, error) {
	i := axisIndex(a.axes, axisName)
	if i < 0 {
		return nil, fmt.Errorf("take: no axis %q in %v", axisName, a.axes)
	}
	src := a
	if i != 0 {
		names := make([]string, 0, len(a.axes))
		names = append(names, axisName)
		for _, ax := range a.axes {
			if ax.Name != axisName {
				names = append(names, ax.Name)
			}
		}
		var err error
		src, err = a.Transpose(names...)
		if err != nil {
			return nil, err
		}
	}
	rowLen := src.NumElements() / src.axes[0].Size
	outAxes := append(ids.Axes(), src.axes[1:]...)
	out := make([]float32, len(ids.data)*rowLen)
	for j, id := range ids.data {
		if int(id) < 0 || int(id) >= src.axes[0].Size {
			return nil, fmt.Errorf("take: index %d out of range for %v", id, src.axes[0])
		}
		copy(out[j*rowLen:(j+1)*rowLen], src.data[int(id)*rowLen:(int(id)+1)*rowLen])
	}
	return &NamedArray{axes: outAxes, data: out}, nil
}

// ResizeAxis returns an array whose named axis has size newSize. Overlapping
// entries are copied; entries beyond the old size are drawn from
// N(0, stddev^2) using rng (zero-filled when rng is nil).
func ResizeAxis(a *NamedArray, name string, newSize int, rng *rand.Rand, stddev float64) (*NamedArray, error) {
	i := axisIndex(a.axes, name)
	if i < 0 {
		return nil, fmt.Errorf("resize: no axis %q in %v", name, a.axes)
	}
	if newSize <= 0 {
		return nil, fmt.Errorf("resize: non-positive size %d for axis %q", newSize, name)
	}
	front, err := a.moveToFront(name)
	if err != nil {
		return nil, err
	}
	oldSize := front.axes[0].Size
	rowLen := front.NumElements() / oldSize
	outAxes := append([]Axis(nil), front.axes...)
	outAxes[0].Size = newSize
	out := make([]float32, newSize*rowLen)
	keep := oldSize
	if newSize < keep {
		keep = newSize
	}
	copy(out, front.data[:keep*rowLen])
	if rng != nil {
		for j := keep * rowLen; j < len(out); j++ {
			out[j] = float32(rng.NormFloat64() * stddev)
		}
	}
	resized := &NamedArray{axes: outAxes, data: out}
	// Restore the caller's axis order.
	names := make([]string, len(a.axes))
	for j, ax := range a.axes {
		names[j] = ax.Name
	}
	return resized.Transpose(names...)
}

func (a *NamedArray) moveToFront(name string) (*NamedArray, error) {
	names := make([]string, 0, len(a.axes))
	names = append(names, name)
	for _, ax := range a.axes {
		if ax.Name != name {
			names = append(names, ax.Name)
		}
	}
	return a.Transpose(names...)
}

// AllClose reports whether both arrays have identical axes and elementwise
// values within tol.
func AllClose(a, b *NamedArray, tol float64) bool {
	if !axesEqual(a.axes, b.axes) {
		return false
	}
	for i := range a.data {
		if math.Abs(float64(a.data[i])-float64(b.data[i])) > tol {
			return false
		}
	}
	return true
}

// IntArray is a named integer tensor, used for token ids.
type IntArray struct {
	axes []Axis
	data []int32
}

// FromInts wraps int32 data in a named array.
func FromInts(data []int32, axes ...Axis) (*IntArray, error) {
	if len(data) != numElements(axes) {
		return nil, fmt.Errorf("data length %d does not match axes %v (want %d)",
			len(data), axes, numElements(axes))
	}
	return &IntArray{axes: append([]Axis(nil), axes...), data: data}, nil
}

// Axes returns a copy of the axis list.
func (a *IntArray) Axes() []Axis { return append([]Axis(nil), a.axes...) }

// Data exposes the backing slice; callers must not mutate it.
func (a *IntArray) Data() []int32 { return a.data }

// Axis looks up an axis by name.
func (a *IntArray) Axis(name string) (Axis, bool) {
	if i := axisIndex(a.axes, name); i >= 0 {
		return a.axes[i], true
	}
	return Axis{}, false
}

// NumElements returns the total element count.
func (a *IntArray) NumElements() int { return len(a.data) }
