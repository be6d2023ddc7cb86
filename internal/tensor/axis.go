package tensor

import "fmt"

// Axis identifies a tensor dimension by a symbolic name instead of a
// positional index. Two axes are the same dimension iff both name and size
// match.
type Axis struct {
	Name string
	Size int
}

// NewAxis creates an axis. It panics on a non-positive size; axis sizes are
// derived from validated configuration and a bad size is a programmer error.
func NewAxis(name string, size int) Axis {
	if size <= 0 {
		panic(fmt.Sprintf("axis %q: non-positive size %d", name, size))
	}
	return Axis{Name: name, Size: size}
}

// Alias returns an axis with the same size under a different name.
func (a Axis) Alias(name string) Axis {
	return Axis{Name: name, Size: a.Size}
}

// Resized returns an axis with the same name and a new size.
func (a Axis) Resized(size int) Axis {
	return Axis{Name: a.Name, Size: size}
}

func (a Axis) String() string {
	return fmt.Sprintf("%s[%d]", a.Name, a.Size)
}

func axisIndex(axes []Axis, name string) int {
	for i, ax := range axes {
		if ax.Name == name {
			return i
		}
	}
	return -1
}

func numElements(axes []Axis) int {
	n := 1
	for _, ax := range axes {
		n *= ax.Size
	}
	return n
}

func axesEqual(a, b []Axis) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// strides returns row-major strides for the axis list.
func strides(axes []Axis) []int {
	s := make([]int, len(axes))
	acc := 1
	for i := len(axes) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= axes[i].Size
	}
	return s
}
