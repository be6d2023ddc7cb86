package nn

import (
	"fmt"

	"github.com/Gugutse/levanter/internal/tensor"
)

// Activation is a pointwise nonlinearity.
type Activation func(float32) float32

// ActivationByName resolves the activation names used by external configs.
func ActivationByName(name string) (Activation, error) {
	switch name {
	case "silu", "swish":
		return tensor.Silu, nil
	case "gelu", "gelu_new", "gelu_pytorch_tanh":
		return tensor.Gelu, nil
	case "relu":
		return func(x float32) float32 {
			if x < 0 {
				return 0
			}
			return x
		}, nil
	default:
		return nil, fmt.Errorf("unknown activation function %q", name)
	}
}
