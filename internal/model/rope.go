package model

import (
	"fmt"
	"math"
	"strings"
)

// RopeScaling describes rotary positional embedding scaling parameters.
// This is config-only; the runtime consumes only the fields it understands.
type RopeScaling struct {
	Type   string  `yaml:"type" json:"type"`
	Factor float64 `yaml:"factor" json:"factor"`
}

const defaultRopeTheta = 10000.0

// ropeInvFreq computes the per-pair inverse frequencies for rotary
// embeddings. Linear scaling stretches positions by dividing every
// frequency by the factor.
func ropeInvFreq(headDim int, theta float64, scaling *RopeScaling) ([]float64, error) {
	if headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head size %d is not even", headDim)
	}
	if theta <= 0 {
		theta = defaultRopeTheta
	}
	invFreq := make([]float64, headDim/2)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	if scaling == nil {
		return invFreq, nil
	}
	switch strings.ToLower(scaling.Type) {
	case "", "default":
		return invFreq, nil
	case "linear":
		if scaling.Factor <= 0 {
			return nil, fmt.Errorf("rope: linear scaling needs a positive factor, got %v", scaling.Factor)
		}
		for i := range invFreq {
			invFreq[i] /= scaling.Factor
		}
		return invFreq, nil
	default:
		return nil, fmt.Errorf("rope: unsupported scaling type %q", scaling.Type)
	}
}
