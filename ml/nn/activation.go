package nn

import (
	"fmt"

	"github.com/S-Moer/DeepCTR/ml"
)

type Activation string

const (
	ActivationReLU    Activation = "relu"
	ActivationSigmoid Activation = "sigmoid"
	ActivationTanh    Activation = "tanh"
	ActivationLinear  Activation = "linear"
)

func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case ActivationReLU, ActivationSigmoid, ActivationTanh, ActivationLinear:
		return a, nil
	case "":
		return ActivationReLU, nil
	default:
		return "", fmt.Errorf("unsupported activation %q", s)
	}
}

func (a Activation) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	switch a {
	case ActivationReLU:
		return t.RELU(ctx)
	case ActivationSigmoid:
		return t.Sigmoid(ctx)
	case ActivationTanh:
		return t.Tanh(ctx)
	default:
		return t
	}
}

// Dropout is the identity in an inference graph. The rate is kept so the
// configuration round trips.
type Dropout struct {
	Rate float32
}

func (Dropout) Forward(_ ml.Context, t ml.Tensor) ml.Tensor {
	return t
}
