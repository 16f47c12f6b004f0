package nn

import (
	"fmt"

	"github.com/S-Moer/DeepCTR/ml"
)

// batchNormEpsilon matches the Keras default.
const batchNormEpsilon = 1e-3

type DNNOptions struct {
	HiddenUnits []int
	Activation  Activation
	Dropout     float32
	UseBN       bool
}

type DNNLayer struct {
	Linear    *Linear
	BatchNorm *BatchNorm
	Dropout
}

// DNN is a stack of fully connected layers. Each layer applies a biased
// projection, optional batch normalization, the activation and dropout.
type DNN struct {
	Layers     []DNNLayer
	Activation Activation

	inputDim int
}

// NewDNN builds layers "<name>.<i>.linear" and "<name>.<i>.bn". A DNN
// without hidden units returns its input unchanged.
func NewDNN(b ml.Backend, name string, in int, opts DNNOptions) *DNN {
	m := &DNN{Activation: opts.Activation, inputDim: in}
	for i, units := range opts.HiddenUnits {
		prefix := fmt.Sprintf("%s.%d", name, i)
		layer := DNNLayer{
			Linear:  NewLinear(b, prefix+".linear", in, units, true),
			Dropout: Dropout{Rate: opts.Dropout},
		}

		if opts.UseBN {
			layer.BatchNorm = NewBatchNorm(b, prefix+".bn", units)
		}

		m.Layers = append(m.Layers, layer)
		in = units
	}

	return m
}

func (m *DNN) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	for _, layer := range m.Layers {
		t = layer.Linear.Forward(ctx, t)
		if layer.BatchNorm != nil {
			t = layer.BatchNorm.Forward(ctx, t, batchNormEpsilon)
		}

		t = m.Activation.Forward(ctx, t)
		t = layer.Dropout.Forward(ctx, t)
	}

	return t
}

func (m *DNN) InputDim() int {
	return m.inputDim
}

// OutputDim is the width of the last layer, or the input width when there
// are no layers.
func (m *DNN) OutputDim() int {
	if len(m.Layers) == 0 {
		return m.inputDim
	}

	return m.Layers[len(m.Layers)-1].Linear.OutputDim()
}

// Kernels returns the projection weights of every layer.
func (m *DNN) Kernels() []ml.Tensor {
	kernels := make([]ml.Tensor, len(m.Layers))
	for i, layer := range m.Layers {
		kernels[i] = layer.Linear.Weight
	}

	return kernels
}
