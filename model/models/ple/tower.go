package ple

import (
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/nn"
)

// Tower turns the final representation of one task into a prediction.
type Tower struct {
	Name string
	Type TaskType

	DNN   *nn.DNN
	Logit *nn.Linear

	// Bias is added to the logit before the output activation.
	Bias ml.Tensor
}

func newTower(b ml.Backend, name string, taskType TaskType, in int, opts *Options) *Tower {
	dnn := nn.NewDNN(b, "tower."+name, in, opts.dnnOptions(opts.TowerHiddenUnits))
	return &Tower{
		Name:  name,
		Type:  taskType,
		DNN:   dnn,
		Logit: nn.NewLinear(b, "tower."+name+".logit", dnn.OutputDim(), 1, false),
		Bias:  b.Parameter("output."+name+".bias", ml.Zeros(), 1),
	}
}

// Forward returns a (batch, 1) prediction, a probability for binary tasks
// and the raw value for regression.
func (t *Tower) Forward(ctx ml.Context, hidden ml.Tensor) ml.Tensor {
	logit := t.Logit.Forward(ctx, t.DNN.Forward(ctx, hidden)).Add(ctx, t.Bias)
	if t.Type == TaskBinary {
		return logit.Sigmoid(ctx)
	}

	return logit
}
