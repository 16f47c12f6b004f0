package ple

import (
	"fmt"

	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/nn"
)

// GateInputPolicy selects what a gate looks at when weighting its
// candidates. It is fixed for the whole stack.
type GateInputPolicy int

const (
	// GateInputRawCombined feeds every gate the combined model input.
	GateInputRawCombined GateInputPolicy = iota
	// GateInputLearnedProjection feeds each gate a dedicated DNN over the
	// input of its own channel.
	GateInputLearnedProjection
)

func (p GateInputPolicy) String() string {
	switch p {
	case GateInputRawCombined:
		return "raw_combined"
	case GateInputLearnedProjection:
		return "learned_projection"
	default:
		return fmt.Sprintf("GateInputPolicy(%d)", int(p))
	}
}

// GateInput produces the vector a gate projects onto its candidates.
type GateInput interface {
	Forward(ctx ml.Context, channel, combined ml.Tensor) ml.Tensor
	OutputDim() int
}

type rawCombined struct {
	width int
}

func (g rawCombined) Forward(_ ml.Context, _, combined ml.Tensor) ml.Tensor {
	return combined
}

func (g rawCombined) OutputDim() int {
	return g.width
}

type learnedProjection struct {
	*nn.DNN
}

func (g learnedProjection) Forward(ctx ml.Context, channel, _ ml.Tensor) ml.Tensor {
	return g.DNN.Forward(ctx, channel)
}

// Gate weights candidate expert outputs with a softmax over a bias free
// projection of its input.
type Gate struct {
	Input GateInput
	Proj  *nn.Linear
}

func newGate(b ml.Backend, name string, candidates, channelWidth, combinedWidth int, opts *Options) *Gate {
	var in GateInput = rawCombined{width: combinedWidth}
	if opts.GatePolicy == GateInputLearnedProjection {
		in = learnedProjection{nn.NewDNN(b, name+".dnn", channelWidth, opts.dnnOptions(opts.GateHiddenUnits))}
	}

	return &Gate{
		Input: in,
		Proj:  nn.NewLinear(b, name, in.OutputDim(), candidates, false),
	}
}

func (g *Gate) Policy() GateInputPolicy {
	if _, ok := g.Input.(learnedProjection); ok {
		return GateInputLearnedProjection
	}

	return GateInputRawCombined
}

// Candidates is the number of experts the gate mixes.
func (g *Gate) Candidates() int {
	return g.Proj.OutputDim()
}

// Weights returns a (batch, Candidates) distribution over the candidates.
func (g *Gate) Weights(ctx ml.Context, channel, combined ml.Tensor) ml.Tensor {
	return g.Proj.Forward(ctx, g.Input.Forward(ctx, channel, combined)).Softmax(ctx)
}

// Forward mixes candidates, each (batch, width), into one (batch, width)
// tensor.
func (g *Gate) Forward(ctx ml.Context, channel, combined ml.Tensor, candidates []ml.Tensor) ml.Tensor {
	if len(candidates) != g.Candidates() {
		shapes := make([][]int, len(candidates))
		for i, c := range candidates {
			shapes[i] = c.Shape()
		}
		panic(&ml.ShapeError{Op: "gate", Shapes: shapes, Err: fmt.Errorf("got %d candidates, want %d", len(candidates), g.Candidates())})
	}

	weights := g.Weights(ctx, channel, combined)
	weights = weights.Reshape(ctx, weights.Dim(0), weights.Dim(1), 1)

	stacked := candidates[0].Stack(ctx, 1, candidates[1:]...)
	return stacked.Mul(ctx, weights).Sum(ctx, 1)
}
