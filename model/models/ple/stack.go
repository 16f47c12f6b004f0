package ple

import (
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/nn"
	"github.com/S-Moer/DeepCTR/model"
)

// Stack chains the extraction levels. Only the last level drops the
// shared channel.
type Stack struct {
	Levels    []*CGC
	TaskNames []string

	inputDim int
}

func newStack(b ml.Backend, opts *Options, combined int) *Stack {
	s := Stack{TaskNames: opts.TaskNames, inputDim: combined}

	in := combined
	for level := range opts.NumLevels {
		cgc := newCGC(b, level, in, combined, level != opts.NumLevels-1, opts)
		s.Levels = append(s.Levels, cgc)
		in = cgc.OutputDim()
	}

	return &s
}

// OutputDim is the width of the task representations handed to the
// towers.
func (s *Stack) OutputDim() int {
	if len(s.Levels) == 0 {
		return s.inputDim
	}

	return s.Levels[len(s.Levels)-1].OutputDim()
}

// Forward returns one representation per task. Every channel of the
// first level starts from the same combined tensor.
func (s *Stack) Forward(ctx ml.Context, combined ml.Tensor) []ml.Tensor {
	if len(s.Levels) == 0 {
		return nil
	}

	inputs := make([]ml.Tensor, len(s.TaskNames)+1)
	for i := range inputs {
		inputs[i] = combined
	}

	for _, level := range s.Levels {
		inputs = level.Forward(ctx, inputs, combined)
	}

	return inputs
}

func (s *Stack) dnns() []*nn.DNN {
	var dnns []*nn.DNN
	for _, level := range s.Levels {
		dnns = append(dnns, level.dnns()...)
	}
	return dnns
}

func (s *Stack) summary() []model.Component {
	var components []model.Component
	for _, level := range s.Levels {
		components = append(components, level.summary(s.TaskNames)...)
	}
	return components
}
