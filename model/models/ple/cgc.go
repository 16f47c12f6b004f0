package ple

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/nn"
	"github.com/S-Moer/DeepCTR/model"
)

// expertPool holds the outputs of one level's experts.
type expertPool struct {
	perTask [][]ml.Tensor
	shared  []ml.Tensor
}

// all lists every expert output, task experts in task order followed by
// the shared experts.
func (p expertPool) all() []ml.Tensor {
	return slices.Concat(append(slices.Clone(p.perTask), p.shared)...)
}

// candidates lists the experts visible to task i: its own followed by the
// shared ones.
func (p expertPool) candidates(i int) []ml.Tensor {
	return slices.Concat(p.perTask[i], p.shared)
}

// CGC is one extraction level. It reads num_tasks+1 inputs, one per task
// channel plus the shared channel, and emits one output per task and, when
// emitShared is set, a shared output last.
type CGC struct {
	Level int

	TaskExperts   [][]*nn.DNN
	SharedExperts []*nn.DNN

	TaskGates  []*Gate
	SharedGate *Gate

	emitShared bool
	outputDim  int
	parallel   int
}

// newCGC builds level L for channels of width in. The shared gate only
// exists when emitShared is set.
func newCGC(b ml.Backend, level, in, combined int, emitShared bool, opts *Options) *CGC {
	c := CGC{Level: level, emitShared: emitShared, outputDim: in, parallel: b.Parallelism()}
	if n := len(opts.ExpertHiddenUnits); n > 0 {
		c.outputDim = opts.ExpertHiddenUnits[n-1]
	}

	prefix := fmt.Sprintf("level.%d", level)
	expert := opts.dnnOptions(opts.ExpertHiddenUnits)

	for _, name := range opts.TaskNames {
		experts := make([]*nn.DNN, opts.SpecificExperts)
		for j := range experts {
			experts[j] = nn.NewDNN(b, fmt.Sprintf("%s.task.%s.expert.%d", prefix, name, j), in, expert)
		}
		c.TaskExperts = append(c.TaskExperts, experts)
	}

	c.SharedExperts = make([]*nn.DNN, opts.SharedExperts)
	for j := range c.SharedExperts {
		c.SharedExperts[j] = nn.NewDNN(b, fmt.Sprintf("%s.shared.expert.%d", prefix, j), in, expert)
	}

	for _, name := range opts.TaskNames {
		gate := fmt.Sprintf("%s.task.%s.gate", prefix, name)
		c.TaskGates = append(c.TaskGates, newGate(b, gate, opts.SpecificExperts+opts.SharedExperts, in, combined, opts))
	}

	if emitShared {
		candidates := len(opts.TaskNames)*opts.SpecificExperts + opts.SharedExperts
		c.SharedGate = newGate(b, prefix+".shared.gate", candidates, in, combined, opts)
	}

	return &c
}

func (c *CGC) EmitShared() bool {
	return c.emitShared
}

// OutputDim is the width of every output of the level.
func (c *CGC) OutputDim() int {
	return c.outputDim
}

// Forward evaluates the level. inputs holds one tensor per task followed by
// the shared channel; combined is the model input seen by raw gates.
func (c *CGC) Forward(ctx ml.Context, inputs []ml.Tensor, combined ml.Tensor) []ml.Tensor {
	numTasks := len(c.TaskExperts)
	if len(inputs) != numTasks+1 {
		shapes := make([][]int, len(inputs))
		for i, t := range inputs {
			shapes[i] = t.Shape()
		}
		panic(&ml.ShapeError{Op: fmt.Sprintf("level %d", c.Level), Shapes: shapes, Err: fmt.Errorf("got %d inputs, want %d", len(inputs), numTasks+1)})
	}

	shared := inputs[numTasks]
	pool := expertPool{
		perTask: make([][]ml.Tensor, numTasks),
		shared:  make([]ml.Tensor, len(c.SharedExperts)),
	}

	for i, experts := range c.TaskExperts {
		pool.perTask[i] = make([]ml.Tensor, len(experts))
		for j, e := range experts {
			pool.perTask[i][j] = e.Forward(ctx, inputs[i])
		}
	}

	for j, e := range c.SharedExperts {
		pool.shared[j] = e.Forward(ctx, shared)
	}

	outputs := make([]ml.Tensor, numTasks, numTasks+1)
	if err := parallel(numTasks, c.parallel, func(i int) {
		outputs[i] = c.TaskGates[i].Forward(ctx, inputs[i], combined, pool.candidates(i))
	}); err != nil {
		panic(err)
	}

	if c.emitShared {
		outputs = append(outputs, c.SharedGate.Forward(ctx, shared, combined, pool.all()))
	}

	return outputs
}

func (c *CGC) dnns() []*nn.DNN {
	var dnns []*nn.DNN
	for _, experts := range c.TaskExperts {
		dnns = append(dnns, experts...)
	}
	dnns = append(dnns, c.SharedExperts...)

	for _, g := range append(slices.Clone(c.TaskGates), c.SharedGate) {
		if g == nil {
			continue
		}
		if p, ok := g.Input.(learnedProjection); ok {
			dnns = append(dnns, p.DNN)
		}
	}

	return dnns
}

func (c *CGC) summary(taskNames []string) []model.Component {
	prefix := fmt.Sprintf("level.%d", c.Level)
	expert := func(name string, e *nn.DNN) model.Component {
		return model.Component{Name: name, Kind: "expert", Input: e.InputDim(), Output: e.OutputDim()}
	}
	gate := func(name string, g *Gate) model.Component {
		return model.Component{Name: name, Kind: "gate." + g.Policy().String(), Input: g.Input.OutputDim(), Candidates: g.Candidates()}
	}

	var components []model.Component
	for i, experts := range c.TaskExperts {
		for j, e := range experts {
			components = append(components, expert(fmt.Sprintf("%s.task.%s.expert.%d", prefix, taskNames[i], j), e))
		}
	}

	for j, e := range c.SharedExperts {
		components = append(components, expert(fmt.Sprintf("%s.shared.expert.%d", prefix, j), e))
	}

	for i, g := range c.TaskGates {
		components = append(components, gate(fmt.Sprintf("%s.task.%s.gate", prefix, taskNames[i]), g))
	}

	if c.SharedGate != nil {
		components = append(components, gate(prefix+".shared.gate", c.SharedGate))
	}

	return components
}

// workerPanic carries a panic out of a worker goroutine.
type workerPanic struct {
	value any
}

func (p workerPanic) Error() string {
	return fmt.Sprint("panic: ", p.value)
}

// parallel runs fn for 0..n-1 with at most limit calls in flight. Shape
// errors raised by fn are returned. Any other panic is raised again on the
// calling goroutine, as it would be when running serially.
func parallel(n, limit int, fn func(i int)) error {
	if limit <= 1 {
		return ml.Guard(func() {
			for i := range n {
				fn(i)
			}
		})
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range n {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = workerPanic{r}
				}
			}()

			return ml.Guard(func() { fn(i) })
		})
	}

	err := g.Wait()
	if p, ok := err.(workerPanic); ok {
		panic(p.value)
	}

	return err
}
