package ple

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/nn"
	"github.com/S-Moer/DeepCTR/model"
	"github.com/S-Moer/DeepCTR/model/input"
)

type TaskType string

const (
	TaskBinary     TaskType = "binary"
	TaskRegression TaskType = "regression"
)

type Options struct {
	TaskNames []string
	TaskTypes []TaskType

	SharedExperts, SpecificExperts, NumLevels int

	ExpertHiddenUnits, TowerHiddenUnits, GateHiddenUnits []int

	L2RegEmbedding, L2RegDNN float32
	EmbeddingStddev          float64

	Dropout    float32
	Activation nn.Activation
	UseBN      bool

	Features   []input.Column
	GatePolicy GateInputPolicy
}

func (o *Options) dnnOptions(hidden []int) nn.DNNOptions {
	return nn.DNNOptions{
		HiddenUnits: hidden,
		Activation:  o.Activation,
		Dropout:     o.Dropout,
		UseBN:       o.UseBN,
	}
}

// checkType reports a key holding a value its typed getter cannot read.
// Such keys would otherwise fall back to their defaults.
func checkType[T any](c fs.Config, key, want string) error {
	switch v := c.Value(key).(type) {
	case nil, T:
		return nil
	case []any:
		// toml arrays without elements carry no element type
		if len(v) == 0 && strings.HasPrefix(want, "an array") {
			return nil
		}
	}

	return &model.ConfigError{Field: key, Reason: fmt.Sprintf("want %s, got %T", want, c.Value(key))}
}

// parseOptions reads the model configuration. The task list is checked
// first so a bad task setup is reported before anything else.
func parseOptions(c fs.Config) (*Options, error) {
	if err := checkType[[]string](c, "task_names", "an array of strings"); err != nil {
		return nil, err
	}

	names := c.Strings("task_names", []string{"ctr", "ctcvr"})
	if len(names) <= 1 {
		return nil, &model.ConfigError{Field: "task_names", Reason: fmt.Sprintf("need more than one task, got %d", len(names))}
	}

	if err := checkType[[]string](c, "task_types", "an array of strings"); err != nil {
		return nil, err
	}

	types := c.Strings("task_types", []string{string(TaskBinary), string(TaskBinary)})
	if len(types) != len(names) {
		return nil, &model.ConfigError{Field: "task_types", Reason: fmt.Sprintf("got %d task types for %d tasks", len(types), len(names))}
	}

	for _, err := range []error{
		checkType[uint32](c, "shared_expert_num", "an unsigned integer"),
		checkType[uint32](c, "specific_expert_num", "an unsigned integer"),
		checkType[uint32](c, "num_levels", "an unsigned integer"),
		checkType[[]uint32](c, "expert_hidden_units", "an array of unsigned integers"),
		checkType[[]uint32](c, "tower_hidden_units", "an array of unsigned integers"),
		checkType[[]uint32](c, "gate_hidden_units", "an array of unsigned integers"),
		checkType[string](c, "dnn_activation", "a string"),
		checkType[bool](c, "dnn_use_bn", "a boolean"),
	} {
		if err != nil {
			return nil, err
		}
	}

	opts := Options{
		TaskNames:         names,
		SharedExperts:     int(c.Uint("shared_expert_num", 1)),
		SpecificExperts:   int(c.Uint("specific_expert_num", 1)),
		NumLevels:         int(c.Uint("num_levels", 2)),
		ExpertHiddenUnits: ints(c.Uints("expert_hidden_units", []uint32{256})),
		TowerHiddenUnits:  ints(c.Uints("tower_hidden_units", []uint32{64})),
		GateHiddenUnits:   ints(c.Uints("gate_hidden_units")),
		L2RegEmbedding:    c.Float("l2_reg_embedding", 1e-5),
		L2RegDNN:          c.Float("l2_reg_dnn"),
		EmbeddingStddev:   float64(c.Float("embedding_stddev", 1e-4)),
		Dropout:           c.Float("dnn_dropout"),
		UseBN:             c.Bool("dnn_use_bn"),
	}

	for _, t := range types {
		switch tt := TaskType(t); tt {
		case TaskBinary, TaskRegression:
			opts.TaskTypes = append(opts.TaskTypes, tt)
		default:
			return nil, &model.ConfigError{Field: "task_types", Reason: fmt.Sprintf("task type must be binary or regression, got %q", t)}
		}
	}

	for i, name := range names {
		if slices.Index(names, name) != i {
			return nil, &model.ConfigError{Field: "task_names", Reason: fmt.Sprintf("duplicate task %q", name)}
		}
	}

	var err error
	if opts.Activation, err = nn.ParseActivation(c.String("dnn_activation")); err != nil {
		return nil, &model.ConfigError{Field: "dnn_activation", Reason: err.Error()}
	}

	if opts.Features, err = input.DecodeColumns(c.Value("features")); err != nil {
		return nil, &model.ConfigError{Field: "features", Reason: err.Error()}
	} else if len(opts.Features) == 0 {
		return nil, &model.ConfigError{Field: "features", Reason: "at least one feature column is required"}
	}

	opts.GatePolicy = GateInputRawCombined
	if len(opts.GateHiddenUnits) > 0 {
		opts.GatePolicy = GateInputLearnedProjection
	}

	return &opts, nil
}

func ints(s []uint32) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

type Model struct {
	model.Base

	Inputs *Inputs
	Stack  *Stack
	Towers []*Tower

	*Options
}

// New validates the configuration of b and builds every parameter of the
// network. Shape problems found while wiring levels are returned as
// *ml.ShapeError.
func New(b ml.Backend) (model.Model, error) {
	opts, err := parseOptions(b.Config())
	if err != nil {
		return nil, err
	}

	slog.Debug("Parsed Options", "tasks", opts.TaskNames, "types", opts.TaskTypes,
		"shared_experts", opts.SharedExperts, "specific_experts", opts.SpecificExperts,
		"levels", opts.NumLevels, "gate_policy", opts.GatePolicy)

	if opts.NumLevels == 0 {
		slog.Warn("model has no extraction levels and will produce no predictions")
	}

	m := Model{Base: model.NewBase(b), Options: opts}
	if err := ml.Guard(func() {
		m.Inputs = newInputs(b, opts)
		m.Stack = newStack(b, opts, m.Inputs.Width())

		width := m.Stack.OutputDim()
		for i, name := range opts.TaskNames {
			m.Towers = append(m.Towers, newTower(b, name, opts.TaskTypes[i], width, opts))
		}
	}); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (*model.Outputs, error) {
	combined, err := m.Inputs.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}

	final := m.Stack.Forward(ctx, combined)

	// a stack without levels has no task representations
	predictions := make([]ml.Tensor, min(len(final), len(m.Towers)))
	if err := parallel(len(predictions), m.Backend().Parallelism(), func(i int) {
		predictions[i] = m.Towers[i].Forward(ctx, final[i])
		ml.SetName(predictions[i], "output."+m.TaskNames[i])
	}); err != nil {
		return nil, err
	}

	outputs := model.NewOutputs()
	for i, p := range predictions {
		outputs.Put(m.TaskNames[i], p)
	}

	return outputs, nil
}

// L2Penalty evaluates the weight decay implied by the regularization
// strengths: l2_reg_embedding times the squared norm of every embedding
// table plus l2_reg_dnn times the squared norm of every hidden kernel.
func (m *Model) L2Penalty(ctx ml.Context) ml.Tensor {
	penalty := ctx.Zeros(ml.DTypeF32, 1)
	add := func(lambda float32, tensors ...ml.Tensor) {
		for _, t := range tensors {
			sq := t.Mul(ctx, t).Reshape(ctx, -1).Sum(ctx, 0)
			penalty = penalty.Add(ctx, sq.Scale(ctx, float64(lambda)))
		}
	}

	for _, e := range m.Inputs.Embeddings {
		if e != nil {
			add(m.L2RegEmbedding, e.Weight)
		}
	}

	for _, dnn := range m.dnns() {
		add(m.L2RegDNN, dnn.Kernels()...)
	}

	return penalty
}

func (m *Model) dnns() []*nn.DNN {
	dnns := m.Stack.dnns()
	for _, t := range m.Towers {
		dnns = append(dnns, t.DNN)
	}
	return dnns
}

func (m *Model) Tasks() []model.Task {
	tasks := make([]model.Task, len(m.TaskNames))
	for i, name := range m.TaskNames {
		tasks[i] = model.Task{Name: name, Type: string(m.TaskTypes[i])}
	}
	return tasks
}

func (m *Model) Features() []input.Column {
	return m.Inputs.Columns
}

func (m *Model) Summary() []model.Component {
	components := m.Inputs.summary()
	components = append(components, m.Stack.summary()...)
	for _, t := range m.Towers {
		components = append(components, model.Component{
			Name:   t.Name,
			Kind:   "tower." + string(t.Type),
			Input:  t.DNN.InputDim(),
			Output: t.Logit.OutputDim(),
		})
	}

	return components
}

func init() {
	model.Register("ple", New)
}
