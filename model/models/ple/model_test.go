package ple

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/backend/dense"
	"github.com/S-Moer/DeepCTR/model"
	"github.com/S-Moer/DeepCTR/model/input"
)

func config(overrides map[string]any) fs.KV {
	kv := fs.KV{
		"general.architecture": "ple",
		"ple.features": []map[string]any{
			{"name": "user_id", "kind": "sparse", "vocabulary_size": int64(10), "embedding_dim": int64(4)},
			{"name": "item_id", "kind": "sparse", "vocabulary_size": int64(20), "embedding_dim": int64(4)},
			{"name": "price", "kind": "dense"},
		},
		"ple.expert_hidden_units": []uint32{8},
		"ple.tower_hidden_units":  []uint32{4},
	}

	for k, v := range overrides {
		kv["ple."+k] = v
	}

	return kv
}

func batch() input.Batch {
	return input.Batch{
		Size: 3,
		Sparse: map[string][]int32{
			"user_id": {1, 2, 3},
			"item_id": {4, 5, 19},
		},
		Dense: map[string][]float32{
			"price": {0.5, 1, 2},
		},
	}
}

func build(t *testing.T, kv fs.KV, params ...ml.BackendParams) *Model {
	t.Helper()

	m, err := model.New(kv, append(params, ml.BackendParams{})[0])
	require.NoError(t, err)
	return m.(*Model)
}

func forward(t *testing.T, m *Model) *model.Outputs {
	t.Helper()

	ctx := m.Backend().NewContext()
	t.Cleanup(ctx.Close)

	outputs, err := model.Forward(ctx, m, batch())
	require.NoError(t, err)
	return outputs
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		field     string
		contains  string
	}{
		{
			name:      "single task",
			overrides: map[string]any{"task_names": []string{"ctr"}, "task_types": []string{"binary"}},
			field:     "task_names",
		},
		{
			name:      "type count mismatch",
			overrides: map[string]any{"task_names": []string{"a", "b", "c"}, "task_types": []string{"binary", "binary"}},
			field:     "task_types",
		},
		{
			name:      "unsupported type",
			overrides: map[string]any{"task_types": []string{"binary", "unsupported"}},
			field:     "task_types",
			contains:  `"unsupported"`,
		},
		{
			name:      "duplicate task",
			overrides: map[string]any{"task_names": []string{"ctr", "ctr"}},
			field:     "task_names",
		},
		{
			name:      "unknown activation",
			overrides: map[string]any{"dnn_activation": "swish"},
			field:     "dnn_activation",
		},
		{
			name:      "no features",
			overrides: map[string]any{"features": []map[string]any{}},
			field:     "features",
		},
		{
			name:      "scalar task names",
			overrides: map[string]any{"task_names": "ctr"},
			field:     "task_names",
			contains:  "want an array of strings, got string",
		},
		{
			name:      "empty task names",
			overrides: map[string]any{"task_names": []any{}},
			field:     "task_names",
			contains:  "got 0",
		},
		{
			name:      "numeric task types",
			overrides: map[string]any{"task_types": []uint32{0, 1}},
			field:     "task_types",
			contains:  "got []uint32",
		},
		{
			name:      "fractional levels",
			overrides: map[string]any{"num_levels": float32(2)},
			field:     "num_levels",
		},
		{
			name:      "string expert count",
			overrides: map[string]any{"shared_expert_num": "1"},
			field:     "shared_expert_num",
		},
		{
			name:      "scalar specific expert count",
			overrides: map[string]any{"specific_expert_num": []uint32{1}},
			field:     "specific_expert_num",
		},
		{
			name:      "scalar hidden units",
			overrides: map[string]any{"expert_hidden_units": uint32(8)},
			field:     "expert_hidden_units",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			b, err := dense.New(config(tt.overrides), ml.BackendParams{})
			require.NoError(t, err)

			_, err = New(b)
			require.ErrorIs(t, err, model.ErrInvalidConfig)

			var cerr *model.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
			if tt.contains != "" {
				assert.Contains(t, cerr.Error(), tt.contains)
			}

			assert.Empty(t, b.Parameters(), "no parameter may exist after a configuration error")
		})
	}
}

func TestUnsupportedArchitecture(t *testing.T) {
	kv := config(nil)
	kv["general.architecture"] = "mmoe"

	_, err := model.New(kv, ml.BackendParams{})
	require.ErrorIs(t, err, model.ErrUnsupportedModel)
}

func TestOutputsFollowTaskOrder(t *testing.T) {
	for _, names := range [][]string{
		{"ctr", "ctcvr"},
		{"like", "finish", "share"},
		{"d", "c", "b", "a"},
	} {
		for levels := 1; levels <= 3; levels++ {
			t.Run(fmt.Sprintf("%d tasks %d levels", len(names), levels), func(t *testing.T) {
				types := make([]string, len(names))
				for i := range types {
					types[i] = "binary"
				}

				m := build(t, config(map[string]any{
					"task_names": names,
					"task_types": types,
					"num_levels": uint32(levels),
				}))

				outputs := forward(t, m)
				assert.Equal(t, names, outputs.Names())
				for name, p := range outputs.All() {
					assert.Equal(t, []int{3, 1}, p.Shape(), name)
				}
			})
		}
	}
}

func TestLevelArity(t *testing.T) {
	names := []string{"a", "b", "c"}
	m := build(t, config(map[string]any{
		"task_names": names,
		"task_types": []string{"binary", "binary", "regression"},
		"num_levels": uint32(3),
	}))

	require.Len(t, m.Stack.Levels, 3)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	combined, err := m.Inputs.Forward(ctx, batch())
	require.NoError(t, err)

	inputs := make([]ml.Tensor, len(names)+1)
	for i := range inputs {
		inputs[i] = combined
	}

	for i, level := range m.Stack.Levels {
		terminal := i == len(m.Stack.Levels)-1
		assert.Equal(t, !terminal, level.EmitShared())

		inputs = level.Forward(ctx, inputs, combined)
		if terminal {
			assert.Len(t, inputs, len(names))
			assert.Nil(t, level.SharedGate)
		} else {
			assert.Len(t, inputs, len(names)+1)
			assert.NotNil(t, level.SharedGate)
		}

		for _, out := range inputs {
			assert.Equal(t, []int{3, 8}, out.Shape())
		}
	}

	// the terminal output set cannot feed another level
	var serr *ml.ShapeError
	require.ErrorAs(t, ml.Guard(func() { m.Stack.Levels[1].Forward(ctx, inputs, combined) }), &serr)
}

func TestCandidateCounts(t *testing.T) {
	cases := []struct {
		tasks, specific, shared int
	}{
		{2, 1, 1},
		{3, 2, 3},
		{2, 0, 2},
		{4, 3, 0},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("N=%d S=%d H=%d", tt.tasks, tt.specific, tt.shared), func(t *testing.T) {
			names := make([]string, tt.tasks)
			types := make([]string, tt.tasks)
			for i := range names {
				names[i], types[i] = fmt.Sprintf("task%d", i), "binary"
			}

			m := build(t, config(map[string]any{
				"task_names":          names,
				"task_types":          types,
				"specific_expert_num": uint32(tt.specific),
				"shared_expert_num":   uint32(tt.shared),
			}))

			first := m.Stack.Levels[0]
			require.Len(t, first.TaskGates, tt.tasks)
			for _, g := range first.TaskGates {
				assert.Equal(t, tt.specific+tt.shared, g.Candidates())
			}
			assert.Equal(t, tt.tasks*tt.specific+tt.shared, first.SharedGate.Candidates())

			outputs := forward(t, m)
			assert.Equal(t, tt.tasks, outputs.Len())
		})
	}
}

func TestExpertPool(t *testing.T) {
	_, ctx := newBackend(t)
	tensor := func(v float32) ml.Tensor {
		x, err := ctx.FromFloatSlice([]float32{v}, 1, 1)
		require.NoError(t, err)
		return x
	}

	a0, a1, b0, b1, s0 := tensor(1), tensor(2), tensor(3), tensor(4), tensor(5)
	pool := expertPool{perTask: [][]ml.Tensor{{a0, a1}, {b0, b1}}, shared: []ml.Tensor{s0}}

	assert.Equal(t, []ml.Tensor{a0, a1, b0, b1, s0}, pool.all())
	assert.Equal(t, []ml.Tensor{a0, a1, s0}, pool.candidates(0))
	assert.Equal(t, []ml.Tensor{b0, b1, s0}, pool.candidates(1))
}

func newBackend(t *testing.T) (ml.Backend, ml.Context) {
	t.Helper()

	b, err := dense.New(config(nil), ml.BackendParams{})
	require.NoError(t, err)

	ctx := b.NewContext()
	t.Cleanup(ctx.Close)
	return b, ctx
}

func TestGateDistribution(t *testing.T) {
	for _, hidden := range [][]uint32{nil, {6, 3}} {
		t.Run(fmt.Sprintf("gate hidden %v", hidden), func(t *testing.T) {
			overrides := map[string]any{}
			if hidden != nil {
				overrides["gate_hidden_units"] = hidden
			}

			m := build(t, config(overrides))
			ctx := m.Backend().NewContext()
			defer ctx.Close()

			combined, err := m.Inputs.Forward(ctx, batch())
			require.NoError(t, err)

			for _, g := range append(slices.Clone(m.Stack.Levels[0].TaskGates), m.Stack.Levels[0].SharedGate) {
				w := g.Weights(ctx, combined, combined)
				require.Equal(t, []int{3, g.Candidates()}, w.Shape())

				values := w.Floats()
				for row := range 3 {
					var sum float64
					for _, v := range values[row*g.Candidates() : (row+1)*g.Candidates()] {
						assert.GreaterOrEqual(t, v, float32(0))
						sum += float64(v)
					}
					assert.InDelta(t, 1, sum, 1e-5)
				}
			}
		})
	}
}

func TestGateInputPolicy(t *testing.T) {
	raw := build(t, config(nil))
	assert.Equal(t, GateInputRawCombined, raw.GatePolicy)
	for _, level := range raw.Stack.Levels {
		for _, g := range level.TaskGates {
			assert.Equal(t, GateInputRawCombined, g.Policy())
			assert.Equal(t, 9, g.Input.OutputDim())
		}
	}

	learned := build(t, config(map[string]any{"gate_hidden_units": []uint32{5}}))
	assert.Equal(t, GateInputLearnedProjection, learned.GatePolicy)

	// a learned gate reads its own channel, whose width changes after the
	// first level
	first, second := learned.Stack.Levels[0], learned.Stack.Levels[1]
	assert.Equal(t, 9, first.TaskGates[0].Input.(learnedProjection).InputDim())
	assert.Equal(t, 8, second.TaskGates[0].Input.(learnedProjection).InputDim())
	assert.Equal(t, 9, first.SharedGate.Input.(learnedProjection).InputDim())
	assert.Equal(t, 5, first.SharedGate.Input.OutputDim())
	assert.NotNil(t, learned.Backend().Get("level.1.task.ctr.gate.dnn.0.linear.weight"))

	outputs := forward(t, learned)
	assert.Equal(t, 2, outputs.Len())
}

func TestScenario(t *testing.T) {
	kv := config(nil)
	kv["ple.expert_hidden_units"] = []uint32{256}
	kv["ple.tower_hidden_units"] = []uint32{64}

	m := build(t, kv)
	assert.Equal(t, []string{"ctr", "ctcvr"}, m.TaskNames)
	assert.Equal(t, 1, m.SpecificExperts)
	assert.Equal(t, 1, m.SharedExperts)
	assert.Equal(t, 2, m.NumLevels)

	outputs := forward(t, m)
	require.Equal(t, []string{"ctr", "ctcvr"}, outputs.Names())
	for name, p := range outputs.All() {
		for _, v := range p.Floats() {
			assert.Greater(t, v, float32(0), name)
			assert.Less(t, v, float32(1), name)
		}
	}
}

func TestRegressionTask(t *testing.T) {
	m := build(t, config(map[string]any{"task_types": []string{"binary", "regression"}}))
	assert.Equal(t, TaskRegression, m.Towers[1].Type)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	hidden, err := ctx.FromFloatSlice(make([]float32, 3*8), 3, 8)
	require.NoError(t, err)

	// a zero representation leaves only the learned biases
	if diff := cmp.Diff([]float32{0, 0, 0}, m.Towers[1].Forward(ctx, hidden).Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("regression output mismatch (-want +got):\n%s", diff)
	}
}

func TestIdempotent(t *testing.T) {
	kv := config(map[string]any{"num_levels": uint32(3), "gate_hidden_units": []uint32{4}})
	a, b := build(t, kv), build(t, kv)

	if diff := cmp.Diff(a.Summary(), b.Summary()); diff != "" {
		t.Errorf("summary mismatch (-a +b):\n%s", diff)
	}

	require.Equal(t, a.Backend().Parameters(), b.Backend().Parameters())
	for _, name := range a.Backend().Parameters() {
		assert.Equal(t, a.Backend().Get(name).Floats(), b.Backend().Get(name).Floats(), name)
	}

	if diff := cmp.Diff(forward(t, a).Values()[0].Floats(), forward(t, b).Values()[0].Floats()); diff != "" {
		t.Errorf("prediction mismatch (-a +b):\n%s", diff)
	}

	reseeded := build(t, kv, ml.BackendParams{Seed: 7})
	assert.NotEqual(t, a.Backend().Get("level.0.shared.expert.0.0.linear.weight").Floats(),
		reseeded.Backend().Get("level.0.shared.expert.0.0.linear.weight").Floats())
}

func TestParallelMatchesSerial(t *testing.T) {
	kv := config(map[string]any{
		"task_names": []string{"a", "b", "c", "d"},
		"task_types": []string{"binary", "regression", "binary", "regression"},
		"num_levels": uint32(3),
	})

	serial := forward(t, build(t, kv))
	concurrent := forward(t, build(t, kv, ml.BackendParams{NumParallel: 4}))

	for name, p := range serial.All() {
		q, ok := concurrent.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, p.Floats(), q.Floats(), name)
	}
}

func TestZeroExperts(t *testing.T) {
	_, err := model.New(config(map[string]any{
		"specific_expert_num": uint32(0),
		"shared_expert_num":   uint32(0),
	}), ml.BackendParams{})

	var serr *ml.ShapeError
	require.ErrorAs(t, err, &serr)
	assert.False(t, errors.Is(err, model.ErrInvalidConfig))
}

func TestZeroLevels(t *testing.T) {
	var logs bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))

	m := build(t, config(map[string]any{"num_levels": uint32(0)}))
	assert.Empty(t, m.Stack.Levels)
	assert.Equal(t, 0, forward(t, m).Len())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "no extraction levels")
}

func TestMissingFeature(t *testing.T) {
	m := build(t, config(nil))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	in := batch()
	delete(in.Dense, "price")

	_, err := model.Forward(ctx, m, in)
	require.ErrorIs(t, err, input.ErrMissingFeature)

	in = batch()
	in.Sparse["user_id"] = []int32{1, 2, 10}
	_, err = model.Forward(ctx, m, in)

	var serr *ml.ShapeError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "rows", serr.Op)
}

func TestL2Penalty(t *testing.T) {
	m := build(t, config(map[string]any{"l2_reg_embedding": float32(1), "l2_reg_dnn": float32(0)}))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	var want float64
	for _, name := range []string{"embedding.user_id.weight", "embedding.item_id.weight"} {
		for _, v := range m.Backend().Get(name).Floats() {
			want += float64(v) * float64(v)
		}
	}

	got := m.L2Penalty(ctx).Floats()
	require.Len(t, got, 1)
	assert.InDelta(t, want, got[0], 1e-9)

	m = build(t, config(map[string]any{"l2_reg_embedding": float32(0), "l2_reg_dnn": float32(0.5)}))
	assert.Greater(t, m.L2Penalty(ctx).Floats()[0], float32(0))
	assert.Len(t, m.dnns(), 2*(2+1)+2)
}

func TestSummary(t *testing.T) {
	m := build(t, config(map[string]any{"num_levels": uint32(2)}))

	byName := make(map[string]model.Component)
	for _, c := range m.Summary() {
		byName[c.Name] = c
	}

	assert.Equal(t, model.Component{Name: "user_id", Kind: "embedding", Input: 10, Output: 4}, byName["user_id"])
	assert.Equal(t, model.Component{Name: "combined", Kind: "input", Output: 9}, byName["combined"])
	assert.Equal(t, model.Component{Name: "level.0.task.ctr.expert.0", Kind: "expert", Input: 9, Output: 8}, byName["level.0.task.ctr.expert.0"])
	assert.Equal(t, model.Component{Name: "level.1.shared.expert.0", Kind: "expert", Input: 8, Output: 8}, byName["level.1.shared.expert.0"])
	assert.Equal(t, model.Component{Name: "level.0.shared.gate", Kind: "gate.raw_combined", Input: 9, Candidates: 3}, byName["level.0.shared.gate"])
	assert.Equal(t, model.Component{Name: "ctcvr", Kind: "tower.binary", Input: 8, Output: 1}, byName["ctcvr"])

	_, ok := byName["level.1.shared.gate"]
	assert.False(t, ok)

	assert.Equal(t, []model.Task{{Name: "ctr", Type: "binary"}, {Name: "ctcvr", Type: "binary"}}, m.Tasks())
	assert.Len(t, m.Features(), 3)
}
