package ml_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/ml"
	_ "github.com/S-Moer/DeepCTR/ml/backend"
)

func newContext(t *testing.T) ml.Context {
	t.Helper()

	b, err := ml.NewBackend(fs.KV{"general.architecture": "test"}, ml.BackendParams{})
	require.NoError(t, err)

	ctx := b.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func TestDump(t *testing.T) {
	ctx := newContext(t)

	cases := []struct {
		name  string
		shape []int
		opts  []ml.DumpOptions
		want  string
	}{
		{
			name:  "vector",
			shape: []int{3},
			want:  "[0.0000, 1.0000, 2.0000]",
		},
		{
			name:  "elided vector",
			shape: []int{8},
			opts:  []ml.DumpOptions{{Items: 2, Precision: 1}},
			want:  "[0.0, 1.0, ..., 6.0, 7.0]",
		},
		{
			name:  "matrix",
			shape: []int{2, 2},
			opts:  []ml.DumpOptions{{Items: 3, Precision: 0}},
			want:  "[[0, 1],\n [2, 3]]",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			n := 1
			for _, d := range tt.shape {
				n *= d
			}

			values := make([]float32, n)
			for i := range values {
				values[i] = float32(i)
			}

			x, err := ctx.FromFloatSlice(values, tt.shape...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ml.Dump(x, tt.opts...))
		})
	}

	ids, err := ctx.FromIntSlice([]int32{4, 5}, 2)
	require.NoError(t, err)
	assert.Equal(t, "[4, 5]", ml.Dump(ids))
}

func TestName(t *testing.T) {
	ctx := newContext(t)

	x := ctx.Zeros(ml.DTypeF32, 1)
	assert.Empty(t, ml.Name(x))

	ml.SetName(x, "output.ctr")
	assert.Equal(t, "output.ctr", ml.Name(x))
}

func TestGuard(t *testing.T) {
	serr := &ml.ShapeError{Op: "matmul", Shapes: [][]int{{2, 3}, {2, 3}}, Err: errors.New("inner dimensions differ")}
	assert.Equal(t, "matmul [2 3] [2 3]: inner dimensions differ", serr.Error())

	err := ml.Guard(func() { panic(serr) })
	assert.Same(t, serr, err)

	assert.NoError(t, ml.Guard(func() {}))
	assert.Panics(t, func() { _ = ml.Guard(func() { panic("other") }) })
}

func TestParseDType(t *testing.T) {
	for s, want := range map[string]ml.DType{"": ml.DTypeF32, "F16": ml.DTypeF16, "bfloat16": ml.DTypeBF16} {
		got, err := ml.ParseDType(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ml.ParseDType("q8_0")
	require.Error(t, err)
}

func TestNewBackendUnknown(t *testing.T) {
	_, err := ml.NewBackend(fs.KV{}, ml.BackendParams{Backend: "cuda"})
	require.ErrorContains(t, err, "cuda")
}
