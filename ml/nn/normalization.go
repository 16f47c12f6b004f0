package nn

import "github.com/S-Moer/DeepCTR/ml"

// BatchNorm normalizes with its moving statistics. Only the inference form
// exists here; the statistics are parameters like any other.
type BatchNorm struct {
	Weight   ml.Tensor
	Bias     ml.Tensor
	Mean     ml.Tensor
	Variance ml.Tensor
}

func NewBatchNorm(b ml.Backend, name string, dim int) *BatchNorm {
	return &BatchNorm{
		Weight:   b.Parameter(name+".weight", ml.Ones(), dim),
		Bias:     b.Parameter(name+".bias", ml.Zeros(), dim),
		Mean:     b.Parameter(name+".running_mean", ml.Zeros(), dim),
		Variance: b.Parameter(name+".running_var", ml.Ones(), dim),
	}
}

func (m *BatchNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	epsilon, err := ctx.FromFloatSlice([]float32{eps}, 1)
	if err != nil {
		panic(err)
	}

	std := m.Variance.Add(ctx, epsilon).Sqrt(ctx)
	return t.Sub(ctx, m.Mean).Div(ctx, std).Mul(ctx, m.Weight).Add(ctx, m.Bias)
}
