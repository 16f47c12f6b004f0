package nn

import "github.com/S-Moer/DeepCTR/ml"

// Linear maps (batch, in) to (batch, out) with a (in, out) kernel.
type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

// NewLinear creates a Glorot initialized kernel and, if bias is set, a
// zero initialized bias named "<name>.weight" and "<name>.bias".
func NewLinear(b ml.Backend, name string, in, out int, bias bool) *Linear {
	m := &Linear{Weight: b.Parameter(name+".weight", ml.GlorotUniform(), in, out)}
	if bias {
		m.Bias = b.Parameter(name+".bias", ml.Zeros(), out)
	}

	return m
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}

func (m *Linear) OutputDim() int {
	return m.Weight.Dim(1)
}
