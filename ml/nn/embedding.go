package nn

import "github.com/S-Moer/DeepCTR/ml"

type Embedding struct {
	Weight ml.Tensor
}

// NewEmbedding creates a (vocabulary, dim) table drawn from N(0, stddev).
func NewEmbedding(b ml.Backend, name string, vocabulary, dim int, stddev float64) *Embedding {
	return &Embedding{Weight: b.Parameter(name+".weight", ml.RandomNormal(0, stddev), vocabulary, dim)}
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
