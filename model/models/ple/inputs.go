package ple

import (
	"fmt"

	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/ml/nn"
	"github.com/S-Moer/DeepCTR/model"
	"github.com/S-Moer/DeepCTR/model/input"
)

// Inputs turns raw features into the combined input shared by every
// expert of the first level. Embeddings is indexed like Columns and is nil
// for dense columns.
type Inputs struct {
	Columns    []input.Column
	Embeddings []*nn.Embedding
}

func newInputs(b ml.Backend, opts *Options) *Inputs {
	m := Inputs{
		Columns:    opts.Features,
		Embeddings: make([]*nn.Embedding, len(opts.Features)),
	}

	for i, c := range opts.Features {
		if c.Kind == input.KindSparse {
			m.Embeddings[i] = nn.NewEmbedding(b, "embedding."+c.Name, c.VocabularySize, c.EmbeddingDim, opts.EmbeddingStddev)
		}
	}

	return &m
}

// Width is the number of combined input values per example.
func (m *Inputs) Width() int {
	var width int
	for _, c := range m.Columns {
		width += c.Width()
	}
	return width
}

// Forward concatenates the embedded sparse features and the dense
// features in column order into a (batch, Width) tensor.
func (m *Inputs) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	if err := batch.Validate(m.Columns); err != nil {
		return nil, err
	}

	var combined ml.Tensor
	for i, c := range m.Columns {
		var t ml.Tensor
		var err error
		switch c.Kind {
		case input.KindSparse:
			t, err = ctx.FromIntSlice(batch.Sparse[c.Name], batch.Size)
			if err == nil {
				t = m.Embeddings[i].Forward(ctx, t)
			}
		case input.KindDense:
			t, err = ctx.FromFloatSlice(batch.Dense[c.Name], batch.Size, c.Dimension)
		}

		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", c.Name, err)
		}

		if combined == nil {
			combined = t
		} else {
			combined = combined.Concat(ctx, t, 1)
		}
	}

	return combined, nil
}

func (m *Inputs) summary() []model.Component {
	var components []model.Component
	for _, c := range m.Columns {
		component := model.Component{Name: c.Name, Kind: string(c.Kind), Output: c.Width()}
		if c.Kind == input.KindSparse {
			component.Kind = "embedding"
			component.Input = c.VocabularySize
		}
		components = append(components, component)
	}

	return append(components, model.Component{Name: "combined", Kind: "input", Output: m.Width()})
}
