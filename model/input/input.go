package input

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrInvalidBatch   = errors.New("invalid batch")
	ErrMissingFeature = errors.New("missing feature")
)

type Kind string

const (
	KindSparse Kind = "sparse"
	KindDense  Kind = "dense"
)

// Column declares one raw feature. Sparse columns hold one id per example
// and are embedded, dense columns hold Dimension values per example.
type Column struct {
	Name           string `mapstructure:"name" json:"name"`
	Kind           Kind   `mapstructure:"kind" json:"kind"`
	VocabularySize int    `mapstructure:"vocabulary_size" json:"vocabulary_size,omitempty"`
	EmbeddingDim   int    `mapstructure:"embedding_dim" json:"embedding_dim,omitempty"`
	Dimension      int    `mapstructure:"dimension" json:"dimension,omitempty"`
}

// Width is the number of values the column contributes to the combined
// input of one example.
func (c Column) Width() int {
	if c.Kind == KindSparse {
		return c.EmbeddingDim
	}

	return c.Dimension
}

func (c Column) validate() error {
	if c.Name == "" {
		return errors.New("feature column without a name")
	}

	switch c.Kind {
	case KindSparse:
		if c.VocabularySize <= 0 || c.EmbeddingDim <= 0 {
			return fmt.Errorf("sparse feature %q needs a positive vocabulary_size and embedding_dim", c.Name)
		}
	case KindDense:
		if c.Dimension <= 0 {
			return fmt.Errorf("dense feature %q needs a positive dimension", c.Name)
		}
	default:
		return fmt.Errorf("feature %q has unsupported kind %q", c.Name, c.Kind)
	}

	return nil
}

// DecodeColumns converts the tables of a config file into columns. A dense
// column without a dimension has one value per example.
func DecodeColumns(v any) ([]Column, error) {
	var columns []Column
	if err := mapstructure.WeakDecode(v, &columns); err != nil {
		return nil, fmt.Errorf("decode feature columns: %w", err)
	}

	seen := make(map[string]bool, len(columns))
	for i := range columns {
		c := &columns[i]
		if c.Kind == KindDense && c.Dimension == 0 {
			c.Dimension = 1
		}

		if err := c.validate(); err != nil {
			return nil, err
		}

		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate feature %q", c.Name)
		}
		seen[c.Name] = true
	}

	return columns, nil
}

// Batch holds the raw features of Size examples keyed by column name.
type Batch struct {
	Size   int                  `json:"size"`
	Sparse map[string][]int32   `json:"sparse,omitempty"`
	Dense  map[string][]float32 `json:"dense,omitempty"`
}

// Validate checks that every column is present with one entry (or
// Dimension values for dense columns) per example.
func (b Batch) Validate(columns []Column) error {
	if b.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidBatch, b.Size)
	}

	for _, c := range columns {
		var n int
		var ok bool
		switch c.Kind {
		case KindSparse:
			var ids []int32
			ids, ok = b.Sparse[c.Name]
			n = len(ids)
		case KindDense:
			var values []float32
			values, ok = b.Dense[c.Name]
			n = len(values)
		}

		if !ok {
			return fmt.Errorf("%w %q", ErrMissingFeature, c.Name)
		}

		want := b.Size
		if c.Kind == KindDense {
			want *= c.Dimension
		}

		if n != want {
			return fmt.Errorf("%w: feature %q has %d values, want %d", ErrInvalidBatch, c.Name, n, want)
		}
	}

	return nil
}
