// Package dense is a pure Go backend that evaluates tensor operations
// eagerly on github.com/pdevine/tensor.
package dense

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/v2/maps/linkedhashmap"
	"github.com/pdevine/tensor"

	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/logutil"
	"github.com/S-Moer/DeepCTR/ml"
)

func init() {
	ml.RegisterBackend("dense", New)
}

type Backend struct {
	config      fs.Config
	seed        uint64
	numParallel int

	mu     sync.Mutex
	params *linkedhashmap.Map[string, *Tensor]

	// loaded holds checkpoint values not yet claimed by Parameter
	loaded map[string]storedTensor
}

func New(c fs.Config, params ml.BackendParams) (ml.Backend, error) {
	seed := params.Seed
	if seed == 0 {
		seed = uint64(c.Uint("seed", 1024))
	}

	b := &Backend{
		config:      c,
		seed:        seed,
		numParallel: max(params.NumParallel, 1),
		params:      linkedhashmap.New[string, *Tensor](),
	}

	if params.Weights != "" {
		ckpt, err := readCheckpoint(params.Weights)
		if err != nil {
			return nil, fmt.Errorf("load weights: %w", err)
		}

		if ckpt.Architecture != c.Architecture() {
			return nil, fmt.Errorf("load weights: checkpoint architecture %q does not match %q", ckpt.Architecture, c.Architecture())
		}

		b.loaded, err = ckpt.decode()
		if err != nil {
			return nil, fmt.Errorf("load weights: %w", err)
		}

		slog.Info("loaded weights", "path", params.Weights, "tensors", len(b.loaded))
	}

	slog.Debug("dense backend", "seed", seed, "parallel", b.numParallel)
	return b, nil
}

func (b *Backend) Config() fs.Config {
	return b.config
}

func (b *Backend) Parallelism() int {
	return b.numParallel
}

func (b *Backend) Parameter(name string, init ml.Initializer, shape ...int) ml.Tensor {
	for _, d := range shape {
		if d <= 0 {
			panic(&ml.ShapeError{Op: "parameter " + name, Shapes: [][]int{shape}, Err: errors.New("dimensions must be positive")})
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.params.Get(name); ok {
		if !slices.Equal(t.Shape(), shape) {
			panic(&ml.ShapeError{Op: "parameter " + name, Shapes: [][]int{t.Shape(), shape}, Err: errors.New("redefined with a different shape")})
		}
		return t
	}

	var data []float32
	if stored, ok := b.loaded[name]; ok {
		if !slices.Equal(stored.Shape, shape) {
			panic(&ml.ShapeError{Op: "load " + name, Shapes: [][]int{stored.Shape, shape}, Err: errors.New("checkpoint shape does not match model")})
		}

		data = stored.Values
		delete(b.loaded, name)
	} else {
		// seeded per name so values do not depend on construction order
		r := rand.New(rand.NewPCG(b.seed, xxhash.Sum64String(name)))
		data = init(r, shape...)
	}

	t := &Tensor{name: name, d: tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(data))}
	b.params.Put(name, t)
	logutil.Trace("parameter", "name", name, "shape", shape)
	return t
}

func (b *Backend) Get(name string) ml.Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.params.Get(name); ok {
		return t
	}

	return nil
}

// Parameters lists parameter names in creation order.
func (b *Backend) Parameters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params.Keys()
}

// Unused lists checkpoint tensors that no parameter has claimed.
func (b *Backend) Unused() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.loaded))
	for name := range b.loaded {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

func (b *Backend) Save(w io.Writer, dtype ml.DType) error {
	b.mu.Lock()
	params := b.params.Values()
	b.mu.Unlock()

	return writeCheckpoint(w, b.config.Architecture(), params, dtype)
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

type Context struct {
	b *Backend

	mu      sync.Mutex
	nodes   int
	outputs []ml.Tensor
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	n := size(shape)
	switch dtype {
	case ml.DTypeF32:
		return c.wrap(tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(make([]float32, n))))
	case ml.DTypeI32:
		return c.wrap(tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(make([]int32, n))))
	default:
		panic(fmt.Sprintf("dense: unsupported dtype %v", dtype))
	}
}

func checkShape[S ~[]E, E any](s S, shape ...int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}

	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("invalid shape: %v", shape)
		}
	}

	if size(shape) != len(s) {
		return fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	return nil
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	return c.wrap(tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(slices.Clone(s)))), nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	return c.wrap(tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(slices.Clone(s)))), nil
}

// Forward records the outputs of a graph. Operations are evaluated as they
// are built so there is nothing left to schedule.
func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, tensors...)
	return c
}

func (c *Context) Compute(tensors ...ml.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logutil.Trace("compute", "nodes", c.nodes, "outputs", len(c.outputs), "requested", len(tensors))
	if slog.Default().Enabled(context.TODO(), logutil.LevelTrace) {
		for _, t := range tensors {
			logutil.Trace("output", "name", ml.Name(t), "shape", t.Shape(), "values", ml.Dump(t))
		}
	}
}

func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = nil
}

// Nodes is the number of tensors created through c.
func (c *Context) Nodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes
}

func (c *Context) wrap(d *tensor.Dense) *Tensor {
	c.mu.Lock()
	c.nodes++
	c.mu.Unlock()
	return &Tensor{d: d}
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
