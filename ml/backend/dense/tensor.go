package dense

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/S-Moer/DeepCTR/ml"
)

type Tensor struct {
	name string
	d    *tensor.Dense
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.name),
		slog.String("type", t.DType().String()),
		slog.Any("shape", t.Shape()),
	)
}

func (t *Tensor) SetName(name string) {
	t.name = name
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) Dim(n int) int {
	shape := t.d.Shape()
	if n < 0 || n >= len(shape) {
		panic(&ml.ShapeError{Op: "dim", Shapes: [][]int{t.Shape()}, Err: fmt.Errorf("dimension %d out of range", n)})
	}

	return shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.d.Shape()))
}

func (t *Tensor) DType() ml.DType {
	switch t.d.Dtype() {
	case tensor.Float32:
		return ml.DTypeF32
	case tensor.Int32:
		return ml.DTypeI32
	default:
		return ml.DTypeOther
	}
}

func (t *Tensor) Bytes() []byte {
	var buf bytes.Buffer
	var err error
	switch data := t.d.Data().(type) {
	case []float32:
		err = binary.Write(&buf, binary.LittleEndian, data)
	case []int32:
		err = binary.Write(&buf, binary.LittleEndian, data)
	default:
		return nil
	}

	if err != nil {
		panic(err)
	}

	return buf.Bytes()
}

func (t *Tensor) Floats() []float32 {
	if data, ok := t.d.Data().([]float32); ok {
		return slices.Clone(data)
	}

	return nil
}

func (t *Tensor) Ints() []int32 {
	if data, ok := t.d.Data().([]int32); ok {
		return slices.Clone(data)
	}

	return nil
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, "add", t2, func(a, b any) (tensor.Tensor, error) { return tensor.Add(a, b) })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, "sub", t2, func(a, b any) (tensor.Tensor, error) { return tensor.Sub(a, b) })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, "mul", t2, func(a, b any) (tensor.Tensor, error) { return tensor.Mul(a, b) })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, "div", t2, func(a, b any) (tensor.Tensor, error) { return tensor.Div(a, b) })
}

// elementwise applies fn after broadcasting t2 to the shape of t. The
// engine has no implicit broadcasting so rows and columns are expanded
// with an outer product against ones.
func (t *Tensor) elementwise(ctx ml.Context, op string, t2 ml.Tensor, fn func(a, b any) (tensor.Tensor, error)) ml.Tensor {
	other := t2.(*Tensor)
	shape, otherShape := t.Shape(), other.Shape()
	fail := func(err error) {
		panic(&ml.ShapeError{Op: op, Shapes: [][]int{shape, otherShape}, Err: err})
	}

	var rhs any
	switch {
	case slices.Equal(shape, otherShape):
		rhs = other.d
	case size(otherShape) == 1:
		rhs = first(other.d)
	case isRow(shape, otherShape), isColumn(shape, otherShape):
		cols := shape[len(shape)-1]
		rows := size(shape) / cols

		var err error
		if isRow(shape, otherShape) {
			rhs, err = outer(tensor.Ones(tensor.Float32, rows, 1), reshape(other.d, 1, cols))
		} else {
			rhs, err = outer(reshape(other.d, rows, 1), tensor.Ones(tensor.Float32, 1, cols))
		}
		if err != nil {
			fail(err)
		}

		rhs = reshape(rhs.(*tensor.Dense), shape...)
	default:
		fail(errors.New("operands cannot be broadcast"))
	}

	out, err := fn(t.d, rhs)
	if err != nil {
		fail(err)
	}

	return result(ctx, out, shape)
}

func first(d *tensor.Dense) float32 {
	switch v := d.Data().(type) {
	case float32:
		return v
	case []float32:
		return v[0]
	default:
		panic(&ml.ShapeError{Op: "broadcast", Shapes: [][]int{d.Shape()}, Err: fmt.Errorf("unsupported type %v", d.Dtype())})
	}
}

// isRow reports whether other is a single row as wide as the last
// dimension of shape.
func isRow(shape, other []int) bool {
	if len(shape) < 2 || len(other) > len(shape) || other[len(other)-1] != shape[len(shape)-1] {
		return false
	}

	return size(other) == other[len(other)-1]
}

// isColumn reports whether other matches shape in every dimension except
// the last, which is 1.
func isColumn(shape, other []int) bool {
	if len(shape) != len(other) || other[len(other)-1] != 1 {
		return false
	}

	return slices.Equal(shape[:len(shape)-1], other[:len(other)-1])
}

func outer(a, b *tensor.Dense) (*tensor.Dense, error) {
	t, err := tensor.MatMul(a, b)
	if err != nil {
		return nil, err
	}

	return t.(*tensor.Dense), nil
}

func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	other := t2.(*Tensor)
	out, err := tensor.MatMul(t.d, other.d)
	if err != nil {
		panic(&ml.ShapeError{Op: "matmul", Shapes: [][]int{t.Shape(), other.Shape()}, Err: err})
	}

	return result(ctx, out, []int{t.Dim(0), other.Dim(1)})
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out, err := tensor.Mul(t.d, float32(s))
	if err != nil {
		panic(&ml.ShapeError{Op: "scale", Shapes: [][]int{t.Shape()}, Err: err})
	}

	return result(ctx, out, t.Shape())
}

// Sum reduces dim. Reducing the only dimension leaves a single value of
// shape (1).
func (t *Tensor) Sum(ctx ml.Context, dim int) ml.Tensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) {
		panic(&ml.ShapeError{Op: "sum", Shapes: [][]int{shape}, Err: fmt.Errorf("dimension %d out of range", dim)})
	}

	d := t.d
	want := slices.Delete(slices.Clone(shape), dim, dim+1)
	if len(shape) == 1 {
		d, dim, want = reshape(d, 1, shape[0]), 1, []int{1}
	}

	out, err := d.Sum(dim)
	if err != nil {
		panic(&ml.ShapeError{Op: "sum", Shapes: [][]int{shape}, Err: err})
	}

	return result(ctx, out, want)
}

// Softmax normalizes over the last dimension.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	shape := t.Shape()
	cols := shape[len(shape)-1]
	rows := size(shape) / cols
	fail := func(err error) {
		panic(&ml.ShapeError{Op: "softmax", Shapes: [][]int{shape}, Err: err})
	}

	x := reshape(t.d, rows, cols)
	m, err := x.Max(1)
	if err != nil {
		fail(err)
	}

	// subtract the row max so exp never overflows
	m, err = outer(reshape(m, rows, 1), tensor.Ones(tensor.Float32, 1, cols))
	if err != nil {
		fail(err)
	}

	shifted, err := tensor.Sub(x, m)
	if err != nil {
		fail(err)
	}

	e, err := tensor.Exp(shifted)
	if err != nil {
		fail(err)
	}

	s, err := e.(*tensor.Dense).Sum(1)
	if err != nil {
		fail(err)
	}

	s, err = outer(reshape(s, rows, 1), tensor.Ones(tensor.Float32, 1, cols))
	if err != nil {
		fail(err)
	}

	out, err := tensor.Div(e, s)
	if err != nil {
		fail(err)
	}

	return result(ctx, out, shape)
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	fail := func(err error) {
		panic(&ml.ShapeError{Op: "sigmoid", Shapes: [][]int{t.Shape()}, Err: err})
	}

	neg, err := tensor.Neg(t.d)
	if err != nil {
		fail(err)
	}

	e, err := tensor.Exp(neg)
	if err != nil {
		fail(err)
	}

	d, err := tensor.Add(e, float32(1))
	if err != nil {
		fail(err)
	}

	out, err := tensor.Div(float32(1), d)
	if err != nil {
		fail(err)
	}

	return result(ctx, out, t.Shape())
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	out, err := tensor.Tanh(t.d)
	if err != nil {
		panic(&ml.ShapeError{Op: "tanh", Shapes: [][]int{t.Shape()}, Err: err})
	}

	return result(ctx, out, t.Shape())
}

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	out, err := tensor.Clamp(t.d, float32(0), float32(math.MaxFloat32))
	if err != nil {
		panic(&ml.ShapeError{Op: "relu", Shapes: [][]int{t.Shape()}, Err: err})
	}

	return result(ctx, out, t.Shape())
}

func (t *Tensor) Sqrt(ctx ml.Context) ml.Tensor {
	out, err := tensor.Sqrt(t.d)
	if err != nil {
		panic(&ml.ShapeError{Op: "sqrt", Shapes: [][]int{t.Shape()}, Err: err})
	}

	return result(ctx, out, t.Shape())
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = slices.Clone(shape)
	if err := inferShape(t, shape); err != nil {
		panic(&ml.ShapeError{Op: "reshape", Shapes: [][]int{t.Shape(), shape}, Err: err})
	}

	return result(ctx, t.d, shape)
}

// inferShape replaces a single -1 in shape with the size that keeps the
// number of elements unchanged.
func inferShape(t *Tensor, shape []int) error {
	total := size(t.Shape())
	inferred := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1:
			if inferred >= 0 {
				return errors.New("only one dimension can be inferred")
			}
			inferred = i
		case d <= 0:
			return errors.New("dimension must be positive")
		default:
			known *= d
		}
	}

	if inferred >= 0 {
		if total%known != 0 {
			return errors.New("cannot infer dimension")
		}
		shape[inferred] = total / known
	}

	if size(shape) != total {
		return fmt.Errorf("cannot reshape %d elements", total)
	}

	return nil
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	other := t2.(*Tensor)
	shape, otherShape := t.Shape(), other.Shape()
	if len(shape) != len(otherShape) || dim < 0 || dim >= len(shape) {
		panic(&ml.ShapeError{Op: "concat", Shapes: [][]int{shape, otherShape}, Err: fmt.Errorf("cannot concatenate along dimension %d", dim)})
	}

	out, err := tensor.Concat(dim, t.d, other.d)
	if err != nil {
		panic(&ml.ShapeError{Op: "concat", Shapes: [][]int{shape, otherShape}, Err: err})
	}

	want := slices.Clone(shape)
	want[dim] += otherShape[dim]
	return result(ctx, out, want)
}

// Stack joins t and s along a new dimension inserted at dim.
func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	shape := t.Shape()
	shapes := [][]int{shape}
	others := make([]tensor.Tensor, len(s))
	for i, o := range s {
		other := o.(*Tensor)
		shapes = append(shapes, other.Shape())
		if !slices.Equal(shape, other.Shape()) {
			panic(&ml.ShapeError{Op: "stack", Shapes: shapes, Err: errors.New("tensors must have the same shape")})
		}
		others[i] = other.d
	}

	if dim < 0 || dim > len(shape) {
		panic(&ml.ShapeError{Op: "stack", Shapes: shapes, Err: fmt.Errorf("dimension %d out of range", dim)})
	}

	want := slices.Insert(slices.Clone(shape), dim, len(s)+1)
	if len(s) == 0 {
		return result(ctx, t.d, want)
	}

	out, err := tensor.Stack(dim, t.d, others...)
	if err != nil {
		panic(&ml.ShapeError{Op: "stack", Shapes: shapes, Err: err})
	}

	return result(ctx, out, want)
}

// Rows gathers rows of a 2D table t for the ids in t2.
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := t2.Ints()
	shape := t.Shape()
	fail := func(err error) {
		panic(&ml.ShapeError{Op: "rows", Shapes: [][]int{shape, t2.Shape()}, Err: err})
	}

	if len(shape) != 2 || ids == nil {
		fail(errors.New("rows needs a 2D table and int32 ids"))
	}

	table, err := native.SelectF32(t.d, 0)
	if err != nil {
		fail(err)
	}

	data := make([]float32, 0, len(ids)*shape[1])
	for _, id := range ids {
		if id < 0 || int(id) >= len(table) {
			fail(fmt.Errorf("id %d out of range [0, %d)", id, len(table)))
		}
		data = append(data, table[id]...)
	}

	return result(ctx, tensor.New(tensor.WithShape(len(ids), shape[1]), tensor.WithBacking(data)), []int{len(ids), shape[1]})
}

// reshape returns a view of d with a new shape. d itself is left untouched.
func reshape(d *tensor.Dense, shape ...int) *tensor.Dense {
	if slices.Equal([]int(d.Shape()), shape) {
		return d
	}

	v := d.ShallowClone()
	if err := v.Reshape(shape...); err != nil {
		panic(&ml.ShapeError{Op: "reshape", Shapes: [][]int{d.Shape(), shape}, Err: err})
	}

	return v
}

// result wraps an engine result, normalizing the shape the engine reports
// to the one the operation promises.
func result(ctx ml.Context, out tensor.Tensor, shape []int) ml.Tensor {
	d, ok := out.(*tensor.Dense)
	if !ok {
		panic(&ml.ShapeError{Op: "result", Shapes: [][]int{shape}, Err: fmt.Errorf("unexpected engine result %T", out)})
	}

	d = reshape(d, shape...)
	if c, ok := ctx.(*Context); ok {
		return c.wrap(d)
	}

	return &Tensor{d: d}
}
