package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/S-Moer/DeepCTR/fs"
)

type Backend interface {
	Config() fs.Config

	// Parameter returns the named parameter, creating it with init on
	// first use. A parameter loaded from a checkpoint is returned as is
	// as long as its shape matches.
	Parameter(name string, init Initializer, shape ...int) Tensor
	Get(name string) Tensor
	Parameters() []string

	NewContext() Context
	Parallelism() int

	Save(w io.Writer, dtype DType) error
}

// BackendParams controls how the backend creates and loads parameters
type BackendParams struct {
	// Backend selects a registered backend. Empty means "dense".
	Backend string

	// Seed overrides the model's configured seed when non-zero.
	Seed uint64

	// Weights is an optional checkpoint to load parameters from.
	Weights string

	// NumParallel bounds the number of per-task branches evaluated at once.
	NumParallel int
}

var backends = make(map[string]func(fs.Config, BackendParams) (Backend, error))

func RegisterBackend(name string, f func(fs.Config, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(c fs.Config, params BackendParams) (Backend, error) {
	name := params.Backend
	if name == "" {
		name = "dense"
	}

	if backend, ok := backends[name]; ok {
		return backend(c, params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	Forward(...Tensor) Context
	Compute(...Tensor)
	Close()
}

// Tensor is a row major tensor. Operations never modify their receiver or
// arguments. They panic with a *ShapeError when operands do not line up.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	// Add, Sub, Mul and Div are elementwise. t2 may also be a single
	// value, a row matching the last dimension, or a column matching all
	// but the last dimension.
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	Matmul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor
	Sum(ctx Context, dim int) Tensor

	Softmax(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	Tanh(ctx Context) Tensor
	RELU(ctx Context) Tensor
	Sqrt(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Stack(ctx Context, dim int, s ...Tensor) Tensor
	Rows(ctx Context, t2 Tensor) Tensor
}

// ShapeError reports operands that cannot be combined.
type ShapeError struct {
	Op     string
	Shapes [][]int
	Err    error
}

func (e *ShapeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	for _, s := range e.Shapes {
		fmt.Fprintf(&sb, " %v", s)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}

	return sb.String()
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}

// Guard runs fn and returns a *ShapeError raised inside it as an error.
// Other panics are not recovered.
func Guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if serr, ok := r.(*ShapeError); ok {
				err = serr
				return
			}

			panic(r)
		}
	}()

	fn()
	return nil
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump[[]float32](t, opts[0])
	case DTypeI32:
		return dump[[]int32](t, opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](t Tensor, opts DumpOptions) string {
	bts := t.Bytes()
	if bts == nil {
		return "<nil>"
	}

	shape := t.Shape()
	s := make(S, mul(shape...))
	if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, &s); err != nil {
		panic(err)
	}

	format := func(v E) string {
		if f, ok := any(v).(float32); ok {
			return fmt.Sprintf("%.*f", opts.Precision, f)
		}
		return fmt.Sprint(v)
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		sb.WriteString("[")
		defer sb.WriteString("]")
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				sb.WriteString("..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += skip * mul(dims[1:]...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				sb.WriteString(format(s[stride+i]))
				if i < dims[0]-1 {
					sb.WriteString(", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "":
		return DTypeF32, nil
	case "f16", "float16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported dtype %q", s)
	}
}
