package model

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"

	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/ml"
	_ "github.com/S-Moer/DeepCTR/ml/backend"
	"github.com/S-Moer/DeepCTR/model/input"
)

var (
	ErrUnsupportedModel = errors.New("unsupported model architecture")
	ErrInvalidConfig    = errors.New("invalid model configuration")
)

// ConfigError identifies the configuration field that prevented a model
// from being built.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Model implements a specific model architecture, defining the forward pass and any model-specific configuration
type Model interface {
	Forward(ml.Context, input.Batch) (*Outputs, error)

	Backend() ml.Backend
}

// Component describes one building block of a model.
type Component struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// Input and Output are feature widths. Candidates is the number of
	// experts a gate mixes.
	Input      int `json:"input,omitempty"`
	Output     int `json:"output,omitempty"`
	Candidates int `json:"candidates,omitempty"`
}

// Summarizer is implemented by models that can describe their structure.
type Summarizer interface {
	Summary() []Component
}

// Task names one prediction of a model and its output policy.
type Task struct {
	Name string
	Type string
}

// Describer is implemented by models that report the predictions they make
// and the raw features they read.
type Describer interface {
	Tasks() []Task
	Features() []input.Column
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
}

func NewBase(b ml.Backend) Base {
	return Base{b: b}
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

var models = make(map[string]func(ml.Backend) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(ml.Backend) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New creates a backend for c and builds the model of its architecture.
// Configuration errors are reported before any parameter is created.
func New(c fs.Config, params ml.BackendParams) (Model, error) {
	arch := c.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedModel, arch)
	}

	b, err := ml.NewBackend(c, params)
	if err != nil {
		return nil, err
	}

	m, err := f(b)
	if err != nil {
		return nil, err
	}

	slog.Debug("model created", "architecture", arch, "parameters", len(b.Parameters()))
	return m, nil
}

// Forward evaluates m on batch. Shape errors raised while the graph is
// built are returned rather than propagated as panics.
func Forward(ctx ml.Context, m Model, batch input.Batch) (*Outputs, error) {
	var outputs *Outputs
	var ferr error
	if err := ml.Guard(func() { outputs, ferr = m.Forward(ctx, batch) }); err != nil {
		return nil, err
	} else if ferr != nil {
		return nil, ferr
	}

	ctx.Forward(outputs.Values()...).Compute(outputs.Values()...)
	return outputs, nil
}

// Outputs maps task names to predictions in declaration order.
type Outputs struct {
	m *linkedhashmap.Map[string, ml.Tensor]
}

func NewOutputs() *Outputs {
	return &Outputs{m: linkedhashmap.New[string, ml.Tensor]()}
}

func (o *Outputs) Put(name string, t ml.Tensor) {
	o.m.Put(name, t)
}

func (o *Outputs) Get(name string) (ml.Tensor, bool) {
	return o.m.Get(name)
}

func (o *Outputs) Len() int {
	return o.m.Size()
}

func (o *Outputs) Names() []string {
	return o.m.Keys()
}

func (o *Outputs) Values() []ml.Tensor {
	return o.m.Values()
}

func (o *Outputs) All() iter.Seq2[string, ml.Tensor] {
	return func(yield func(string, ml.Tensor) bool) {
		it := o.m.Iterator()
		for it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}
