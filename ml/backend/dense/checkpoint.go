package dense

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/S-Moer/DeepCTR/ml"
)

// checkpoint is the on-disk parameter format: a CBOR document with one
// entry per parameter in creation order. Payloads are little endian.
type checkpoint struct {
	Architecture string             `cbor:"architecture"`
	Tensors      []checkpointTensor `cbor:"tensors"`
}

type checkpointTensor struct {
	Name  string `cbor:"name"`
	DType string `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

type storedTensor struct {
	Shape  []int
	Values []float32
}

func writeCheckpoint(w io.Writer, arch string, params []*Tensor, dtype ml.DType) error {
	ckpt := checkpoint{Architecture: arch}
	for _, t := range params {
		data, err := encodeValues(t.Floats(), dtype)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}

		ckpt.Tensors = append(ckpt.Tensors, checkpointTensor{
			Name:  t.name,
			DType: dtype.String(),
			Shape: t.Shape(),
			Data:  data,
		})
	}

	return cbor.NewEncoder(w).Encode(ckpt)
}

func readCheckpoint(path string) (*checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ckpt checkpoint
	if err := cbor.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &ckpt, nil
}

func (c *checkpoint) decode() (map[string]storedTensor, error) {
	tensors := make(map[string]storedTensor, len(c.Tensors))
	for _, t := range c.Tensors {
		dtype, err := ml.ParseDType(t.DType)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name, err)
		}

		values, err := decodeValues(t.Data, dtype)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name, err)
		}

		if len(values) != size(t.Shape) {
			return nil, fmt.Errorf("%s: %d values for shape %v", t.Name, len(values), t.Shape)
		}

		tensors[t.Name] = storedTensor{Shape: t.Shape, Values: values}
	}

	return tensors, nil
}

func encodeValues(f32s []float32, dtype ml.DType) ([]byte, error) {
	switch dtype {
	case ml.DTypeF32:
		b := make([]byte, 0, 4*len(f32s))
		for _, f := range f32s {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
		}
		return b, nil
	case ml.DTypeF16:
		b := make([]byte, 0, 2*len(f32s))
		for _, f := range f32s {
			b = binary.LittleEndian.AppendUint16(b, float16.Fromfloat32(f).Bits())
		}
		return b, nil
	case ml.DTypeBF16:
		b := make([]byte, 0, 2*len(f32s))
		for _, f := range f32s {
			b = binary.LittleEndian.AppendUint16(b, bf16Bits(f))
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}

func decodeValues(data []byte, dtype ml.DType) ([]float32, error) {
	switch dtype {
	case ml.DTypeF32:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("truncated f32 payload of %d bytes", len(data))
		}

		f32s := make([]float32, len(data)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return f32s, nil
	case ml.DTypeF16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("truncated f16 payload of %d bytes", len(data))
		}

		f32s := make([]float32, len(data)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
		return f32s, nil
	case ml.DTypeBF16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("truncated bf16 payload of %d bytes", len(data))
		}

		return bfloat16.DecodeFloat32(data), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}

// bf16Bits rounds f to the nearest bfloat16, ties to even.
func bf16Bits(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		// keep NaN a NaN after truncation
		return uint16(bits>>16) | 0x40
	}

	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}
