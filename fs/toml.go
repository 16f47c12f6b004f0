package fs

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/BurntSushi/toml"
)

// DecodeTOML reads a model description. Top level tables become key
// prefixes so that
//
//	[general]
//	architecture = "ple"
//
//	[ple]
//	num_levels = 2
//
// yields the keys "general.architecture" and "ple.num_levels". Integers
// are stored as uint32, floats as float32 and homogeneous arrays as typed
// slices. Arrays of tables are kept as []map[string]any.
func DecodeTOML(r io.Reader) (KV, error) {
	var doc map[string]any
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}

	kv := make(KV)
	for section, v := range doc {
		table, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode toml: top level key %q must be a table", section)
		}

		for name, value := range table {
			key := section + "." + name
			normalized, err := normalize(value)
			if err != nil {
				return nil, fmt.Errorf("decode toml: %s: %w", key, err)
			}

			kv[key] = normalized
		}
	}

	return kv, nil
}

// DecodeTOMLFile is DecodeTOML for a path on disk.
func DecodeTOMLFile(path string) (KV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return DecodeTOML(f)
}

func normalize(value any) (any, error) {
	switch v := value.(type) {
	case int64:
		if v < 0 || v > math.MaxUint32 {
			return nil, fmt.Errorf("integer %d out of range", v)
		}
		return uint32(v), nil
	case float64:
		return float32(v), nil
	case string, bool:
		return v, nil
	case []map[string]any:
		return v, nil
	case []any:
		return normalizeArray(v)
	default:
		return nil, fmt.Errorf("unsupported value of type %T", value)
	}
}

func normalizeArray(values []any) (any, error) {
	if len(values) == 0 {
		return values, nil
	}

	switch values[0].(type) {
	case int64:
		return collect(values, func(v any) (uint32, bool) {
			i, ok := v.(int64)
			return uint32(i), ok && i >= 0 && i <= math.MaxUint32
		})
	case float64:
		return collect(values, func(v any) (float32, bool) {
			switch f := v.(type) {
			case float64:
				return float32(f), true
			case int64:
				return float32(f), true
			}
			return 0, false
		})
	case string:
		return collect(values, func(v any) (string, bool) {
			s, ok := v.(string)
			return s, ok
		})
	case bool:
		return collect(values, func(v any) (bool, bool) {
			b, ok := v.(bool)
			return b, ok
		})
	case map[string]any:
		return collect(values, func(v any) (map[string]any, bool) {
			m, ok := v.(map[string]any)
			return m, ok
		})
	default:
		return nil, fmt.Errorf("unsupported array element of type %T", values[0])
	}
}

func collect[T any](values []any, fn func(any) (T, bool)) ([]T, error) {
	s := make([]T, len(values))
	for i, v := range values {
		t, ok := fn(v)
		if !ok {
			return nil, fmt.Errorf("mixed or out of range array element %v", v)
		}
		s[i] = t
	}

	return s, nil
}
