package fs

import (
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// KV holds model metadata. Keys outside the "general." namespace are
// stored with the architecture as prefix, e.g. "ple.num_levels".
type KV map[string]any

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) Name() string {
	return kv.String("general.name")
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	// toml writes whole numbers such as "dnn_dropout = 0" as integers
	if u, ok := kv[kv.key(key)].(uint32); ok {
		return float32(u)
	}

	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	return arrayValue(kv, key, append(defaultValue, []string(nil))[0])
}

func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	return arrayValue(kv, key, append(defaultValue, []uint32(nil))[0])
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	return arrayValue(kv, key, append(defaultValue, []float32(nil))[0])
}

func (kv KV) Len() int {
	return len(kv)
}

func (kv KV) Keys() iter.Seq[string] {
	return slices.Values(slices.Sorted(maps.Keys(kv)))
}

func (kv KV) Value(key string) any {
	return kv[kv.key(key)]
}

func (kv KV) key(key string) string {
	if strings.HasPrefix(key, "general.") {
		return key
	}

	return kv.Architecture() + "." + key
}

type valueTypes interface {
	string | uint32 | float32 | bool
}

func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	key = kv.key(key)
	if val, ok := kv[key].(T); ok {
		return val, true
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}

// arrayValue returns the array stored under key. An empty array of any
// element type is returned as an empty, non-nil slice so callers can tell
// "set to nothing" apart from "not set".
func arrayValue[S ~[]E, E valueTypes](kv KV, key string, defaultValue S) S {
	key = kv.key(key)
	switch val := kv[key].(type) {
	case S:
		return val
	case []any:
		if len(val) == 0 {
			return S{}
		}
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue)
	return defaultValue
}
