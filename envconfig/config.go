package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/S-Moer/DeepCTR/logutil"
)

const defaultPort = "8555"

var ErrInvalidHostPort = errors.New("invalid port specified in PLE_HOST")

var (
	// Set via PLE_DEBUG in the environment. 1 enables debug logs, 2 trace logs.
	Debug int
	// Set via PLE_NUM_PARALLEL in the environment
	NumParallel int
	// Set via PLE_SEED in the environment. Zero keeps the seed of the model config.
	Seed uint64
	// Set via PLE_WEIGHTS in the environment
	Weights string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	host, _ := Host()
	return map[string]EnvVar{
		"PLE_DEBUG":        {"PLE_DEBUG", Debug, "Show additional debug information (e.g. PLE_DEBUG=1, PLE_DEBUG=2 for tensor traces)"},
		"PLE_HOST":         {"PLE_HOST", host, "IP Address for the prediction server (default 127.0.0.1:" + defaultPort + ")"},
		"PLE_NUM_PARALLEL": {"PLE_NUM_PARALLEL", NumParallel, "Maximum number of task branches evaluated in parallel (default 1)"},
		"PLE_SEED":         {"PLE_SEED", Seed, "Override the parameter initialization seed of the model"},
		"PLE_WEIGHTS":      {"PLE_WEIGHTS", Weights, "Checkpoint to load parameters from"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment and falls back to the config file.
func lookup(key string) string {
	if s := clean(key); s != "" {
		return s
	}

	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := lookup("PLE_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = max(n, 0)
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	NumParallel = 1
	if onp := lookup("PLE_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "PLE_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	Seed = 0
	if seed := lookup("PLE_SEED"); seed != "" {
		val, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "PLE_SEED", seed, "error", err)
		} else {
			Seed = val
		}
	}

	Weights = lookup("PLE_WEIGHTS")
}

// LogLevel maps PLE_DEBUG to a slog level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type HostPort struct {
	Host string
	Port string
}

func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// Host returns the address of the prediction server from PLE_HOST. Missing
// parts default to 127.0.0.1 and port 8555.
func Host() (HostPort, error) {
	defaultHost, port := "127.0.0.1", defaultPort

	s := lookup("PLE_HOST")
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "\"'"))
	if s == "" {
		return HostPort{Host: defaultHost, Port: port}, nil
	}

	host, p, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		}
	} else {
		port = p
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n < 0 || n > 65535 {
		slog.Warn("invalid port", "PLE_HOST", s, "port", port)
		return HostPort{}, ErrInvalidHostPort
	}

	return HostPort{Host: strings.Trim(host, "[]"), Port: port}, nil
}
