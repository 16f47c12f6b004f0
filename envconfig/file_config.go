package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration file. Environment variables take
// precedence over it.
type Config struct {
	Server struct {
		Host string `toml:"host"`
	} `toml:"server"`

	Model struct {
		Seed    uint64 `toml:"seed"`
		Weights string `toml:"weights"`
	} `toml:"model"`

	Performance struct {
		NumParallel int `toml:"num_parallel"`
	} `toml:"performance"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths, most
// specific first. PLE_CONFIG names an explicit file.
func GetConfigPaths() []string {
	if p := clean("PLE_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		paths = append(paths, filepath.Join(xdgConfig, "ple", "config.toml"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "ple", "config.toml"),
			filepath.Join(home, ".ple", "config.toml"),
		)
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "PLE_HOST":
		return config.Server.Host
	case "PLE_SEED":
		if config.Model.Seed > 0 {
			return strconv.FormatUint(config.Model.Seed, 10)
		}
	case "PLE_WEIGHTS":
		return config.Model.Weights
	case "PLE_NUM_PARALLEL":
		if config.Performance.NumParallel > 0 {
			return strconv.Itoa(config.Performance.NumParallel)
		}
	case "PLE_DEBUG":
		if config.Logging.Debug > 0 {
			return strconv.Itoa(config.Logging.Debug)
		}
	}

	return ""
}

// resetConfigFile forgets the loaded config file so the next lookup reads
// it again.
func resetConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# PLE configuration file
# Environment variables (PLE_HOST, PLE_SEED, ...) override these values.

[server]
# Network binding address (default: "127.0.0.1:8555")
host = "127.0.0.1:8555"

[model]
# Parameter initialization seed, 0 keeps the seed of the model config
seed = 0
# Checkpoint written by "ple export"
weights = ""

[performance]
# Number of task branches evaluated in parallel (default: 1)
num_parallel = 1

[logging]
# 1 for debug logs, 2 for tensor traces
debug = 0
`
}
