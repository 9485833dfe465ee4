// Package config loads the server-side configuration the engine and
// server need to start: which stores exist, where the
// schema file lives, and the port ranges the server may hand out.
// Schema grammar parsing and CLI argument resolution are genuinely out
// of scope; this package covers only the ambient YAML-plus-env-var
// loading every other component needs to even start.
package config

import (
	"os"

	"github.com/arkfield/fdb/pkg/fdberr"
	"gopkg.in/yaml.v3"
)

// StoreConfig describes one configured back-end root.
type StoreConfig struct {
	Type string `yaml:"type"`
	Root string `yaml:"root"`
}

// Config is the top-level server configuration document.
type Config struct {
	Stores                 []StoreConfig     `yaml:"stores"`
	FieldLocationEndpoints map[string]string `yaml:"fieldLocationEndpoints"`
	Roots                  []string          `yaml:"roots"`
	SchemaPath             string            `yaml:"schema"`

	ServerHost       string `yaml:"host"`
	ServerPort       int    `yaml:"serverPort"`
	ServerThreaded   bool   `yaml:"serverThreaded"`
	DataPortStart    int    `yaml:"dataPortStart"`
	DataPortCount    int    `yaml:"dataPortCount"`
	ReadLimiterBytes int64  `yaml:"readLimiterBytes"`

	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJSON"`
	Permissions string `yaml:"permissions"`
}

// Default returns the configuration applied when neither FDB5_CONFIG
// nor FDB5_CONFIG_FILE is set.
func Default() *Config {
	return &Config{
		ServerHost:     "0.0.0.0",
		ServerPort:     7654,
		DataPortStart:  7655,
		DataPortCount:  100,
		LogLevel:       "info",
		ServerThreaded: true,
	}
}

// Load resolves configuration from the environment:
// FDB5_CONFIG (inline YAML) takes precedence over FDB5_CONFIG_FILE
// (path to YAML); with neither set, Default is returned. FDB_HOME, if
// set, is used to expand a leading "~fdb/" in SchemaPath and Roots.
func Load() (*Config, error) {
	cfg := Default()

	var data []byte
	switch {
	case os.Getenv("FDB5_CONFIG") != "":
		data = []byte(os.Getenv("FDB5_CONFIG"))
	case os.Getenv("FDB5_CONFIG_FILE") != "":
		path := os.Getenv("FDB5_CONFIG_FILE")
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fdberr.New(fdberr.UsageError, "config.Load", err).WithURI(path)
		}
		data = b
	default:
		return applySchemaOverride(cfg), nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fdberr.New(fdberr.UsageError, "config.Load", err)
	}
	return applySchemaOverride(cfg), nil
}

func applySchemaOverride(cfg *Config) *Config {
	if explicit := os.Getenv("FDB_SCHEMA_FILE"); explicit != "" {
		cfg.SchemaPath = explicit
	}
	cfg.SchemaPath = expandHome(cfg.SchemaPath)
	for i, root := range cfg.Roots {
		cfg.Roots[i] = expandHome(root)
	}
	return cfg
}

func expandHome(path string) string {
	const prefix = "~fdb/"
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return path
	}
	home := os.Getenv("FDB_HOME")
	if home == "" {
		return path
	}
	return home + "/" + path[len(prefix):]
}
