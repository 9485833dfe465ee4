package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"FDB5_CONFIG", "FDB5_CONFIG_FILE", "FDB_HOME", "FDB_SCHEMA_FILE"} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaultsWithNoEnv(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7654, cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadInlineYAMLTakesPrecedence(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("FDB5_CONFIG", "serverPort: 9000\nlogLevel: debug\n")
	os.Setenv("FDB5_CONFIG_FILE", "/should/not/be/read.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ServerPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	clearConfigEnv(t)
	path := t.TempDir() + "/fdb.yaml"
	require.NoError(t, os.WriteFile(path, []byte("schema: ~fdb/etc/schema\n"), 0o644))
	os.Setenv("FDB5_CONFIG_FILE", path)
	os.Setenv("FDB_HOME", "/opt/fdb")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/fdb/etc/schema", cfg.SchemaPath)
}

func TestFDBSchemaFileOverridesConfig(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("FDB5_CONFIG", "schema: /from/config.yaml\n")
	os.Setenv("FDB_SCHEMA_FILE", "/explicit/schema")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/explicit/schema", cfg.SchemaPath)
}
