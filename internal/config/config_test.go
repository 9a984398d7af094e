package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StorageSQLite, cfg.Storage.Type)
	assert.Equal(t, "sky.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "flights", cfg.Storage.TableName)
	assert.Equal(t, DefaultAPIEndpoint, cfg.Extract.APIEndpoint)
	assert.Equal(t, 2*time.Hour, cfg.Extract.Window)
	assert.Equal(t, 30*time.Second, cfg.Extract.Timeout)
	assert.Equal(t, "", cfg.Notify.NATSURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "PostgreSQL")
	t.Setenv("POSTGRES_URI", "postgres://localhost/flights")
	t.Setenv("FETCH_WINDOW", "30m")
	t.Setenv("API_TIMEOUT", "5s")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoragePostgres, cfg.Storage.Type)
	assert.Equal(t, "postgres://localhost/flights", cfg.Storage.PostgresURI)
	assert.Equal(t, 30*time.Minute, cfg.Extract.Window)
	assert.Equal(t, 5*time.Second, cfg.Extract.Timeout)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("API_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultTimeout, cfg.Extract.Timeout)
}

func TestLoad_UnsupportedStorage(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "cassandra")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage type: cassandra")
}

func TestValidate_NonPositiveWindow(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Extract.Window = 0
	assert.ErrorContains(t, cfg.Validate(), "fetch window must be positive")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("FLIGHTETL_TEST_VALUE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FLIGHTETL_TEST_VALUE") })

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("FLIGHTETL_TEST_VALUE"))
}

func TestLoadEnvFile_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.env")

	assert.NoError(t, LoadEnvFile(missing, false))
	assert.Error(t, LoadEnvFile(missing, true))
}
