package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so no stray .env or filestore.yaml is read.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "azure", cfg.Storage.Provider)
	assert.Equal(t, 15*time.Minute, cfg.Storage.PresignTTL)
	assert.Zero(t, cfg.Storage.OperationTimeout)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(32<<20), cfg.MaxUploadBytes)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.yaml")
	yaml := strings.Join([]string{
		"provider: local",
		"container_name: from-file",
		"connection_string: root=/srv/files",
		"presign_ttl: 1h",
		"operation_timeout: 30s",
		"port: 9000",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("FILESTORE_CONTAINER_NAME", "from-env")
	t.Setenv("FILESTORE_ALLOW_UNSIGNED_URLS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Storage.Provider)
	assert.Equal(t, "from-env", cfg.Storage.ContainerName)
	assert.Equal(t, "root=/srv/files", cfg.Storage.ConnectionString)
	assert.Equal(t, time.Hour, cfg.Storage.PresignTTL)
	assert.Equal(t, 30*time.Second, cfg.Storage.OperationTimeout)
	assert.True(t, cfg.Storage.AllowUnsignedURLs)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoad_DefaultFileAndDotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filestore.yaml"), []byte("container_name: yaml-container\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FILESTORE_CONNECTION_STRING=root=/from/dotenv\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "yaml-container", cfg.Storage.ContainerName)
	assert.Equal(t, "root=/from/dotenv", cfg.Storage.ConnectionString)
}

func TestLoad_Precedence(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filestore.yaml"), []byte("container_name: from-yaml\nport: 9100\n"), 0o600))
	dotenv := strings.Join([]string{
		"FILESTORE_CONTAINER_NAME=from-dotenv",
		"FILESTORE_PORT=9200",
		"FILESTORE_PROVIDER=memory",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Storage.ContainerName, "YAML outranks .env")
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "memory", cfg.Storage.Provider, ".env outranks built-in defaults")
	_, exported := os.LookupEnv("FILESTORE_CONTAINER_NAME")
	assert.False(t, exported, "FILESTORE_* values from .env stay out of the process environment")

	t.Setenv("FILESTORE_CONTAINER_NAME", "from-env")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Storage.ContainerName, "environment outranks YAML")
}

func TestLoad_Errors(t *testing.T) {
	chdir(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("FILESTORE_PORT", "70000")
	_, err = Load("")
	assert.ErrorContains(t, err, "port")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "a.txt")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"key":"a.txt"`)

	buf.Reset()
	NewLogger("bogus", "text", &buf).Info("fallback level")
	assert.Contains(t, buf.String(), "fallback level")
}
