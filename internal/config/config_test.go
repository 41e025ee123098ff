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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "server.url", cfg.URLFile)
	assert.Equal(t, "datasets", cfg.DatasetDir)
	assert.Zero(t, cfg.Latency)
	assert.Empty(t, cfg.Remotes)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
port: 9000
datasets: /srv/datasets
latency: 250ms
additional_info: nightly
device:
  os: linux
remotes:
  - endpoint: ws://sgw:4984/db
    dataset: names
    users:
      user1: pass
    read_only: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "server.url", cfg.URLFile, "unset keys keep their defaults")
	assert.Equal(t, "/srv/datasets", cfg.DatasetDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Latency)
	assert.Equal(t, "nightly", cfg.AdditionalInfo)
	assert.Equal(t, map[string]any{"os": "linux"}, cfg.Device)

	require.Len(t, cfg.Remotes, 1)
	r := cfg.Remotes[0]
	assert.Equal(t, "ws://sgw:4984/db", r.Endpoint)
	assert.Equal(t, "names", r.Dataset)
	assert.Equal(t, map[string]string{"user1": "pass"}, r.Users)
	assert.True(t, r.ReadOnly)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\nport: 9000\n"), 0o644))

	t.Setenv("TESTSERVER_LISTEN", ":7070")
	t.Setenv("TESTSERVER_PORT", "7070")
	t.Setenv("TESTSERVER_URL_FILE", "/tmp/url")
	t.Setenv("TESTSERVER_LATENCY", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/tmp/url", cfg.URLFile)
	assert.Equal(t, time.Second, cfg.Latency)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "malformed yaml", file: "listen: [unclosed"},
		{name: "bad port", env: map[string]string{"TESTSERVER_PORT": "eighty"}},
		{name: "bad latency", env: map[string]string{"TESTSERVER_LATENCY": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "testserver.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o644))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("TESTSERVER_SOMETHING", "set")
	assert.Equal(t, "set", getenv("TESTSERVER_SOMETHING", "def"))
	assert.Equal(t, "def", getenv("TESTSERVER_UNSET_FOR_TEST", "def"))
}
