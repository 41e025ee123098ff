package main

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/config"
)

func stubAddrs(t *testing.T, addrs []net.Addr, err error) {
	t.Helper()
	orig := interfaceAddrs
	interfaceAddrs = func() ([]net.Addr, error) { return addrs, err }
	t.Cleanup(func() { interfaceAddrs = orig })
}

func ipNet(s string) *net.IPNet {
	return &net.IPNet{IP: net.ParseIP(s), Mask: net.CIDRMask(24, 32)}
}

func TestLocalAddress(t *testing.T) {
	tests := []struct {
		name    string
		addrs   []net.Addr
		err     error
		want    string
		wantErr bool
	}{
		{name: "skips loopback", addrs: []net.Addr{ipNet("127.0.0.1"), ipNet("10.0.0.5")}, want: "10.0.0.5"},
		{name: "prefers ipv4", addrs: []net.Addr{ipNet("fd00::1"), ipNet("192.168.1.2")}, want: "192.168.1.2"},
		{name: "falls back to ipv6", addrs: []net.Addr{ipNet("::1"), ipNet("fd00::1")}, want: "fd00::1"},
		{name: "only loopback", addrs: []net.Addr{ipNet("127.0.0.1")}, wantErr: true},
		{name: "interface error", err: errors.New("no interfaces"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubAddrs(t, tt.addrs, tt.err)
			ip, err := localAddress()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apierr.IsServer(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip.String())
		})
	}
}

func TestWriteServerURL(t *testing.T) {
	stubAddrs(t, []net.Addr{ipNet("10.0.0.5")}, nil)

	path := filepath.Join(t.TempDir(), "server.url")
	require.NoError(t, writeServerURL(path, 8080))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8080\n", string(data))

	err = writeServerURL(filepath.Join(t.TempDir(), "missing", "server.url"), 8080)
	require.Error(t, err)
	assert.True(t, apierr.IsServer(err))
}

func TestNewServerRegistersRemotes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "names.yaml"), []byte("coll1:\n  doc1: {n: 1}\n"), 0o644))

	cfg := config.Default()
	cfg.DatasetDir = dir
	cfg.Remotes = []config.Remote{{Endpoint: "ws://sgw:4984/db", Dataset: "names", Sessions: []string{"s1"}}}

	srv, err := newServer(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, srv.id)

	ts := httptest.NewServer(srv.dispatcher)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, srv.id, resp.Header.Get("CBLTest-Server-ID"))
}

func TestNewServerErrors(t *testing.T) {
	tests := []struct {
		name   string
		remote config.Remote
	}{
		{name: "unknown dataset", remote: config.Remote{Endpoint: "ws://sgw:4984/db", Dataset: "missing"}},
		{name: "endpoint without host", remote: config.Remote{Endpoint: "/db"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.DatasetDir = t.TempDir()
			cfg.Remotes = []config.Remote{tt.remote}
			_, err := newServer(cfg)
			assert.Error(t, err)
		})
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("TESTSERVER_MAIN_TEST", "value")
	assert.Equal(t, "value", getenv("TESTSERVER_MAIN_TEST", "default"))
	assert.Equal(t, "default", getenv("TESTSERVER_MAIN_TEST_UNSET", "default"))
}
