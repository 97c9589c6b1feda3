package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshrelay/meshrelay/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
bind_ip: "127.0.0.1"
port: 4443
cert: "certs/cert.pem"
key: "certs/key.pem"
endpoint_id: "relay-a"
relay_id: "12:34"
node_type: "Edge"
cache:
  max_groups: 10
  max_objects_per_group: 1000
  object_ttl_ms: 5000
peering:
  listening_port: 4444
  peers: ["relay-b:4444"]
  check_interval_ms: 2000
subscription_refresh_interval_ms: 500
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindIP)
	assert.Equal(t, 4443, cfg.Port)
	assert.Equal(t, "certs/cert.pem", cfg.CertFile)
	assert.Equal(t, "certs/key.pem", cfg.KeyFile)
	assert.Equal(t, "relay-a", cfg.EndpointID)
	assert.Equal(t, uint64(51539607586), uint64(cfg.RelayID))
	assert.Equal(t, 10, cfg.Cache.MaxGroups)
	assert.Equal(t, 1000, cfg.Cache.MaxObjectsPerGroup)
	assert.Equal(t, 4444, cfg.PeeringListenPort)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "relay-b:4444", cfg.Peers[0].Address)
	assert.Equal(t, 500, cfg.SubscriptionRefreshMs)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
bind_ip: "127.0.0.1"
relay_id: "1:1"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4443, cfg.Port)
	assert.Equal(t, 10, cfg.Cache.MaxGroups)
	assert.Equal(t, 200000, cfg.Cache.MaxObjectsPerGroup)
	assert.Equal(t, 1000, cfg.SubscriptionRefreshMs)
	assert.Equal(t, cfg.Port+1, cfg.PeeringListenPort)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "bind_ip: [unterminated")
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigBadRelayID(t *testing.T) {
	path := writeConfig(t, `
relay_id: "not-a-node-id"
`)
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigBadNodeType(t *testing.T) {
	path := writeConfig(t, `
relay_id: "1:1"
node_type: "Bogus"
`)
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestParseNodeType(t *testing.T) {
	for _, tt := range []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"Edge", false},
		{"Via", false},
		{"Stub", false},
		{"Bogus", true},
	} {
		_, err := parseNodeType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
	}
}

func TestSetupTLSInvalidFiles(t *testing.T) {
	_, err := setupTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)
}

func TestSetupTLSEmptyPaths(t *testing.T) {
	_, err := setupTLS("", "")
	assert.Error(t, err)
}

func newTestCore(t *testing.T) *core.Core {
	t.Helper()
	return core.New(nil, core.Config{}, nil)
}

func TestHealthHandler_ProbeLive_GETAndHEAD(t *testing.T) {
	h := &healthHandler{core: newTestCore(t)}

	req := httptest.NewRequest(http.MethodGet, "/health?probe=live", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alive", resp["status"])

	req = httptest.NewRequest(http.MethodHead, "/health?probe=live", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, rec.Body.Len())
}

func TestHealthHandler_ProbeReady(t *testing.T) {
	c := newTestCore(t)
	h := &healthHandler{core: c}

	req := httptest.NewRequest(http.MethodGet, "/health?probe=ready", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["ready"])
}

func TestHealthHandler_DefaultStatus(t *testing.T) {
	c := newTestCore(t)
	h := &healthHandler{core: c}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestHealthHandler_InvalidMethod(t *testing.T) {
	h := &healthHandler{core: newTestCore(t)}
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
