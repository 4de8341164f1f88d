package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/boardsync/internal/config"
	"github.com/vango-dev/boardsync/pkg/client"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Go version:")
}

func TestConfigShowMasksSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "boardsync.toml", `
[store]
driver = "s3"
bucket = "boards"
secret_access_key = "hunter2"
`)

	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "boards")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "********")
}

func TestHeaderAuth(t *testing.T) {
	auth := headerAuth("X-User")

	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := auth(r)
	assert.ErrorIs(t, err, errMissingUser)

	r.Header.Set("X-User", "  alice ")
	id, err := auth(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}

func TestCutHeader(t *testing.T) {
	tests := []struct {
		in          string
		name, value string
		ok          bool
	}{
		{"X-User: alice", "X-User", "alice", true},
		{"Authorization:Bearer a:b", "Authorization", "Bearer a:b", true},
		{"novalue", "novalue", "", false},
		{": alice", "", "alice", false},
	}
	for _, tt := range tests {
		name, value, ok := cutHeader(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.value, value)
		}
	}
}

func TestReadScene(t *testing.T) {
	path := writeFile(t, "scene.json", `{"elements":[{"id":"r1","type":"rectangle"}],"backgroundColor":"#fff"}`)
	s, err := readScene(path)
	require.NoError(t, err)
	assert.Equal(t, "#fff", s.BackgroundColor)
	assert.JSONEq(t, `[{"id":"r1","type":"rectangle"}]`, string(s.Elements))

	path = writeFile(t, "bad.json", `{"elements":{"id":"r1"}}`)
	_, err = readScene(path)
	assert.ErrorIs(t, err, client.ErrInvalidScene)

	path = writeFile(t, "broken.json", `{"elements":`)
	_, err = readScene(path)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "board_id", "b1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "boardsync", entry["service"])
	assert.Equal(t, "b1", entry["board_id"])
}

func TestNewLogger_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "loud"})

	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestServerOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	base := len(serverOptions(cfg, discardLogger()))

	cfg.Metrics.Enabled = true
	cfg.Auth.UserHeader = "X-User"
	assert.Equal(t, base+5, len(serverOptions(cfg, discardLogger())))
}
