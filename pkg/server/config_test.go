package server

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfig(t *testing.T) {
	c := DefaultServerConfig()
	assert.Equal(t, ":8080", c.Address)
	assert.True(t, c.EnableCompression)
	assert.Equal(t, 500*time.Millisecond, c.FlushInterval)
	assert.Equal(t, "#ffffff", c.DefaultBackground)
	assert.Equal(t, 5*time.Second, c.AuthCacheTTL)
	assert.Equal(t, 256, c.ConnConfig.OutboundQueueSize)
}

func TestServerConfig_FillDefaults(t *testing.T) {
	c := &ServerConfig{Address: "127.0.0.1:9000", ConnConfig: &ConnConfig{ReadTimeout: time.Second}}
	c.fillDefaults()

	assert.Equal(t, "127.0.0.1:9000", c.Address)
	assert.Equal(t, time.Second, c.ConnConfig.ReadTimeout)
	assert.Equal(t, 10*time.Second, c.ConnConfig.WriteTimeout)
	assert.Equal(t, 4096, c.ReadBufferSize)
	assert.Equal(t, "@every 1m", c.JanitorSchedule)
	assert.Equal(t, 50*time.Millisecond, c.LookupGrace)
	require.NotNil(t, c.CheckOrigin)

	never := &ServerConfig{LookupGrace: -1}
	never.fillDefaults()
	assert.Equal(t, time.Duration(-1), never.LookupGrace, "a negative grace is kept")

	bc := c.boardConfig()
	assert.Equal(t, c.FlushInterval, bc.FlushInterval)
	assert.Equal(t, c.MaxIdle, bc.MaxIdle)
}

func TestServerConfig_CloneIsDeep(t *testing.T) {
	c := DefaultServerConfig().
		WithAddress(":9999").
		WithAllowedOrigins("https://a.example").
		WithTrustedProxies("10.0.0.0/8")

	clone := c.Clone()
	clone.ConnConfig.OutboundQueueSize = 1
	clone.AllowedOrigins[0] = "https://b.example"
	clone.TrustedProxies[0] = "192.0.2.1"

	assert.Equal(t, ":9999", clone.Address)
	assert.Equal(t, 256, c.ConnConfig.OutboundQueueSize)
	assert.Equal(t, "https://a.example", c.AllowedOrigins[0])
	assert.Equal(t, "10.0.0.0/8", c.TrustedProxies[0])

	var nilConfig *ServerConfig
	assert.Nil(t, nilConfig.Clone())
}

func TestOriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "boards.example", "", true},
		{"same origin", nil, "boards.example", "https://boards.example", true},
		{"cross origin rejected by default", nil, "boards.example", "https://evil.example", false},
		{"allowed full origin", []string{"http://localhost:3000"}, "api.example", "http://localhost:3000", true},
		{"allowed bare host", []string{"localhost:3000"}, "api.example", "http://localhost:3000", true},
		{"trailing slash ignored", []string{"https://app.example/"}, "api.example", "https://app.example", true},
		{"not in list", []string{"https://app.example"}, "api.example", "https://other.example", false},
		{"wildcard", []string{"*"}, "api.example", "https://anything.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://"+tt.host+"/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, OriginCheck(tt.allowed)(r))
		})
	}
}

func TestEventStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("%w: bad", ErrInvalidEvent), "invalid"},
		{fmt.Errorf("%w: view", ErrForbidden), "forbidden"},
		{ErrNotJoined, "ignored"},
		{fmt.Errorf("%w: b1: %w", ErrUnavailable, errors.New("db down")), "unavailable"},
		{&ConnError{ConnID: "c1", Op: "send", Err: errors.New("boom")}, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EventStatus(tt.err), "%v", tt.err)
	}
}

func TestConnError(t *testing.T) {
	err := &ConnError{ConnID: "c1", Op: "send", Err: ErrConnClosed}
	assert.Equal(t, "conn c1: send: server: connection closed", err.Error())
	assert.ErrorIs(t, err, ErrConnClosed)
}
