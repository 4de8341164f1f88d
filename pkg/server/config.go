package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-dev/boardsync/pkg/boardstate"
)

// PlaceholderName is shown for users whose metadata cannot be resolved.
const PlaceholderName = "Unknown User"

// ConnConfig holds configuration for individual WebSocket connections.
type ConnConfig struct {
	// Timeouts

	// ReadTimeout is the maximum time to wait for a frame or pong from the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming frame. Draw frames
	// carry the full scene, so this is far larger than a chat-style limit.
	// Default: 4MB.
	MaxMessageSize int64

	// OutboundQueueSize is the number of frames buffered per connection
	// before it is considered a slow consumer and disconnected.
	// Default: 256.
	OutboundQueueSize int
}

// DefaultConnConfig returns a ConnConfig with sensible defaults.
func DefaultConnConfig() *ConnConfig {
	return &ConnConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    4 << 20,
		OutboundQueueSize: 256,
	}
}

// Clone returns a copy of the ConnConfig.
func (c *ConnConfig) Clone() *ConnConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *ConnConfig) fillDefaults() {
	d := DefaultConnConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = d.OutboundQueueSize
	}
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WebSocket

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// EnableCompression negotiates permessage-deflate with clients.
	// Default: true.
	EnableCompression bool

	// AllowedOrigins lists origins permitted to open a WebSocket. An entry of
	// "*" allows any origin. Ignored when CheckOrigin is set.
	// Default: nil (same origin only).
	AllowedOrigins []string

	// CheckOrigin is called to validate the request origin.
	// Default: OriginCheck(AllowedOrigins).
	CheckOrigin func(r *http.Request) bool

	// ConnConfig is the configuration for individual connections.
	// Default: DefaultConnConfig().
	ConnConfig *ConnConfig

	// Board state

	// FlushInterval is the debounce window before a dirty board is persisted.
	// Default: 500ms.
	FlushInterval time.Duration

	// DefaultBackground is the background colour of never-saved boards.
	// Default: "#ffffff".
	DefaultBackground string

	// FailureAlarmThreshold is the number of consecutive failed flushes after
	// which a board is reported as degraded.
	// Default: 5.
	FailureAlarmThreshold int

	// JanitorSchedule is the cron spec for evicting idle boards from memory.
	// Default: "@every 1m".
	JanitorSchedule string

	// MaxIdle is how long an unused, persisted board stays in memory.
	// Default: 10 minutes.
	MaxIdle time.Duration

	// Collaborators

	// AuthCacheTTL is how long access decisions are cached.
	// Default: 5 seconds.
	AuthCacheTTL time.Duration

	// LookupTimeout bounds the user metadata lookup during join.
	// Default: 2 seconds.
	LookupTimeout time.Duration

	// LookupGrace is how long a join waits for the user lookup before the
	// member is announced as PlaceholderName. A name that arrives later is
	// announced with a second user-joined. A negative value never waits.
	// Default: 50ms.
	LookupGrace time.Duration

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// TrustedProxies lists reverse proxy IPs or CIDRs whose Forwarded and
	// X-Forwarded-For headers are honoured when logging client addresses.
	// Default: nil (don't trust proxy headers).
	TrustedProxies []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:               ":8080",
		ReadBufferSize:        4096,
		WriteBufferSize:       4096,
		EnableCompression:     true,
		ConnConfig:            DefaultConnConfig(),
		FlushInterval:         boardstate.DefaultFlushInterval,
		DefaultBackground:     boardstate.DefaultBackground,
		FailureAlarmThreshold: boardstate.DefaultFailureAlarmThreshold,
		JanitorSchedule:       boardstate.DefaultJanitorSchedule,
		MaxIdle:               boardstate.DefaultMaxIdle,
		AuthCacheTTL:          5 * time.Second,
		LookupTimeout:         2 * time.Second,
		LookupGrace:           50 * time.Millisecond,
		ShutdownTimeout:       30 * time.Second,
	}
}

// fillDefaults replaces zero values with defaults. EnableCompression is a
// plain bool and is left as given.
func (c *ServerConfig) fillDefaults() {
	d := DefaultServerConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = OriginCheck(c.AllowedOrigins)
	}
	if c.ConnConfig == nil {
		c.ConnConfig = d.ConnConfig
	}
	c.ConnConfig.fillDefaults()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.DefaultBackground == "" {
		c.DefaultBackground = d.DefaultBackground
	}
	if c.FailureAlarmThreshold <= 0 {
		c.FailureAlarmThreshold = d.FailureAlarmThreshold
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = d.JanitorSchedule
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.AuthCacheTTL <= 0 {
		c.AuthCacheTTL = d.AuthCacheTTL
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = d.LookupTimeout
	}
	if c.LookupGrace == 0 {
		c.LookupGrace = d.LookupGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// boardConfig maps the board-state fields onto a boardstate.Config.
func (c *ServerConfig) boardConfig() boardstate.Config {
	bc := boardstate.DefaultConfig()
	bc.FlushInterval = c.FlushInterval
	bc.DefaultBackground = c.DefaultBackground
	bc.FailureAlarmThreshold = c.FailureAlarmThreshold
	bc.JanitorSchedule = c.JanitorSchedule
	bc.MaxIdle = c.MaxIdle
	return bc
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}
	return originURL.Host == host
}

// OriginCheck returns a CheckOrigin func that accepts the same origin plus
// every origin in allowed. Entries may be full origins
// ("https://app.example.com") or bare hosts ("app.example.com:3000").
func OriginCheck(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return SameOriginCheck
	}

	origins := make(map[string]struct{}, len(allowed))
	for _, entry := range allowed {
		entry = strings.TrimRight(strings.TrimSpace(entry), "/")
		if entry == "" {
			continue
		}
		if entry == "*" {
			return func(*http.Request) bool { return true }
		}
		origins[strings.ToLower(entry)] = struct{}{}
	}

	return func(r *http.Request) bool {
		if SameOriginCheck(r) {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		if _, ok := origins[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := origins[u.Host]
		return ok
	}
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.ConnConfig != nil {
		clone.ConnConfig = c.ConnConfig.Clone()
	}
	if c.AllowedOrigins != nil {
		clone.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	}
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithConnConfig sets the connection configuration and returns the config for chaining.
func (c *ServerConfig) WithConnConfig(cc *ConnConfig) *ServerConfig {
	c.ConnConfig = cc
	return c
}

// WithFlushInterval sets the persistence debounce window and returns the config for chaining.
func (c *ServerConfig) WithFlushInterval(d time.Duration) *ServerConfig {
	c.FlushInterval = d
	return c
}

// WithAllowedOrigins sets the allowed WebSocket origins and returns the config for chaining.
func (c *ServerConfig) WithAllowedOrigins(origins ...string) *ServerConfig {
	c.AllowedOrigins = origins
	return c
}

// WithTrustedProxies sets the trusted proxies and returns the config for chaining.
func (c *ServerConfig) WithTrustedProxies(proxies ...string) *ServerConfig {
	c.TrustedProxies = proxies
	return c
}
