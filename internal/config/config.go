package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/vango-dev/boardsync/pkg/server"
)

const (
	// ConfigFileName is the default configuration file name.
	ConfigFileName = "boardsync.toml"

	// EnvPrefix prefixes environment overrides, e.g.
	// BOARDSYNC_SERVER_ADDRESS or BOARDSYNC_STORE_DSN.
	EnvPrefix = "BOARDSYNC"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMongo    = "mongo"
	DriverS3       = "s3"
)

// Config is the complete boardsync configuration.
type Config struct {
	Server  ServerSection  `mapstructure:"server"`
	Board   BoardSection   `mapstructure:"board"`
	Auth    AuthSection    `mapstructure:"auth"`
	Store   StoreConfig    `mapstructure:"store"`
	Log     LogConfig      `mapstructure:"log"`
	Metrics MetricsSection `mapstructure:"metrics"`

	configPath string
}

// ServerSection configures the listener and WebSocket connections.
type ServerSection struct {
	Address           string        `mapstructure:"address"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	OutboundQueueSize int           `mapstructure:"outbound_queue_size"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// BoardSection configures the board cache and write debouncing.
type BoardSection struct {
	FlushInterval         time.Duration `mapstructure:"flush_interval"`
	DefaultBackground     string        `mapstructure:"default_background"`
	FailureAlarmThreshold int           `mapstructure:"failure_alarm_threshold"`
	JanitorSchedule       string        `mapstructure:"janitor_schedule"`
	MaxIdle               time.Duration `mapstructure:"max_idle"`
}

// AuthSection configures access checks and identity.
type AuthSection struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	LookupGrace   time.Duration `mapstructure:"lookup_grace"`

	// UserHeader names a request header set by an authenticating proxy. When
	// set, connections are pinned to the user it carries.
	UserHeader string `mapstructure:"user_header"`
}

// StoreConfig selects and configures the durable backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, mysql, mongo or s3.
	Driver string `mapstructure:"driver"`

	// DSN is the database/sql data source name or the MongoDB URI.
	DSN string `mapstructure:"dsn"`

	// Database is the MongoDB database name.
	Database string `mapstructure:"database"`

	// TablePrefix is prepended to SQL table names.
	TablePrefix string `mapstructure:"table_prefix"`

	// S3 settings. Board scenes go to Bucket; users and access grants are
	// served by the Metadata store.
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`

	// Metadata is the store for users and grants when Driver is s3.
	Metadata MetadataStore `mapstructure:"metadata"`
}

// MetadataStore configures the user and access store paired with S3.
type MetadataStore struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	s := server.DefaultServerConfig()
	return &Config{
		Server: ServerSection{
			Address:           s.Address,
			EnableCompression: s.EnableCompression,
			ReadBufferSize:    s.ReadBufferSize,
			WriteBufferSize:   s.WriteBufferSize,
			ReadTimeout:       s.ConnConfig.ReadTimeout,
			WriteTimeout:      s.ConnConfig.WriteTimeout,
			HeartbeatInterval: s.ConnConfig.HeartbeatInterval,
			MaxMessageSize:    s.ConnConfig.MaxMessageSize,
			OutboundQueueSize: s.ConnConfig.OutboundQueueSize,
			ShutdownTimeout:   s.ShutdownTimeout,
		},
		Board: BoardSection{
			FlushInterval:         s.FlushInterval,
			DefaultBackground:     s.DefaultBackground,
			FailureAlarmThreshold: s.FailureAlarmThreshold,
			JanitorSchedule:       s.JanitorSchedule,
			MaxIdle:               s.MaxIdle,
		},
		Auth: AuthSection{
			CacheTTL:      s.AuthCacheTTL,
			LookupTimeout: s.LookupTimeout,
			LookupGrace:   s.LookupGrace,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Database: "boardsync",
			Region:   "us-east-1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsSection{
			Enabled:   true,
			Namespace: "boardsync",
		},
	}
}

// Load reads configuration from path, or from ./boardsync.toml when path is
// empty, then applies BOARDSYNC_* environment overrides. A missing default
// file is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load using the given viper instance.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	for key, value := range flatten("", Default().settings()) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(ConfigFileName, filepath.Ext(ConfigFileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", displayPath(path), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.configPath = v.ConfigFileUsed()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return ConfigFileName
	}
	return path
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Store.Metadata.Driver = strings.ToLower(strings.TrimSpace(c.Store.Metadata.Driver))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Server.AllowedOrigins = compact(c.Server.AllowedOrigins)
	c.Server.TrustedProxies = compact(c.Server.TrustedProxies)
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Path returns the file the configuration was read from, if any.
func (c *Config) Path() string {
	return c.configPath
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case DriverMongo:
		if c.Store.DSN == "" || c.Store.Database == "" {
			errs = append(errs, errors.New("store.dsn and store.database are required for driver \"mongo\""))
		}
	case DriverS3:
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for driver \"s3\""))
		}
		switch c.Store.Metadata.Driver {
		case "", DriverMemory:
		case DriverSQLite, DriverPostgres, DriverMySQL, DriverMongo:
			if c.Store.Metadata.DSN == "" {
				errs = append(errs, errors.New("store.metadata.dsn is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown store.metadata.driver %q", c.Store.Metadata.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Board.FlushInterval < 0 {
		errs = append(errs, errors.New("board.flush_interval must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return level, nil
}

// ServerConfig maps the configuration onto a server.ServerConfig.
func (c *Config) ServerConfig() *server.ServerConfig {
	s := server.DefaultServerConfig()
	s.Address = c.Server.Address
	s.ReadBufferSize = c.Server.ReadBufferSize
	s.WriteBufferSize = c.Server.WriteBufferSize
	s.EnableCompression = c.Server.EnableCompression
	s.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	s.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	s.ShutdownTimeout = c.Server.ShutdownTimeout

	s.ConnConfig.ReadTimeout = c.Server.ReadTimeout
	s.ConnConfig.WriteTimeout = c.Server.WriteTimeout
	s.ConnConfig.HeartbeatInterval = c.Server.HeartbeatInterval
	s.ConnConfig.MaxMessageSize = c.Server.MaxMessageSize
	s.ConnConfig.OutboundQueueSize = c.Server.OutboundQueueSize

	s.FlushInterval = c.Board.FlushInterval
	s.DefaultBackground = c.Board.DefaultBackground
	s.FailureAlarmThreshold = c.Board.FailureAlarmThreshold
	s.JanitorSchedule = c.Board.JanitorSchedule
	s.MaxIdle = c.Board.MaxIdle

	s.AuthCacheTTL = c.Auth.CacheTTL
	s.LookupTimeout = c.Auth.LookupTimeout
	s.LookupGrace = c.Auth.LookupGrace
	return s
}

// settings returns the configuration as nested maps keyed like the file.
// Durations are rendered as strings such as "500ms".
func (c *Config) settings() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"address":             c.Server.Address,
			"allowed_origins":     nonNil(c.Server.AllowedOrigins),
			"trusted_proxies":     nonNil(c.Server.TrustedProxies),
			"enable_compression":  c.Server.EnableCompression,
			"read_buffer_size":    c.Server.ReadBufferSize,
			"write_buffer_size":   c.Server.WriteBufferSize,
			"read_timeout":        c.Server.ReadTimeout.String(),
			"write_timeout":       c.Server.WriteTimeout.String(),
			"heartbeat_interval":  c.Server.HeartbeatInterval.String(),
			"max_message_size":    c.Server.MaxMessageSize,
			"outbound_queue_size": c.Server.OutboundQueueSize,
			"shutdown_timeout":    c.Server.ShutdownTimeout.String(),
		},
		"board": map[string]any{
			"flush_interval":          c.Board.FlushInterval.String(),
			"default_background":      c.Board.DefaultBackground,
			"failure_alarm_threshold": c.Board.FailureAlarmThreshold,
			"janitor_schedule":        c.Board.JanitorSchedule,
			"max_idle":                c.Board.MaxIdle.String(),
		},
		"auth": map[string]any{
			"cache_ttl":      c.Auth.CacheTTL.String(),
			"lookup_timeout": c.Auth.LookupTimeout.String(),
			"lookup_grace":   c.Auth.LookupGrace.String(),
			"user_header":    c.Auth.UserHeader,
		},
		"store": map[string]any{
			"driver":            c.Store.Driver,
			"dsn":               c.Store.DSN,
			"database":          c.Store.Database,
			"table_prefix":      c.Store.TablePrefix,
			"bucket":            c.Store.Bucket,
			"prefix":            c.Store.Prefix,
			"region":            c.Store.Region,
			"endpoint":          c.Store.Endpoint,
			"access_key_id":     c.Store.AccessKeyID,
			"secret_access_key": c.Store.SecretAccessKey,
			"use_path_style":    c.Store.UsePathStyle,
			"metadata": map[string]any{
				"driver":   c.Store.Metadata.Driver,
				"dsn":      c.Store.Metadata.DSN,
				"database": c.Store.Metadata.Database,
			},
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"metrics": map[string]any{
			"enabled":   c.Metrics.Enabled,
			"namespace": c.Metrics.Namespace,
		},
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// MarshalTOML renders the configuration as a TOML document.
func (c *Config) MarshalTOML() ([]byte, error) {
	data, err := toml.Marshal(c.settings())
	if err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if path == "" {
		path = ConfigFileName
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists", path)
		}
	}

	data, err := Default().MarshalTOML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
