package boardstate

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Defaults.
const (
	DefaultFlushInterval         = 500 * time.Millisecond
	DefaultBackground            = "#ffffff"
	DefaultFailureAlarmThreshold = 5
	DefaultLoadTimeout           = 10 * time.Second
	DefaultSaveTimeout           = 10 * time.Second
	DefaultJanitorSchedule       = "@every 1m"
	DefaultMaxIdle               = 10 * time.Minute
)

// Errors.
var (
	ErrClosed       = errors.New("boardstate: cache closed")
	ErrNotResident  = errors.New("boardstate: board not in cache")
	ErrEmptyBoardID = errors.New("boardstate: empty board id")
)

// Observer receives cache lifecycle notifications, typically for metrics.
// Methods are called without cache locks held and must not block.
type Observer interface {
	// BoardLoaded reports a cache-aside load. hit is false when storage was read.
	BoardLoaded(boardID string, hit bool, err error)

	// BoardFlushed reports the outcome of one durable write.
	BoardFlushed(boardID string, d time.Duration, err error)

	// BoardDegraded reports a board crossing into or out of repeated flush failure.
	BoardDegraded(boardID string, degraded bool)
}

// Config configures a Cache.
type Config struct {
	// FlushInterval is the debounce window between the first dirty update
	// and the durable write.
	// Default: 500ms.
	FlushInterval time.Duration

	// DefaultBackground is the background colour of boards with no stored scene.
	// Default: "#ffffff".
	DefaultBackground string

	// FailureAlarmThreshold is the number of consecutive flush failures after
	// which a board is reported as degraded. Flushes keep retrying regardless.
	// Default: 5.
	FailureAlarmThreshold int

	// LoadTimeout bounds one storage read.
	// Default: 10s.
	LoadTimeout time.Duration

	// SaveTimeout bounds one storage write.
	// Default: 10s.
	SaveTimeout time.Duration

	// JanitorSchedule is the cron spec for evicting idle entries.
	// Default: "@every 1m".
	JanitorSchedule string

	// MaxIdle is how long an unreferenced, clean entry stays warm.
	// Default: 10m.
	MaxIdle time.Duration

	// OnSweep runs on the janitor schedule after each sweep. Optional.
	OnSweep func()

	// Clock drives flush timers. Default: the wall clock.
	Clock Clock

	// Logger receives cache logs. Default: slog.Default().
	Logger *slog.Logger

	// Observer receives lifecycle notifications. Optional.
	Observer Observer

	// TracerProvider creates spans around storage calls. Default: the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:         DefaultFlushInterval,
		DefaultBackground:     DefaultBackground,
		FailureAlarmThreshold: DefaultFailureAlarmThreshold,
		LoadTimeout:           DefaultLoadTimeout,
		SaveTimeout:           DefaultSaveTimeout,
		JanitorSchedule:       DefaultJanitorSchedule,
		MaxIdle:               DefaultMaxIdle,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.DefaultBackground == "" {
		c.DefaultBackground = d.DefaultBackground
	}
	if c.FailureAlarmThreshold <= 0 {
		c.FailureAlarmThreshold = d.FailureAlarmThreshold
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = d.SaveTimeout
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = d.JanitorSchedule
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

type nopObserver struct{}

func (nopObserver) BoardLoaded(string, bool, error)           {}
func (nopObserver) BoardFlushed(string, time.Duration, error) {}
func (nopObserver) BoardDegraded(string, bool)                {}
