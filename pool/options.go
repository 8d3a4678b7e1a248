package pool

import (
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// DefaultMaxIdle is the number of idle resources kept warm.
	DefaultMaxIdle = 8

	// DefaultIdleTimeout is how long a resource may sit unleased
	// before a sweep closes it.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultConnectTimeout bounds Start on a new resource.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultSweepInterval is the period of the eviction sweeper.
	DefaultSweepInterval = 30 * time.Second

	// DefaultCloseGrace is how long Close waits for in-flight leases
	// to drain before stopping resources anyway.
	DefaultCloseGrace = 15 * time.Second

	// DefaultCloseTimeout bounds Stop on a single resource.
	DefaultCloseTimeout = 5 * time.Second
)

type Options struct {
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	SweepInterval  time.Duration
	CloseGrace     time.Duration
	CloseTimeout   time.Duration
	Logger         logrus.FieldLogger

	// Unhealthy decides whether an operation error should evict the
	// resource it ran against. Nil means operation errors never touch
	// pooled state.
	Unhealthy func(error) bool
}

type Option func(*Options)

// MaxIdle sets the number of idle resources kept warm. Anything over
// it is evicted, least recently released first. Zero means the
// default; negative keeps nothing warm.
func MaxIdle(n int) Option {
	return func(o *Options) {
		o.MaxIdle = n
	}
}

// IdleTimeout sets how long an unleased resource survives.
func IdleTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.IdleTimeout = d
	}
}

// ConnectTimeout bounds resource construction.
func ConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ConnectTimeout = d
	}
}

// SweepInterval sets the eviction sweep period.
func SweepInterval(d time.Duration) Option {
	return func(o *Options) {
		o.SweepInterval = d
	}
}

// CloseGrace sets how long Close waits for leases to drain.
func CloseGrace(d time.Duration) Option {
	return func(o *Options) {
		o.CloseGrace = d
	}
}

// CloseTimeout bounds the stop of a single resource.
func CloseTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CloseTimeout = d
	}
}

// Logger sets the logger.
func Logger(l logrus.FieldLogger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Unhealthy installs the evict-on-operation-error policy.
func Unhealthy(fn func(error) bool) Option {
	return func(o *Options) {
		o.Unhealthy = fn
	}
}

func (o *Options) setDefaults() {
	if o.MaxIdle == 0 {
		o.MaxIdle = DefaultMaxIdle
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.CloseGrace == 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "pool")
	}
}
