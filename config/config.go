// Package config loads pool and client settings from a TOML file.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/adriandiglio/gridpool/pool"
)

// duration lets TOML values be written as strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Config struct {
	Pool  PoolConfig  `toml:"pool"`
	Local LocalConfig `toml:"local"`
}

// PoolConfig mirrors the pool option surface. Zero values fall back
// to the pool defaults.
type PoolConfig struct {
	MaxIdle        int      `toml:"max_idle"`
	IdleTimeout    duration `toml:"idle_timeout"`
	ConnectTimeout duration `toml:"connect_timeout"`
	SweepInterval  duration `toml:"sweep_interval"`
	CloseGrace     duration `toml:"close_grace"`
}

// LocalConfig names the identity of this process, so self-addressed
// calls can take the in-process fast path.
type LocalConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrapf(err, "config: load %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Pool.MaxIdle < 0 {
		return errors.New("config: pool.max_idle must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"pool.idle_timeout":    c.Pool.IdleTimeout.Duration,
		"pool.connect_timeout": c.Pool.ConnectTimeout.Duration,
		"pool.sweep_interval":  c.Pool.SweepInterval.Duration,
		"pool.close_grace":     c.Pool.CloseGrace.Duration,
	} {
		if d < 0 {
			return errors.Errorf("config: %s must not be negative", name)
		}
	}
	if c.Local.Host == "" && c.Local.Port != 0 {
		return errors.New("config: local.port set without local.host")
	}
	return nil
}

// PoolOptions converts the config into pool options, leaving pool
// defaults in place for unset values.
func (c *Config) PoolOptions() []pool.Option {
	var opts []pool.Option
	if c.Pool.MaxIdle > 0 {
		opts = append(opts, pool.MaxIdle(c.Pool.MaxIdle))
	}
	if d := c.Pool.IdleTimeout.Duration; d > 0 {
		opts = append(opts, pool.IdleTimeout(d))
	}
	if d := c.Pool.ConnectTimeout.Duration; d > 0 {
		opts = append(opts, pool.ConnectTimeout(d))
	}
	if d := c.Pool.SweepInterval.Duration; d > 0 {
		opts = append(opts, pool.SweepInterval(d))
	}
	if d := c.Pool.CloseGrace.Duration; d > 0 {
		opts = append(opts, pool.CloseGrace(d))
	}
	return opts
}

// LocalTarget returns the configured local identity, if any.
func (c *Config) LocalTarget() (pool.Target, bool) {
	if c.Local.Host == "" {
		return pool.Target{}, false
	}
	return pool.Target{Host: c.Local.Host, Port: c.Local.Port}, true
}
