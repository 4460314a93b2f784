// Package config loads the load balancer's optional "extras" file: a small
// YAML document, watched for changes via fsnotify, that may only tune
// non-structural knobs (log level, rate-limit settings). It never carries
// backends, the listen port, the health-check interval, or the request
// timeout — those come exclusively from the CLI flags in cmd/lb and are
// fixed for the process lifetime, per spec §3's "backend set is fixed at
// startup" invariant. Grounded on the teacher's internal/config/config.go,
// trimmed to a schema that can't violate that invariant.
package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RateLimit controls the optional per-client token-bucket limiter.
type RateLimit struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Extras is the full extras-file schema.
type Extras struct {
	LogLevel  string    `mapstructure:"log_level"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// Default returns the extras in effect when no --config file is given.
func Default() Extras {
	return Extras{
		LogLevel:  "info",
		RateLimit: RateLimit{Enabled: false, RPS: 50, Burst: 100},
	}
}

// Load reads and parses the YAML file at path. The returned *viper.Viper is
// needed by Watch to hot-reload. On a non-nil error the Extras are the zero
// value and the *viper.Viper is nil.
func Load(path string) (Extras, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Extras{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	extras, err := unmarshal(v)
	if err != nil {
		return Extras{}, nil, err
	}
	return extras, v, nil
}

// Watch registers onChange to fire whenever the extras file is saved. A
// reload that fails to parse is logged and discarded — the previous extras
// stay active.
func Watch(v *viper.Viper, onChange func(Extras)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		extras, err := unmarshal(v)
		if err != nil {
			slog.Error("config: hot-reload failed, keeping previous extras", "error", err)
			return
		}
		slog.Info("config: extras hot-reloaded",
			"log_level", extras.LogLevel,
			"rate_limit_enabled", extras.RateLimit.Enabled,
		)
		onChange(extras)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)
	return v
}

func unmarshal(v *viper.Viper) (Extras, error) {
	var e Extras
	if err := v.Unmarshal(&e); err != nil {
		return Extras{}, fmt.Errorf("config: parsing: %w", err)
	}
	if e.RateLimit.Enabled && e.RateLimit.RPS <= 0 {
		return Extras{}, fmt.Errorf("config: rate_limit.rps must be positive when enabled")
	}
	return e, nil
}
