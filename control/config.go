// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Server configuration loading and a thread-safe snapshot store with
// hot-reload propagation.

package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/momentics/phab-native/api"
)

// WatchdogConfig tunes pool health supervision.
type WatchdogConfig struct {
	Base time.Duration `mapstructure:"base"`
	Idle time.Duration `mapstructure:"idle"`
	Hang time.Duration `mapstructure:"hang"`
}

// LogConfig selects logger output.
type LogConfig struct {
	JSON    bool   `mapstructure:"json"`
	Debug   bool   `mapstructure:"debug"`
	Service string `mapstructure:"service"`
}

// Config is the full server configuration.
type Config struct {
	// Debug enables diagnostic-only routes. They may leak private data.
	Debug bool `mapstructure:"debug"`
	// Host to bind; empty means loopback.
	Host string `mapstructure:"host"`
	// Port to listen on; -1 picks an ephemeral port.
	Port           int           `mapstructure:"port"`
	DebugAddr      string        `mapstructure:"debug_addr"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Deadline       time.Duration `mapstructure:"deadline"`
	// MetricRetention is how long an untouched metric is kept.
	MetricRetention time.Duration `mapstructure:"metric_retention"`
	Nagle           bool          `mapstructure:"nagle"`
	// Trace records a span per routed request.
	Trace    bool           `mapstructure:"trace"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Log      LogConfig      `mapstructure:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:            80,
		DebugAddr:       "127.0.0.1:8090",
		MaxConcurrency:  8,
		Deadline:        5 * time.Second,
		MetricRetention: 24 * time.Hour,
		Watchdog: WatchdogConfig{
			Base: 100 * time.Millisecond,
			Idle: time.Minute,
			Hang: 30 * time.Second,
		},
		Log: LogConfig{Service: "phabnative"},
	}
}

// BindDefaults registers DefaultConfig with v.
func BindDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("debug_addr", d.DebugAddr)
	v.SetDefault("max_concurrency", d.MaxConcurrency)
	v.SetDefault("deadline", d.Deadline)
	v.SetDefault("metric_retention", d.MetricRetention)
	v.SetDefault("nagle", d.Nagle)
	v.SetDefault("trace", d.Trace)
	v.SetDefault("watchdog.base", d.Watchdog.Base)
	v.SetDefault("watchdog.idle", d.Watchdog.Idle)
	v.SetDefault("watchdog.hang", d.Watchdog.Hang)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.service", d.Log.Service)
}

// LoadConfig decodes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot serve.
func (c Config) Validate() error {
	switch {
	case c.Port < -1 || c.Port > 65535:
		return fmt.Errorf("port %d: %w", c.Port, api.ErrInvalidArgument)
	case c.MaxConcurrency < 0:
		return fmt.Errorf("max_concurrency %d: %w", c.MaxConcurrency, api.ErrInvalidArgument)
	case c.Deadline <= 0:
		return fmt.Errorf("deadline %s: %w", c.Deadline, api.ErrInvalidArgument)
	case c.Watchdog.Hang > 0 && c.Watchdog.Hang < c.Watchdog.Base:
		return fmt.Errorf("watchdog hang %s below base %s: %w", c.Watchdog.Hang, c.Watchdog.Base, api.ErrInvalidArgument)
	}
	return nil
}

// AsMap flattens the configuration for snapshots and debug output.
func (c Config) AsMap() map[string]any {
	return map[string]any{
		"debug":            c.Debug,
		"host":             c.Host,
		"port":             c.Port,
		"debug_addr":       c.DebugAddr,
		"max_concurrency":  c.MaxConcurrency,
		"deadline":         c.Deadline.String(),
		"metric_retention": c.MetricRetention.String(),
		"nagle":            c.Nagle,
		"trace":            c.Trace,
		"watchdog.base":    c.Watchdog.Base.String(),
		"watchdog.idle":    c.Watchdog.Idle.String(),
		"watchdog.hang":    c.Watchdog.Hang.String(),
		"log.json":         c.Log.JSON,
		"log.debug":        c.Log.Debug,
		"log.service":      c.Log.Service,
	}
}

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make([]func(), 0),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// SetConfig merges new values and dispatches reload listeners.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Watch reloads the store whenever v's config file changes. Invalid
// configurations are reported to onError and leave the snapshot untouched.
func (cs *ConfigStore) Watch(v *viper.Viper, onError func(error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := LoadConfig(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		cs.SetConfig(cfg.AsMap())
	})
	v.WatchConfig()
}
