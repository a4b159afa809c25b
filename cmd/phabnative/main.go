// File: cmd/phabnative/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Entry point of the phab native server.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/core"
	"github.com/momentics/phab-native/internal/check"
	"github.com/momentics/phab-native/internal/concurrency"
	"github.com/momentics/phab-native/internal/logging"
	"github.com/momentics/phab-native/server"
)

// version is set via -ldflags.
var version = "dev"

const defaultRetention = 24 * time.Hour

// flag name -> config key
var flagKeys = map[string]string{
	"debug":           "debug",
	"host":            "host",
	"port":            "port",
	"debug-addr":      "debug_addr",
	"max-concurrency": "max_concurrency",
	"nagle":           "nagle",
	"trace":           "trace",
	"log-json":        "log.json",
	"log-debug":       "log.debug",
	"end-of-run":      "end_of_run",
}

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "phabnative",
		Short:        "Run the phab native server",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, v, cfg, cmd.ErrOrStderr(), cfgFile != "")
		},
	}

	d := control.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	f.Bool("debug", d.Debug, "serve diagnostic routes; they may leak private data")
	f.String("host", d.Host, "IP literal to listen on; empty means loopback")
	f.Int("port", d.Port, "port to listen on; -1 picks an ephemeral port")
	f.String("debug-addr", d.DebugAddr, "address of the diagnostic HTTP server")
	f.Int("max-concurrency", d.MaxConcurrency, "worker goroutines; 0 means one per CPU")
	f.Bool("nagle", d.Nagle, "keep Nagle's algorithm on accepted connections")
	f.Bool("trace", d.Trace, "log a span per routed request")
	f.Bool("log-json", d.Log.JSON, "log JSON instead of text")
	f.Bool("log-debug", d.Log.Debug, "log at debug level")
	f.String("end-of-run", "", "file receiving the final metrics in text format")
	bindFlags(v, f)
	return cmd
}

func bindFlags(v *viper.Viper, f *pflag.FlagSet) {
	for name, key := range flagKeys {
		check.NoError(v.BindPFlag(key, f.Lookup(name)), "bind flag %q", name)
	}
}

// loadConfig layers defaults, the optional file, PHAB_* environment
// variables and flags, in increasing precedence.
func loadConfig(v *viper.Viper, file string) (control.Config, error) {
	control.BindDefaults(v)
	v.SetEnvPrefix("PHAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return control.Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return control.LoadConfig(v)
}

func run(ctx context.Context, v *viper.Viper, cfg control.Config, out io.Writer, watch bool) (err error) {
	logger := logging.Setup(logging.Options{
		Debug:      cfg.Log.Debug,
		JSON:       cfg.Log.JSON,
		Service:    cfg.Log.Service,
		Version:    version,
		InstanceID: uuid.NewString(),
		Output:     out,
	})
	store := control.NewConfigStore()
	store.SetConfig(cfg.AsMap())
	endOfRun := v.GetString("end_of_run")

	var tracer trace.Tracer
	if cfg.Trace {
		tp := newTracerProvider(logger)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("flush spans", "error", err)
			}
		}()
		tracer = tp.Tracer(tracerName)
	}

	srv, err := server.Create(server.Options{
		Debug:          cfg.Debug,
		Domain:         cfg.Host,
		Port:           cfg.Port,
		DebugAddr:      cfg.DebugAddr,
		MaxConcurrency: cfg.MaxConcurrency,
		Deadline:       cfg.Deadline,
		Nagle:          cfg.Nagle,
		Logger:         logger,
		Config:         store,
		Tracer:         tracer,
		PoolOptions:    poolOptions(cfg.Watchdog),
		OnShutdown: func(c *core.Context) error {
			logger.Info("shutdown called", "uptime", c.Uptime().Round(time.Millisecond))
			return writeEndOfRun(c, endOfRun)
		},
	})
	if err != nil {
		logger.Error("create server", "error", err)
		return err
	}
	cctx := srv.Context()

	defer func() {
		if r := recover(); r != nil {
			vio, ok := check.AsViolation(r)
			if !ok {
				panic(r)
			}
			logging.Fatal(logger, "check failed", "error", vio)
			if crash := cctx.CrashHandler(); crash != nil {
				crash()
			}
			panic(vio)
		}
	}()

	retention := cfg.MetricRetention
	if retention <= 0 {
		retention = defaultRetention
	}
	check.NoError(cctx.SetMetricRetention(retention), "set metric retention")
	cctx.SetCrashHandler(srv.Crash)

	if watch {
		watchConfig(v, store, cctx, logger)
	}
	return srv.Run(ctx)
}

func poolOptions(w control.WatchdogConfig) []concurrency.PoolOption {
	var opts []concurrency.PoolOption
	if w.Base > 0 {
		opts = append(opts, concurrency.WithWatchdogBase(w.Base))
	}
	if w.Idle > 0 {
		opts = append(opts, concurrency.WithIdleThreshold(w.Idle))
	}
	if w.Hang > 0 {
		opts = append(opts, concurrency.WithHangThreshold(w.Hang))
	}
	return opts
}

// watchConfig applies the settings that can change without a restart.
func watchConfig(v *viper.Viper, store *control.ConfigStore, cctx *core.Context, logger *slog.Logger) {
	hr := control.NewHotReloader(store)
	hr.On("nagle", func(val any) {
		if on, ok := val.(bool); ok {
			cctx.Network().SetNagle(on)
			logger.Info("nagle reloaded", "nagle", on)
		}
	})
	hr.On("metric_retention", func(val any) {
		s, _ := val.(string)
		d, err := time.ParseDuration(s)
		if err == nil {
			err = cctx.SetMetricRetention(d)
		}
		if err != nil {
			logger.Warn("metric retention not reloaded", "value", val, "error", err)
		}
	})
	store.Watch(v, func(err error) {
		logger.Warn("config reload rejected", "error", err)
	})
}

// writeEndOfRun stores the final metrics when path is set.
func writeEndOfRun(c *core.Context, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("end of run: %w", err)
	}
	if err := c.Metrics().WriteText(f); err != nil {
		f.Close()
		return fmt.Errorf("end of run: %w", err)
	}
	return f.Close()
}
