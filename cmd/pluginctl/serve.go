package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"plugind/pkg/config"
	"plugind/pkg/plugin/hooks"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddress     string
	serveActivateAll bool
	maxGoroutines    int
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the update worker with health and metrics endpoints",
	Long: `serve keeps the lifecycle manager running: queued updates are processed,
/live and /ready report health and /metrics exposes Prometheus metrics.
Changes to logging.level and plugins.max_size_bytes in the configuration
files are applied without a restart.`,
	RunE: runServe,
}

func init() {
	cmdServe.Flags().StringVar(&serveAddress, "address", "", "listen address, overrides server.address")
	cmdServe.Flags().BoolVar(&serveActivateAll, "activate-all", false, "activate every installed plugin on startup")
	cmdServe.Flags().IntVar(&maxGoroutines, "max-goroutines", 1000, "readiness fails above this many goroutines")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	overrides := map[string]interface{}{}
	if serveAddress != "" {
		overrides["server.address"] = serveAddress
	}
	a, err := newApp(ctx, overrides)
	if err != nil {
		return err
	}
	defer a.close()

	a.lifecycle.Subscribe(hooks.EventAny, func(e hooks.Event) {
		a.logger.Info("plugin event", "type", e.Type, "plugin_id", e.PluginID)
	})
	a.lifecycle.Start(ctx)

	if serveActivateAll {
		if err := a.lifecycle.ActivateAll(ctx); err != nil {
			a.logger.Warn("some plugins failed to activate", "error", err)
		}
	}

	dynamic := newDynamicManager(a)
	dynamic.Start()
	defer dynamic.Stop()

	err = a.config.WatchSources(ctx, func(change config.ConfigChange) {
		applied, static, err := dynamic.ApplyPending(ctx)
		for _, c := range applied {
			a.logger.Info("configuration applied", "key", c.Key, "value", c.NewValue)
		}
		if len(static) > 0 {
			a.logger.Warn("configuration change requires a restart", "keys", static)
		}
		if err != nil {
			a.logger.Error("failed to apply configuration change", "source", change.Source.String(), "error", err)
		}
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.settings.Server.Address,
		Handler:           newServeMux(a),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving health and metrics", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newServeMux(a *app) *http.ServeMux {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("update-worker", func() error {
		if !a.lifecycle.Healthy() {
			return errors.New("update worker is not running")
		}
		return nil
	})
	health.AddReadinessCheck("plugins-root", func() error {
		_, err := os.Stat(a.settings.Plugins.Root)
		return err
	})
	health.AddReadinessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	if a.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// newDynamicManager routes the hot-reloadable keys to the components that
// own them.
func newDynamicManager(a *app) *config.DynamicConfigManager {
	dynamic := config.NewDynamicConfigManager(a.config)

	dynamic.RegisterUpdater("logging", config.NewComponentUpdater("logging", []string{"logging.level"},
		func(_ string, value interface{}) error {
			return a.logger.SetLevel(fmt.Sprint(value))
		},
		func(_ string, old interface{}) error {
			return a.logger.SetLevel(fmt.Sprint(old))
		},
	))

	dynamic.RegisterUpdater("validator", config.NewComponentUpdater("validator", []string{"plugins.max_size_bytes"},
		func(_ string, value interface{}) error {
			n, err := asInt64(value)
			if err != nil {
				return err
			}
			return a.validator.SetMaxSize(n)
		},
		func(_ string, old interface{}) error {
			n, err := asInt64(old)
			if err != nil {
				return err
			}
			return a.validator.SetMaxSize(n)
		},
	))
	return dynamic
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}
