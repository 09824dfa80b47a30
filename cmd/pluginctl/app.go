package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"plugind/pkg/config"
	"plugind/pkg/logging"
	"plugind/pkg/plugin"
	"plugind/pkg/plugin/backup"
	"plugind/pkg/plugin/security"
	"plugind/pkg/profiling"
	"plugind/pkg/signature"
)

// app holds everything a command needs, built from the layered
// configuration.
type app struct {
	config    *config.ConfigManager
	settings  *config.AppConfig
	logger    *logging.Logger
	validator *plugin.Validator
	backups   *backup.Service
	lifecycle *plugin.LifecycleManager
	registry  *prometheus.Registry
}

func newApp(ctx context.Context, overrides map[string]interface{}) (*app, error) {
	bootstrap, err := logging.New(logging.Config{Level: "warn", Output: "stderr"})
	if err != nil {
		return nil, err
	}

	flags := make(map[string]interface{}, len(overrides)+2)
	for k, v := range overrides {
		flags[k] = v
	}
	if pluginsRoot != "" {
		flags["plugins.root"] = pluginsRoot
	}
	if logLevel != "" {
		flags["logging.level"] = logLevel
	}

	manager, err := config.NewDefaultManager(ctx, configPaths, flags, bootstrap)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	settings, err := config.LoadAppConfig(manager)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:  settings.Logging.Level,
		Format: settings.Logging.Format,
		Output: settings.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	policy, err := security.NewPolicy(settings.Plugins.AllowedPermissions)
	if err != nil {
		return nil, err
	}

	cfg := plugin.ValidatorConfig{
		Metadata:         plugin.NewMetadataStore(settings.Plugins.MetadataFiles),
		EntryPoints:      settings.Plugins.EntryPoints,
		MaxSizeBytes:     settings.Plugins.MaxSizeBytes,
		Policy:           policy,
		RequireSignature: settings.Signature.Required,
	}
	if settings.Signature.Enabled {
		store := manager.SecretStore()
		if store == nil {
			return nil, errors.New("signature verification is enabled but no secret store is configured")
		}
		verifier, err := signature.FromSecrets(settings.Signature.Algorithm, settings.Signature.KeySecret, store)
		if err != nil {
			return nil, fmt.Errorf("failed to create signature verifier: %w", err)
		}
		cfg.Signatures = verifier
	}
	validator := plugin.NewValidator(cfg)

	backups, err := backup.NewService(settings.Plugins.BackupRoot, logger.Named("backup"))
	if err != nil {
		return nil, err
	}
	backups.SetMinFreeBytes(settings.Plugins.MinFreeBytes)

	var persister plugin.Persister
	if settings.Plugins.StateFile != "" {
		persister = plugin.NewFilePersister(settings.Plugins.StateFile)
	}

	var (
		registry *prometheus.Registry
		metrics  *plugin.Metrics
	)
	if settings.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = plugin.NewMetrics(registry)
	}

	lifecycle, err := plugin.Open(plugin.Options{
		PluginsRoot:    settings.Plugins.Root,
		Validator:      validator,
		Metadata:       cfg.Metadata,
		Backups:        backups,
		Persister:      persister,
		Logger:         logger.Named("lifecycle"),
		Metrics:        metrics,
		Tracer:         profiling.NewTracer(nil),
		QueueSize:      settings.Worker.QueueSize,
		BackoffInitial: settings.Worker.BackoffInitial,
		BackoffMax:     settings.Worker.BackoffMax,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		config:    manager,
		settings:  settings,
		logger:    logger,
		validator: validator,
		backups:   backups,
		lifecycle: lifecycle,
		registry:  registry,
	}, nil
}

func (a *app) close() {
	if err := a.lifecycle.Close(); err != nil {
		a.logger.Warn("failed to close lifecycle manager", "error", err)
	}
	_ = a.logger.Sync()
}

// withApp builds the app for the duration of fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
