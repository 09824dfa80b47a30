package config

import (
	"context"
	"fmt"
	"os"
	"time"
)

const EnvPrefix = "PLUGIND_"

const (
	priorityFile        = 50
	priorityEnvironment = 75
	priorityFlag        = 100
)

type PluginsConfig struct {
	Root               string   `json:"root" yaml:"root"`
	BackupRoot         string   `json:"backup_root" yaml:"backup_root"`
	StateFile          string   `json:"state_file" yaml:"state_file"`
	MaxSizeBytes       int64    `json:"max_size_bytes" yaml:"max_size_bytes"`
	MetadataFiles      []string `json:"metadata_files" yaml:"metadata_files"`
	EntryPoints        []string `json:"entry_points" yaml:"entry_points"`
	AllowedPermissions []string `json:"allowed_permissions" yaml:"allowed_permissions"`
	MinFreeBytes       int64    `json:"min_free_bytes" yaml:"min_free_bytes"`
}

type WorkerConfig struct {
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	BackoffInitial time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

type SignatureConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Required  bool   `json:"required" yaml:"required"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	KeySecret string `json:"key_secret" yaml:"key_secret"`
}

type SecretsConfig struct {
	Backend string      `json:"backend" yaml:"backend"`
	Dir     string      `json:"dir" yaml:"dir"`
	Vault   VaultConfig `json:"vault" yaml:"vault"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

type AppConfig struct {
	Plugins   PluginsConfig   `json:"plugins" yaml:"plugins"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Signature SignatureConfig `json:"signature" yaml:"signature"`
	Secrets   SecretsConfig   `json:"secrets" yaml:"secrets"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

// NewDefaultManager wires defaults, validators and the file, environment and
// flag sources, then loads them. The secret store is created from the loaded
// values so that its own settings can come from any source.
func NewDefaultManager(ctx context.Context, configPaths []string, flags map[string]interface{}, logger Logger) (*ConfigManager, error) {
	manager := NewConfigManager(logger, nil)

	SetDefaults(manager)
	if err := AddValidators(manager); err != nil {
		return nil, err
	}

	if len(configPaths) > 0 {
		if err := manager.AddSource(NewFileSource(configPaths, priorityFile)); err != nil {
			return nil, err
		}
	}
	if err := manager.AddSource(NewEnvironmentSource(EnvPrefix, priorityEnvironment)); err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		if err := manager.AddSource(NewFlagSource(flags, priorityFlag)); err != nil {
			return nil, err
		}
	}

	if err := manager.Load(ctx); err != nil {
		return nil, err
	}

	app, err := LoadAppConfig(manager)
	if err != nil {
		return nil, err
	}
	store, err := createSecretStore(app.Secrets, logger)
	if err != nil {
		return nil, err
	}
	manager.secretStore = store
	return manager, nil
}

func SetDefaults(manager *ConfigManager) {
	manager.SetDefault("plugins.root", "./data/plugins")
	manager.SetDefault("plugins.backup_root", "./data/backups")
	manager.SetDefault("plugins.state_file", "./data/state.json")
	manager.SetDefault("plugins.max_size_bytes", int64(100*1024*1024))
	manager.SetDefault("plugins.metadata_files", []string{"plugin.json", "plugin.yaml", "plugin.yml"})
	manager.SetDefault("plugins.entry_points", []string{"backend/main.py", "backend/__init__.py", "backend/main.go"})
	manager.SetDefault("plugins.allowed_permissions", []string{})
	manager.SetDefault("plugins.min_free_bytes", int64(0))

	manager.SetDefault("worker.queue_size", 64)
	manager.SetDefault("worker.backoff_initial", "100ms")
	manager.SetDefault("worker.backoff_max", "5s")

	manager.SetDefault("signature.enabled", false)
	manager.SetDefault("signature.required", false)
	manager.SetDefault("signature.algorithm", "HS256")
	manager.SetDefault("signature.key_secret", "plugin-signing-key")

	manager.SetDefault("secrets.backend", "file")
	manager.SetDefault("secrets.dir", "./data/secrets")
	manager.SetDefault("secrets.vault.address", "")
	manager.SetDefault("secrets.vault.mount", "secret")
	manager.SetDefault("secrets.vault.token", "")

	manager.SetDefault("logging.level", "info")
	manager.SetDefault("logging.format", "console")
	manager.SetDefault("logging.output", "stderr")

	manager.SetDefault("metrics.enabled", true)
	manager.SetDefault("server.address", ":9108")

	manager.MarkDynamic("plugins.max_size_bytes")
	manager.MarkDynamic("logging.level")
}

func AddValidators(manager *ConfigManager) error {
	required := &RequiredValidator{}
	manager.AddValidator("plugins.root", required)
	manager.AddValidator("plugins.backup_root", required)

	manager.AddValidator("plugins.max_size_bytes", &RangeValidator{Min: 1, Max: 1 << 40})
	manager.AddValidator("worker.queue_size", &RangeValidator{Min: 1, Max: 1 << 20})
	manager.AddValidator("worker.backoff_initial", &DurationValidator{Min: time.Millisecond})
	manager.AddValidator("worker.backoff_max", &DurationValidator{Min: time.Millisecond})

	manager.AddValidator("logging.level", &EnumValidator{Allowed: []interface{}{"debug", "info", "warn", "error"}})
	manager.AddValidator("logging.format", &EnumValidator{Allowed: []interface{}{"json", "console"}})
	manager.AddValidator("secrets.backend", &EnumValidator{Allowed: []interface{}{"file", "vault"}})
	manager.AddValidator("signature.algorithm", &EnumValidator{Allowed: []interface{}{"HS256", "HS384", "HS512", "RS256"}})

	addr, err := NewPatternValidator(`^[a-zA-Z0-9\.\-]*:[0-9]{1,5}$`)
	if err != nil {
		return err
	}
	manager.AddValidator("server.address", addr)
	return nil
}

// LoadAppConfig snapshots the manager into a typed AppConfig.
func LoadAppConfig(m *ConfigManager) (*AppConfig, error) {
	if m == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	var (
		app  AppConfig
		errs MultiError
	)
	str := func(key string, dst *string) {
		v, err := m.GetString(key)
		errs.Add(err)
		*dst = v
	}
	i64 := func(key string, dst *int64) {
		v, err := m.GetInt64(key)
		errs.Add(err)
		*dst = v
	}
	boolean := func(key string, dst *bool) {
		v, err := m.GetBool(key)
		errs.Add(err)
		*dst = v
	}
	dur := func(key string, dst *time.Duration) {
		v, err := m.GetDuration(key)
		errs.Add(err)
		*dst = v
	}
	list := func(key string, dst *[]string) {
		v, err := m.GetStringSlice(key)
		errs.Add(err)
		*dst = v
	}

	str("plugins.root", &app.Plugins.Root)
	str("plugins.backup_root", &app.Plugins.BackupRoot)
	str("plugins.state_file", &app.Plugins.StateFile)
	i64("plugins.max_size_bytes", &app.Plugins.MaxSizeBytes)
	list("plugins.metadata_files", &app.Plugins.MetadataFiles)
	list("plugins.entry_points", &app.Plugins.EntryPoints)
	list("plugins.allowed_permissions", &app.Plugins.AllowedPermissions)
	i64("plugins.min_free_bytes", &app.Plugins.MinFreeBytes)

	queueSize, err := m.GetInt("worker.queue_size")
	errs.Add(err)
	app.Worker.QueueSize = queueSize
	dur("worker.backoff_initial", &app.Worker.BackoffInitial)
	dur("worker.backoff_max", &app.Worker.BackoffMax)

	boolean("signature.enabled", &app.Signature.Enabled)
	boolean("signature.required", &app.Signature.Required)
	str("signature.algorithm", &app.Signature.Algorithm)
	str("signature.key_secret", &app.Signature.KeySecret)

	str("secrets.backend", &app.Secrets.Backend)
	str("secrets.dir", &app.Secrets.Dir)
	str("secrets.vault.address", &app.Secrets.Vault.Address)
	str("secrets.vault.mount", &app.Secrets.Vault.Mount)
	str("secrets.vault.token", &app.Secrets.Vault.Token)

	str("logging.level", &app.Logging.Level)
	str("logging.format", &app.Logging.Format)
	str("logging.output", &app.Logging.Output)

	boolean("metrics.enabled", &app.Metrics.Enabled)
	str("server.address", &app.Server.Address)

	if errs.HasErrors() {
		return nil, &errs
	}
	return &app, nil
}

func createSecretStore(cfg SecretsConfig, logger Logger) (SecretStore, error) {
	switch cfg.Backend {
	case "vault":
		if cfg.Vault.Token == "" {
			cfg.Vault.Token = os.Getenv("VAULT_TOKEN")
		}
		return NewVaultSecretStore(cfg.Vault, logger)
	case "", "file":
		encKey := os.Getenv(EnvPrefix + "ENCRYPTION_KEY")
		if encKey == "" {
			// Secrets are unavailable without a key; callers treat a nil
			// store as "no secrets configured".
			return nil, nil
		}
		encryption, err := NewAESEncryption([]byte(encKey))
		if err != nil {
			return nil, err
		}
		return NewFileSecretStore(cfg.Dir, encryption, logger)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}
