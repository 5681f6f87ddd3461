package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/policy"
	"github.com/openfroyo/conveyor/pkg/telemetry"
	"github.com/openfroyo/conveyor/pkg/transports/sftp"
)

// EnvPrefix prefixes every environment override, e.g. CONVEYOR_ENGINE_BATCH_SIZE.
const EnvPrefix = "CONVEYOR"

// DefaultConfigName is the file searched for when no path is given.
const DefaultConfigName = "conveyor"

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	mc := engine.DefaultConfig()
	tc := telemetry.DefaultConfig()
	pendingTimeout := 5 * time.Minute

	return &Config{
		Engine: EngineConfig{
			IterationWait: mc.IterationWait,
			BatchSize:     mc.BatchSize,
			Workers:       mc.Workers,
			Retry: RetryConfig{
				Limit:     mc.RetryLimit,
				BaseDelay: mc.RetryBaseDelay,
				MaxDelay:  mc.RetryMaxDelay,
			},
			PendingTimeout:   pendingTimeout,
			LeaseDuration:    time.Minute,
			CommandQueueSize: mc.CommandQueueSize,
			CommandShards:    mc.CommandShards,
			CommandRetries:   mc.CommandRetries,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "conveyor.db",
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Address:         ":8181",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			Protocol:      "http",
			Timeout:       10 * time.Second,
			RatePerSecond: 20,
			Burst:         40,
		},
		AMQP: AMQPConfig{
			CommandQueue:    "conveyor.commands",
			EventExchange:   "conveyor.events",
			RequestExchange: "conveyor.provision",
			Prefetch:        16,
		},
		Policy: policy.Config{
			PendingTimeout: pendingTimeout,
		},
		Vault: VaultConfig{
			Type: "memory",
		},
		SFTP: SFTPConfig{
			Config: *sftp.DefaultConfig("", ""),
		},
		Housekeeping: HousekeepingConfig{
			Schedule: "@every 30s",
		},
		Telemetry: *tc,
	}
}

// Loader reads configuration from a YAML file and CONVEYOR_* environment
// variables on top of the defaults.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewLoader creates a loader with its own viper instance.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:        v,
		validate: validator.New(),
	}
}

// Load reads path, or conveyor.yaml from the working directory and
// /etc/conveyor when path is empty. A missing default file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	setDefaults(l.v, Default())

	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(DefaultConfigName)
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/conveyor")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Policy.PendingTimeout = cfg.Engine.PendingTimeout

	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Validate checks struct constraints, the telemetry settings and the
// dispatch timeout against the lease duration.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	// Leases are not renewed, so a dispatch must finish before another
	// instance may lease the same process.
	if cfg.Dispatch.Timeout >= cfg.Engine.LeaseDuration {
		return fmt.Errorf("invalid config: Dispatch.Timeout (%s) must be shorter than Engine.LeaseDuration (%s)",
			cfg.Dispatch.Timeout, cfg.Engine.LeaseDuration)
	}
	return nil
}

// Load is a shorthand for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// setDefaults registers every key, which also makes each one reachable
// through AutomaticEnv during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]interface{}{
		"engine.iteration_wait":     d.Engine.IterationWait,
		"engine.batch_size":         d.Engine.BatchSize,
		"engine.workers":            d.Engine.Workers,
		"engine.retry.limit":        d.Engine.Retry.Limit,
		"engine.retry.base_delay":   d.Engine.Retry.BaseDelay,
		"engine.retry.max_delay":    d.Engine.Retry.MaxDelay,
		"engine.pending_timeout":    d.Engine.PendingTimeout,
		"engine.lease_duration":     d.Engine.LeaseDuration,
		"engine.instance_id":        d.Engine.InstanceID,
		"engine.callback_address":   d.Engine.CallbackAddress,
		"engine.command_queue_size": d.Engine.CommandQueueSize,
		"engine.command_shards":     d.Engine.CommandShards,
		"engine.command_retries":    d.Engine.CommandRetries,

		"database.driver":            d.Database.Driver,
		"database.path":              d.Database.Path,
		"database.dsn":               d.Database.DSN,
		"database.max_open_conns":    d.Database.MaxOpenConns,
		"database.max_idle_conns":    d.Database.MaxIdleConns,
		"database.conn_max_lifetime": d.Database.ConnMaxLifetime,
		"database.auto_migrate":      d.Database.AutoMigrate,

		"http.enabled":          d.HTTP.Enabled,
		"http.address":          d.HTTP.Address,
		"http.read_timeout":     d.HTTP.ReadTimeout,
		"http.write_timeout":    d.HTTP.WriteTimeout,
		"http.shutdown_timeout": d.HTTP.ShutdownTimeout,
		"http.management_token": d.HTTP.ManagementToken,
		"http.protocol_token":   d.HTTP.ProtocolToken,
		"http.allowed_origins":  d.HTTP.AllowedOrigins,

		"dispatch.protocol":        d.Dispatch.Protocol,
		"dispatch.timeout":         d.Dispatch.Timeout,
		"dispatch.rate_per_second": d.Dispatch.RatePerSecond,
		"dispatch.burst":           d.Dispatch.Burst,
		"dispatch.auth_token":      d.Dispatch.AuthToken,

		"amqp.enabled":          d.AMQP.Enabled,
		"amqp.url":              d.AMQP.URL,
		"amqp.command_queue":    d.AMQP.CommandQueue,
		"amqp.command_exchange": d.AMQP.CommandExchange,
		"amqp.event_exchange":   d.AMQP.EventExchange,
		"amqp.request_exchange": d.AMQP.RequestExchange,
		"amqp.async_types":      d.AMQP.AsyncTypes,
		"amqp.prefetch":         d.AMQP.Prefetch,

		"policy.paths": d.Policy.Paths,
		"policy.watch": d.Policy.Watch,

		"vault.type":       d.Vault.Type,
		"vault.path":       d.Vault.Path,
		"vault.passphrase": d.Vault.Passphrase,

		"dataflow.public_endpoint": d.DataFlow.PublicEndpoint,

		"provision.manifest_file": d.Provision.ManifestFile,

		"sftp.enabled":                  d.SFTP.Enabled,
		"sftp.host":                     d.SFTP.Host,
		"sftp.port":                     d.SFTP.Port,
		"sftp.user":                     d.SFTP.User,
		"sftp.auth_method":              d.SFTP.AuthMethod,
		"sftp.password":                 d.SFTP.Password,
		"sftp.private_key_path":         d.SFTP.PrivateKeyPath,
		"sftp.private_key_passphrase":   d.SFTP.PrivateKeyPassphrase,
		"sftp.known_hosts_path":         d.SFTP.KnownHostsPath,
		"sftp.strict_host_key_checking": d.SFTP.StrictHostKeyChecking,
		"sftp.connection_timeout":       d.SFTP.ConnectionTimeout,
		"sftp.base_dir":                 d.SFTP.BaseDir,
		"sftp.dir_mode":                 d.SFTP.DirMode,

		"housekeeping.schedule": d.Housekeeping.Schedule,

		"telemetry.service_name":                  d.Telemetry.ServiceName,
		"telemetry.service_version":               d.Telemetry.ServiceVersion,
		"telemetry.environment":                   d.Telemetry.Environment,
		"telemetry.logging.level":                 d.Telemetry.Logging.Level,
		"telemetry.logging.format":                d.Telemetry.Logging.Format,
		"telemetry.logging.output":                d.Telemetry.Logging.Output,
		"telemetry.logging.enable_caller":         d.Telemetry.Logging.EnableCaller,
		"telemetry.logging.enable_sampling":       d.Telemetry.Logging.EnableSampling,
		"telemetry.logging.sampling_initial":      d.Telemetry.Logging.SamplingInitial,
		"telemetry.logging.sampling_thereafter":   d.Telemetry.Logging.SamplingThereafter,
		"telemetry.logging.time_format":           d.Telemetry.Logging.TimeFormat,
		"telemetry.tracing.enabled":               d.Telemetry.Tracing.Enabled,
		"telemetry.tracing.exporter":              d.Telemetry.Tracing.Exporter,
		"telemetry.tracing.endpoint":              d.Telemetry.Tracing.Endpoint,
		"telemetry.tracing.sampling_rate":         d.Telemetry.Tracing.SamplingRate,
		"telemetry.tracing.max_export_batch_size": d.Telemetry.Tracing.MaxExportBatchSize,
		"telemetry.tracing.export_timeout":        d.Telemetry.Tracing.ExportTimeout,
		"telemetry.tracing.insecure":              d.Telemetry.Tracing.Insecure,
		"telemetry.metrics.enabled":               d.Telemetry.Metrics.Enabled,
		"telemetry.metrics.path":                  d.Telemetry.Metrics.Path,
		"telemetry.metrics.namespace":             d.Telemetry.Metrics.Namespace,
		"telemetry.metrics.buckets":               d.Telemetry.Metrics.DefaultHistogramBuckets,
		"telemetry.events.enabled":                d.Telemetry.Events.Enabled,
		"telemetry.events.buffer_size":            d.Telemetry.Events.BufferSize,
		"telemetry.events.max_batch_size":         d.Telemetry.Events.MaxBatchSize,
		"telemetry.events.enable_async":           d.Telemetry.Events.EnableAsync,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
