package config

import (
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/policy"
	"github.com/openfroyo/conveyor/pkg/telemetry"
	"github.com/openfroyo/conveyor/pkg/transports/sftp"
)

// Config is the complete configuration of a conveyor instance.
type Config struct {
	Engine       EngineConfig       `mapstructure:"engine"`
	Database     DatabaseConfig     `mapstructure:"database"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	AMQP         AMQPConfig         `mapstructure:"amqp"`
	Policy       policy.Config      `mapstructure:"policy"`
	Vault        VaultConfig        `mapstructure:"vault"`
	DataFlow     DataFlowConfig     `mapstructure:"dataflow"`
	Provision    ProvisionConfig    `mapstructure:"provision"`
	SFTP         SFTPConfig         `mapstructure:"sftp"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Telemetry    telemetry.Config   `mapstructure:"telemetry"`
}

// EngineConfig configures the transfer process manager.
type EngineConfig struct {
	// IterationWait is the idle delay between polling iterations that found no work.
	IterationWait time.Duration `mapstructure:"iteration_wait" validate:"gt=0"`

	// BatchSize is the number of processes leased per state per iteration.
	BatchSize int `mapstructure:"batch_size" validate:"gt=0"`

	// Workers bounds the number of processes handled concurrently.
	Workers int `mapstructure:"workers" validate:"gt=0"`

	Retry RetryConfig `mapstructure:"retry"`

	// PendingTimeout is how long a process waits for an asynchronous
	// provisioning or deprovisioning result before it is retried.
	PendingTimeout time.Duration `mapstructure:"pending_timeout" validate:"gt=0"`

	// LeaseDuration bounds how long a crashed instance can block a process.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`

	// InstanceID names this instance as lease owner. Generated when empty.
	InstanceID string `mapstructure:"instance_id"`

	// CallbackAddress is where counterparties reach this instance.
	CallbackAddress string `mapstructure:"callback_address" validate:"omitempty,url"`

	CommandQueueSize int `mapstructure:"command_queue_size" validate:"gt=0"`
	CommandShards    int `mapstructure:"command_shards" validate:"gt=0"`
	CommandRetries   int `mapstructure:"command_retries" validate:"gte=0"`
}

// RetryConfig configures the per-state retry budget and backoff.
type RetryConfig struct {
	Limit     int           `mapstructure:"limit" validate:"gte=0"`
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay  time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
}

// ManagerConfig converts the section into the manager's configuration.
func (e EngineConfig) ManagerConfig() engine.Config {
	return engine.Config{
		IterationWait:    e.IterationWait,
		BatchSize:        e.BatchSize,
		Workers:          e.Workers,
		RetryLimit:       e.Retry.Limit,
		RetryBaseDelay:   e.Retry.BaseDelay,
		RetryMaxDelay:    e.Retry.MaxDelay,
		CallbackAddress:  e.CallbackAddress,
		CommandQueueSize: e.CommandQueueSize,
		CommandShards:    e.CommandShards,
		CommandRetries:   e.CommandRetries,
	}
}

// DatabaseConfig selects and configures the process store.
type DatabaseConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" validate:"required_if=Driver sqlite"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`

	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// HTTPConfig configures the management and callback API.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address" validate:"required_if=Enabled true"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	// ManagementToken is the bearer token required on /api/v1. Empty
	// leaves the management routes open.
	ManagementToken string `mapstructure:"management_token"`

	// ProtocolToken is the bearer token counterparties present on
	// /protocol/messages.
	ProtocolToken string `mapstructure:"protocol_token"`

	// AllowedOrigins enables CORS on the management routes.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DispatchConfig configures outbound protocol messages.
type DispatchConfig struct {
	// Protocol is the name the HTTP dispatcher is registered under.
	Protocol string `mapstructure:"protocol" validate:"required"`

	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`

	// RatePerSecond limits messages per counterparty. Zero disables limiting.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" validate:"gte=0"`

	// AuthToken is sent as a bearer token on every message.
	AuthToken string `mapstructure:"auth_token"`
}

// AMQPConfig configures the command consumer and event publisher.
type AMQPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"required_if=Enabled true"`

	// CommandQueue receives provisioner results as commands.
	CommandQueue string `mapstructure:"command_queue" validate:"required_if=Enabled true"`

	// CommandExchange, when set, is bound to CommandQueue by command type.
	CommandExchange string `mapstructure:"command_exchange"`

	// EventExchange receives lifecycle events. Empty disables publishing.
	EventExchange string `mapstructure:"event_exchange"`

	// RequestExchange receives provisioning requests for resource types
	// handled by external provisioners.
	RequestExchange string `mapstructure:"request_exchange"`

	// AsyncTypes are the resource types provisioned through RequestExchange.
	AsyncTypes []string `mapstructure:"async_types"`

	Prefetch int `mapstructure:"prefetch" validate:"gte=0"`
}

// VaultConfig selects where provisioned secrets are kept.
type VaultConfig struct {
	// Type is memory or file.
	Type string `mapstructure:"type" validate:"oneof=memory file"`

	// Path is the sealed vault file.
	Path string `mapstructure:"path" validate:"required_if=Type file"`

	// Passphrase derives the sealing key of the file vault.
	Passphrase string `mapstructure:"passphrase" validate:"required_if=Type file"`
}

// DataFlowConfig configures the provider data plane.
type DataFlowConfig struct {
	// PublicEndpoint is the base URL pull consumers read data from. It
	// defaults to the public path under the callback address.
	PublicEndpoint string `mapstructure:"public_endpoint" validate:"omitempty,url"`
}

// ProvisionConfig configures manifest generation.
type ProvisionConfig struct {
	// ManifestFile is a YAML file of resource definitions per process type.
	// Processes get an empty manifest when it is not set.
	ManifestFile string `mapstructure:"manifest_file"`
}

// SFTPConfig enables the provisioner for "sftp" resource definitions,
// which creates transfer directories on an SFTP server.
type SFTPConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	sftp.Config `mapstructure:",squash"`
}

// HousekeepingConfig configures periodic maintenance jobs.
type HousekeepingConfig struct {
	// Schedule is a cron expression, e.g. "@every 30s".
	Schedule string `mapstructure:"schedule" validate:"required"`
}
