package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree for the command-service binary and the
// standalone dispatcher binary. It is loaded once at process startup.
type Config struct {
	CommandService ServerConfig `mapstructure:"commandservice"`
	Redis          RedisConfig
	Kafka          KafkaConfig
	MQ             MQConfig
	Database       DatabaseConfig
	Observability  ObservabilityConfig
	Core           CoreConfig
}

// CoreConfig carries the enumerated knobs of the execution core: command
// leasing, outbox sweeping/backoff, and the naming conventions the outbox row
// builders use to derive queue and topic names.
type CoreConfig struct {
	CommandLeaseSeconds    int           `mapstructure:"command_lease_seconds"`
	OutboxSweepInterval    time.Duration `mapstructure:"outbox_sweep_interval"`
	OutboxBatchSize        int           `mapstructure:"outbox_batch_size"`
	OutboxClaimTimeout     time.Duration `mapstructure:"outbox_claim_timeout"`
	OutboxMaxBackoffMillis int           `mapstructure:"outbox_max_backoff_millis"`
	OutboxRetentionPeriod  time.Duration `mapstructure:"outbox_retention_period"`
	FastPathConcurrency    int           `mapstructure:"fast_path_concurrency"`
	FastPathEnabled        bool          `mapstructure:"fast_path_enabled"`
	QueueNaming            QueueNaming   `mapstructure:"queue_naming"`
	TopicNaming            TopicNaming   `mapstructure:"topic_naming"`
	ClaimerID              string        `mapstructure:"claimer_id"`
}

type QueueNaming struct {
	CommandPrefix string `mapstructure:"command_prefix"`
	QueueSuffix   string `mapstructure:"queue_suffix"`
	ReplyQueue    string `mapstructure:"reply_queue"`
}

type TopicNaming struct {
	EventPrefix string `mapstructure:"event_prefix"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Addresses       []string      `mapstructure:"addresses"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	FastPathKey     string        `mapstructure:"fast_path_key"`
}

// KafkaConfig configures the KafkaPublisher SPI (category=event outbox rows).
type KafkaConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Brokers  []string       `mapstructure:"brokers"`
	GroupID  string         `mapstructure:"group_id"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Producer ProducerConfig `mapstructure:"producer"`
}

// MQConfig configures the MqPublisher SPI (category=command/reply outbox rows).
type MQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type ConsumerConfig struct {
	MinBytes     int           `mapstructure:"min_bytes"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Topics       []string      `mapstructure:"topics"`
}

type ProducerConfig struct {
	Compression  string        `mapstructure:"compression"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type DatabaseConfig struct {
	Primary ConnectionConfig `mapstructure:"primary"`
	URL     string           `mapstructure:"url"`
}

type ConnectionConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ObservabilityConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPort int           `mapstructure:"metrics_port"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	SchemaURL   string `mapstructure:"schema_url"`
	Disable     bool   `mapstructure:"disable"`
}

// Load reads configuration from ./config.yaml (or /etc/command-core/), applying
// UMW_-prefixed environment variable overrides on top, and unmarshals it into
// Config. A missing config file is tolerated; defaults plus env vars still apply.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/command-core/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("UMW")

	viper.SetDefault("commandservice.host", "0.0.0.0")
	viper.SetDefault("commandservice.port", 8082)
	viper.SetDefault("commandservice.read_timeout", "30s")
	viper.SetDefault("commandservice.write_timeout", "30s")

	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.fast_path_key", "core:outbox:fastpath")

	viper.SetDefault("database.primary.max_open_conns", 50)

	viper.SetDefault("mq.exchange", "commands")

	viper.SetDefault("core.command_lease_seconds", 60)
	viper.SetDefault("core.outbox_sweep_interval", "1s")
	viper.SetDefault("core.outbox_batch_size", 500)
	viper.SetDefault("core.outbox_claim_timeout", "10s")
	viper.SetDefault("core.outbox_max_backoff_millis", 300000)
	viper.SetDefault("core.outbox_retention_period", "168h")
	viper.SetDefault("core.fast_path_concurrency", 32)
	viper.SetDefault("core.fast_path_enabled", true)
	viper.SetDefault("core.queue_naming.command_prefix", "cmd.")
	viper.SetDefault("core.queue_naming.queue_suffix", ".q")
	viper.SetDefault("core.queue_naming.reply_queue", "replies.default")
	viper.SetDefault("core.topic_naming.event_prefix", "events.")
	viper.SetDefault("core.claimer_id", "core")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
