package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Scylla       ScyllaConfig       `mapstructure:"scylla"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Voice        VoiceConfig        `mapstructure:"voice"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DSN renders the connection URL for pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	StatusTopic       string        `mapstructure:"status_topic"`
	NotificationTopic string        `mapstructure:"notification_topic"`
	DeadLetterTopic   string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID   string        `mapstructure:"consumer_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type SchedulerConfig struct {
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type OrchestratorConfig struct {
	// Concurrency is the batch size and the ceiling on simultaneous dispatches.
	Concurrency     int           `mapstructure:"concurrency"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	GlobalLimit     bool          `mapstructure:"global_limit"`
	SlotTTL         time.Duration `mapstructure:"slot_ttl"`
}

type RetryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	LookBack      time.Duration `mapstructure:"look_back"`
}

type VoiceConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	AgentID        string        `mapstructure:"agent_id"`
	PhoneNumberID  string        `mapstructure:"phone_number_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type NotifyConfig struct {
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
}

type TwilioConfig struct {
	AccountSID   string `mapstructure:"account_sid"`
	AuthToken    string `mapstructure:"auth_token"`
	WhatsAppFrom string `mapstructure:"whatsapp_from"`
}

type SendGridConfig struct {
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

type WebhookConfig struct {
	PostCallSecret          string        `mapstructure:"post_call_secret"`
	SignatureTolerance      time.Duration `mapstructure:"signature_tolerance"`
	ValidateTwilioSignature bool          `mapstructure:"validate_twilio_signature"`
	InvalidNumberCodes      []string      `mapstructure:"invalid_number_codes"`
	DedupeTTL               time.Duration `mapstructure:"dedupe_ttl"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("ADHERENCE")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "adherence-calls")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("kafka.status_topic", "adherence.call-status")
	v.SetDefault("kafka.notification_topic", "adherence.notifications")
	v.SetDefault("kafka.dead_letter_topic", "adherence.dead-letter")
	v.SetDefault("kafka.consumer_group_id", "adherence")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("redis.key_prefix", "adherence")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9102")
	v.SetDefault("scheduler.lock_ttl", 2*time.Minute)
	v.SetDefault("orchestrator.concurrency", 50)
	v.SetDefault("orchestrator.dispatch_timeout", 15*time.Second)
	v.SetDefault("orchestrator.slot_ttl", 5*time.Minute)
	v.SetDefault("retry.sweep_interval", 30*time.Minute)
	v.SetDefault("retry.look_back", 48*time.Hour)
	v.SetDefault("voice.provider_name", "mock")
	v.SetDefault("voice.base_url", "https://api.elevenlabs.io/v1")
	v.SetDefault("voice.request_timeout", 10*time.Second)
	v.SetDefault("notify.sendgrid.from_name", "Medicine Check")
	v.SetDefault("webhook.signature_tolerance", 30*time.Minute)
	v.SetDefault("webhook.invalid_number_codes", []string{"21217"})
	v.SetDefault("webhook.dedupe_ttl", 24*time.Hour)

	// Secrets usually arrive only through the environment; viper binds env vars to known keys.
	for _, key := range []string{
		"voice.api_key",
		"voice.agent_id",
		"voice.phone_number_id",
		"notify.twilio.account_sid",
		"notify.twilio.auth_token",
		"notify.sendgrid.api_key",
		"webhook.post_call_secret",
	} {
		v.SetDefault(key, "")
	}
}
