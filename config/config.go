package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.yaml.in/yaml/v4"

	"github.com/BearBump/ShipCheck/internal/models"
)

// EnvPrefix is the prefix of every secret read from the environment, e.g. SHIPCHECK_UPS_API_KEY.
const EnvPrefix = "SHIPCHECK"

const (
	BreakerStoreRedis    = "redis"
	BreakerStorePostgres = "postgres"
)

const (
	CarrierKindUPS      = "ups"
	CarrierKindFedEx    = "fedex"
	CarrierKindEmulator = "emulator"
	CarrierKindFake     = "fake"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ShipCheck ShipCheckConfig `yaml:"shipcheck"`
	Carriers  []CarrierConfig `yaml:"carriers"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		d.Username, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), d.DBName, d.SSLMode)
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentUpdatedTopicName string `yaml:"shipment_updated_topic_name"`
	AlertsTopicName          string `yaml:"alerts_topic_name"`
	AlertsConsumerGroup      string `yaml:"alerts_consumer_group"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{net.JoinHostPort(k.Host, strconv.Itoa(k.Port))}
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type ShipCheckConfig struct {
	// Dispatcher
	DispatchIntervalSeconds int `yaml:"dispatch_interval_seconds"`
	DispatchBatchSize       int `yaml:"dispatch_batch_size"`
	RecheckIntervalSeconds  int `yaml:"recheck_interval_seconds"`
	MaxAgeHours             int `yaml:"max_age_hours"`

	// Queue
	QueuePrefix              string `yaml:"queue_prefix"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
	MaxAttempts              int    `yaml:"max_attempts"`
	ReapIntervalSeconds      int    `yaml:"reap_interval_seconds"`
	IdleWaitMillis           int    `yaml:"idle_wait_millis"`

	// Worker
	WorkerConcurrency     int    `yaml:"worker_concurrency"`
	AdapterTimeoutSeconds int    `yaml:"adapter_timeout_seconds"`
	RateLimitPerMinute    int    `yaml:"rate_limit_per_minute"`
	DoneMarkerTTLSeconds  int    `yaml:"done_marker_ttl_seconds"`
	WorkerHTTPAddr        string `yaml:"worker_http_addr"`

	// Retry backoff by delivery attempt; the last value repeats.
	Backoff1Seconds int `yaml:"backoff_1_seconds"`
	Backoff2Seconds int `yaml:"backoff_2_seconds"`
	Backoff3Seconds int `yaml:"backoff_3_seconds"`
	Backoff4Seconds int `yaml:"backoff_4_seconds"`

	// Circuit breaker
	BreakerStore               string `yaml:"breaker_store"` // "redis" | "postgres"
	BreakerFailureThreshold    int    `yaml:"breaker_failure_threshold"`
	BreakerCooldownSeconds     int    `yaml:"breaker_cooldown_seconds"`
	BreakerTrialTimeoutSeconds int    `yaml:"breaker_trial_timeout_seconds"`
	BreakerDeferSeconds        int    `yaml:"breaker_defer_seconds"`

	// Telemetry
	ServiceName  string `yaml:"service_name"`
	OTELEnabled  bool   `yaml:"otel_enabled"`
	OTELEndpoint string `yaml:"otel_endpoint"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s ShipCheckConfig) DispatchInterval() time.Duration { return seconds(s.DispatchIntervalSeconds) }
func (s ShipCheckConfig) RecheckInterval() time.Duration  { return seconds(s.RecheckIntervalSeconds) }
func (s ShipCheckConfig) MaxAge() time.Duration           { return time.Duration(s.MaxAgeHours) * time.Hour }
func (s ShipCheckConfig) VisibilityTimeout() time.Duration {
	return seconds(s.VisibilityTimeoutSeconds)
}
func (s ShipCheckConfig) ReapInterval() time.Duration { return seconds(s.ReapIntervalSeconds) }
func (s ShipCheckConfig) IdleWait() time.Duration {
	return time.Duration(s.IdleWaitMillis) * time.Millisecond
}
func (s ShipCheckConfig) AdapterTimeout() time.Duration  { return seconds(s.AdapterTimeoutSeconds) }
func (s ShipCheckConfig) DoneMarkerTTL() time.Duration   { return seconds(s.DoneMarkerTTLSeconds) }
func (s ShipCheckConfig) BreakerCooldown() time.Duration { return seconds(s.BreakerCooldownSeconds) }
func (s ShipCheckConfig) BreakerTrialTimeout() time.Duration {
	return seconds(s.BreakerTrialTimeoutSeconds)
}
func (s ShipCheckConfig) BreakerDeferDelay() time.Duration { return seconds(s.BreakerDeferSeconds) }

func (s ShipCheckConfig) Backoff() []time.Duration {
	return []time.Duration{
		seconds(s.Backoff1Seconds),
		seconds(s.Backoff2Seconds),
		seconds(s.Backoff3Seconds),
		seconds(s.Backoff4Seconds),
	}
}

// CarrierConfig describes one adapter. Each carrier is bound explicitly; nothing is inferred from tracking numbers.
type CarrierConfig struct {
	Code           string `yaml:"code"`
	Kind           string `yaml:"kind"` // "ups" | "fedex" | "emulator" | "fake"
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c CarrierConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// Secrets are read from the environment and override the file values when set.
type Secrets struct {
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	UPSAPIKey        string `envconfig:"UPS_API_KEY"`
	FedExAPIKey      string `envconfig:"FEDEX_API_KEY"`
	USPSAPIKey       string `envconfig:"USPS_API_KEY"`
	DHLAPIKey        string `envconfig:"DHL_API_KEY"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// Load reads the YAML file, overlays secrets from .env (if present) and the environment,
// fills defaults and validates the result.
func Load(filename string) (*Config, error) {
	cfg, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var sec Secrets
	if err := envconfig.Process(EnvPrefix, &sec); err != nil {
		return nil, fmt.Errorf("failed to read env secrets: %w", err)
	}
	cfg.ApplySecrets(sec)
	cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ApplySecrets(s Secrets) {
	if s.DatabasePassword != "" {
		c.Database.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		c.Redis.Password = s.RedisPassword
	}
	keys := map[models.Carrier]string{
		models.CarrierUPS:   s.UPSAPIKey,
		models.CarrierFedEx: s.FedExAPIKey,
		models.CarrierUSPS:  s.USPSAPIKey,
		models.CarrierDHL:   s.DHLAPIKey,
	}
	for i := range c.Carriers {
		code, err := models.ParseCarrier(c.Carriers[i].Code)
		if err != nil {
			continue
		}
		if k := keys[code]; k != "" {
			c.Carriers[i].APIKey = k
		}
	}
}

func setIfZero(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// WithDefaults fills every unset knob. Values are production-like; tests shrink them explicitly.
func (c *Config) WithDefaults() *Config {
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Kafka.ShipmentUpdatedTopicName == "" {
		c.Kafka.ShipmentUpdatedTopicName = "shipments.updated"
	}
	if c.Kafka.AlertsTopicName == "" {
		c.Kafka.AlertsTopicName = "shipments.alerts"
	}
	if c.Kafka.AlertsConsumerGroup == "" {
		c.Kafka.AlertsConsumerGroup = "shipcheck-alerts"
	}

	s := &c.ShipCheck
	setIfZero(&s.DispatchIntervalSeconds, 300)
	setIfZero(&s.DispatchBatchSize, 500)
	setIfZero(&s.RecheckIntervalSeconds, 3600)
	setIfZero(&s.MaxAgeHours, 90*24)
	if s.QueuePrefix == "" {
		s.QueuePrefix = "shipcheck"
	}
	setIfZero(&s.VisibilityTimeoutSeconds, 60)
	setIfZero(&s.MaxAttempts, 5)
	setIfZero(&s.ReapIntervalSeconds, 15)
	setIfZero(&s.IdleWaitMillis, 500)
	setIfZero(&s.WorkerConcurrency, 8)
	setIfZero(&s.AdapterTimeoutSeconds, 20)
	setIfZero(&s.RateLimitPerMinute, 120)
	setIfZero(&s.DoneMarkerTTLSeconds, 24*3600)
	if s.WorkerHTTPAddr == "" {
		s.WorkerHTTPAddr = ":8081"
	}
	setIfZero(&s.Backoff1Seconds, 5)
	setIfZero(&s.Backoff2Seconds, 15)
	setIfZero(&s.Backoff3Seconds, 30)
	setIfZero(&s.Backoff4Seconds, 60)
	if s.BreakerStore == "" {
		s.BreakerStore = BreakerStoreRedis
	}
	setIfZero(&s.BreakerFailureThreshold, 3)
	setIfZero(&s.BreakerCooldownSeconds, 30*60)
	setIfZero(&s.BreakerTrialTimeoutSeconds, 2*s.AdapterTimeoutSeconds)
	setIfZero(&s.BreakerDeferSeconds, 60)
	if s.ServiceName == "" {
		s.ServiceName = "shipcheck"
	}
	if s.OTELEndpoint == "" {
		s.OTELEndpoint = "localhost:4318"
	}

	for i := range c.Carriers {
		if c.Carriers[i].Kind == "" {
			c.Carriers[i].Kind = CarrierKindEmulator
		}
		setIfZero(&c.Carriers[i].TimeoutSeconds, s.AdapterTimeoutSeconds)
	}
	return c
}

func (c *Config) Validate() error {
	s := c.ShipCheck
	if s.AdapterTimeoutSeconds >= s.VisibilityTimeoutSeconds {
		return fmt.Errorf("adapter_timeout_seconds (%d) must be shorter than visibility_timeout_seconds (%d)",
			s.AdapterTimeoutSeconds, s.VisibilityTimeoutSeconds)
	}
	if s.BreakerTrialTimeoutSeconds < s.AdapterTimeoutSeconds {
		return fmt.Errorf("breaker_trial_timeout_seconds must be at least adapter_timeout_seconds")
	}
	switch s.BreakerStore {
	case BreakerStoreRedis, BreakerStorePostgres:
	default:
		return fmt.Errorf("unknown breaker_store %q", s.BreakerStore)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if s.BreakerFailureThreshold < 1 {
		return fmt.Errorf("breaker_failure_threshold must be positive")
	}

	seen := make(map[models.Carrier]bool, len(c.Carriers))
	for _, cc := range c.Carriers {
		code, err := models.ParseCarrier(cc.Code)
		if err != nil {
			return fmt.Errorf("carriers: %w", err)
		}
		if seen[code] {
			return fmt.Errorf("carriers: duplicate entry for %s", code)
		}
		seen[code] = true

		switch cc.Kind {
		case CarrierKindUPS, CarrierKindFedEx, CarrierKindEmulator:
			if cc.BaseURL == "" {
				return fmt.Errorf("carriers: %s needs base_url", code)
			}
		case CarrierKindFake:
		default:
			return fmt.Errorf("carriers: %s has unknown kind %q", code, cc.Kind)
		}
		if cc.TimeoutSeconds > s.AdapterTimeoutSeconds {
			return fmt.Errorf("carriers: %s timeout_seconds exceeds adapter_timeout_seconds", code)
		}
	}
	return nil
}
