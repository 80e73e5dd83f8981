package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the alarm-engine and alarm-watch binaries need.
type Config struct {
	// AccountID identifies the dashboard account whose rules are evaluated.
	AccountID string `yaml:"account_id"`
	// GRPCAddress is where the engine API listens and where alarm-watch dials.
	GRPCAddress string `yaml:"grpc_addr"`
	// HTTPAddress serves /metrics, /healthz and the toast WebSocket.
	HTTPAddress string `yaml:"http_addr"`
	// AllowedOrigins lists browser origins allowed to open the toast WebSocket.
	// Empty keeps the same-origin check.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Backend configures the remote rule/recipient CRUD API.
	Backend BackendConfig `yaml:"backend"`
	// MQTT configures the telemetry transport.
	MQTT MQTTConfig `yaml:"mqtt"`
	// Notify configures toasts and the email digest.
	Notify NotifyConfig `yaml:"notify"`
	// Outbox configures where digests are queued for the email sender.
	Outbox OutboxConfig `yaml:"outbox"`
	// DeleteConfirmation is the phrase a caller must type to delete a rule.
	DeleteConfirmation string `yaml:"delete_confirmation"`
	// LogLevel is the global log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat is console or json.
	LogFormat string `yaml:"log_format"`
	// Timeout is the default duration for RPC calls.
	Timeout time.Duration `yaml:"timeout"`
}

// BackendConfig describes the HTTP CRUD backend.
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	// RefreshInterval is how often rules and recipients are reloaded.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// MQTTConfig describes the telemetry broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	// LogLevel pins the transport logger, which is chatty at debug.
	LogLevel string `yaml:"log_level"`
}

// NotifyConfig describes toast buffering and digest batching.
type NotifyConfig struct {
	DigestInterval time.Duration `yaml:"digest_interval"`
	ToastBuffer    int           `yaml:"toast_buffer"`
}

// OutboxConfig selects and configures the digest queue.
type OutboxConfig struct {
	Driver      string `yaml:"driver"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisStream string `yaml:"redis_stream"`
	// RedisMaxLen caps the stream approximately; negative keeps every entry.
	RedisMaxLen  int64    `yaml:"redis_max_len"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	FilePath     string   `yaml:"file_path"`
}

// Outbox drivers.
const (
	OutboxDriverFile  = "file"
	OutboxDriverRedis = "redis"
	OutboxDriverKafka = "kafka"
)

const (
	// DefaultConfigFilename is the default filename for engine settings.
	DefaultConfigFilename = "alarm-engine.yaml"

	// DefaultOutboxFilename is the default JSON-lines digest spool.
	DefaultOutboxFilename = "alarm-digests.jsonl"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultDigestInterval is how often activations are batched into an email digest.
	DefaultDigestInterval = 30 * time.Minute

	// DefaultToastBuffer bounds the toast queue between the engine and the UI.
	DefaultToastBuffer = 64

	// DefaultRefreshInterval is how often the backend is polled for rule changes.
	DefaultRefreshInterval = time.Minute

	// DefaultRetryCount is the number of backend retries on transport failure.
	DefaultRetryCount = 2

	// DefaultDeleteConfirmation is the phrase required to delete a rule.
	DefaultDeleteConfirmation = "delete"

	// DefaultRedisStream is the stream digests are appended to.
	DefaultRedisStream = "alarm:digests"

	// DefaultRedisMaxLen is the approximate number of digests kept in the stream.
	DefaultRedisMaxLen = 10000

	// DefaultKafkaTopic is the topic digests are produced to.
	DefaultKafkaTopic = "alarm-digests"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errAccountRequired is returned when the account id is missing.
	errAccountRequired = errors.New("account id must be provided")
	// errBackendRequired is returned when the backend URL is missing.
	errBackendRequired = errors.New("backend base url must be provided")
	// errGRPCAddressRequired is returned when the gRPC address is missing.
	errGRPCAddressRequired = errors.New("grpc address must be provided")
	// errUnknownOutboxDriver is returned for an unsupported outbox driver.
	errUnknownOutboxDriver = errors.New("unknown outbox driver")
	// errOutboxIncomplete is returned when the chosen driver lacks its address.
	errOutboxIncomplete = errors.New("outbox driver is missing its address")
	// errNegativeDuration is returned for durations below zero.
	errNegativeDuration = errors.New("duration must not be negative")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Credentials may be inside, so keep it private.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills defaults in place.
//
//nolint:cyclop // A flat list of checks reads better than helpers here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if strings.TrimSpace(cfg.AccountID) == "" {
		return errAccountRequired
	}

	if cfg.GRPCAddress == "" {
		return errGRPCAddressRequired
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.GRPCAddress); err != nil {
		return fmt.Errorf("invalid grpc address: %w", err)
	}

	if cfg.Backend.BaseURL == "" {
		return errBackendRequired
	}

	if _, err := url.ParseRequestURI(cfg.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid backend url: %w", err)
	}

	if cfg.Timeout < 0 || cfg.Backend.Timeout < 0 || cfg.Backend.RefreshInterval < 0 ||
		cfg.Notify.DigestInterval < 0 {
		return errNegativeDuration
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultTimeout
	}

	if cfg.Backend.RefreshInterval == 0 {
		cfg.Backend.RefreshInterval = DefaultRefreshInterval
	}

	if cfg.Backend.RetryCount <= 0 {
		cfg.Backend.RetryCount = DefaultRetryCount
	}

	if cfg.Notify.DigestInterval == 0 {
		cfg.Notify.DigestInterval = DefaultDigestInterval
	}

	if cfg.Notify.ToastBuffer <= 0 {
		cfg.Notify.ToastBuffer = DefaultToastBuffer
	}

	if cfg.DeleteConfirmation == "" {
		cfg.DeleteConfirmation = DefaultDeleteConfirmation
	}

	return validateOutbox(&cfg.Outbox)
}

// validateOutbox applies outbox defaults and checks the driver has what it needs.
func validateOutbox(outbox *OutboxConfig) error {
	if outbox.Driver == "" {
		outbox.Driver = OutboxDriverFile
	}

	switch outbox.Driver {
	case OutboxDriverFile:
		if outbox.FilePath == "" {
			outbox.FilePath = DefaultOutboxFilename
		}
	case OutboxDriverRedis:
		if outbox.RedisAddr == "" {
			return fmt.Errorf("%s: %w", outbox.Driver, errOutboxIncomplete)
		}

		if outbox.RedisStream == "" {
			outbox.RedisStream = DefaultRedisStream
		}

		if outbox.RedisMaxLen == 0 {
			outbox.RedisMaxLen = DefaultRedisMaxLen
		}
	case OutboxDriverKafka:
		if len(outbox.KafkaBrokers) == 0 {
			return fmt.Errorf("%s: %w", outbox.Driver, errOutboxIncomplete)
		}

		if outbox.KafkaTopic == "" {
			outbox.KafkaTopic = DefaultKafkaTopic
		}
	default:
		return fmt.Errorf("%q: %w", outbox.Driver, errUnknownOutboxDriver)
	}

	return nil
}
