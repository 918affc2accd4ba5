// Package config loads the typed configuration for the email delivery
// pipeline from environment variables (and an optional .env file) using
// viper, the way the teacher repository's config package does.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for both the API process and the
// worker process; each reads only the sections it needs.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	SMTP       SMTPConfig
	Processing ProcessingConfig
	Cleanup    CleanupConfig
	Alert      AlertConfig
	Attachment AttachmentConfig
	LogLevel   string
	Environment string
}

// ServerConfig configures the thin enqueue HTTP API.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig configures the relational store connection.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds a libpq-style connection string, omitting the password when empty.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	if d.Password == "" {
		return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.DBName, sslMode)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, sslMode)
}

// ConnectionMode enumerates the SMTP transport security modes from spec §4.5.
type ConnectionMode string

const (
	ConnectionModeNone      ConnectionMode = "none"
	ConnectionModeStartTLS  ConnectionMode = "starttls"
	ConnectionModeSSL       ConnectionMode = "ssl"
)

// SMTPConfig configures the outbound relay.
type SMTPConfig struct {
	Server         string
	Port           int
	ConnectionMode ConnectionMode
	Username       string
	Password       string
	SenderEmail    string
	SenderName     string
	DialTimeout    time.Duration
}

// ProcessingConfig configures the dispatcher, C6.
type ProcessingConfig struct {
	MaxConcurrentWorkers  int
	BatchSize             int
	PollInterval          time.Duration
	HeartbeatInterval     time.Duration
	StuckThresholdMinutes int
	MaxRetries            int
	RetryBaseBackoff      time.Duration
	DrainTimeout          time.Duration

	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	SMTPRateLimitPerMinute  int
}

// CleanupConfig configures retention/cleanup, C9.
type CleanupConfig struct {
	HistoryRetentionDays          int
	ProcessingLogRetentionDays    int
	AttachmentRetentionDays       int
	ServiceStatusRetentionDays    int
	FailedQueueRetentionDays      int
	DeadLetterRetentionDays       int
	MaxRecordsPerCleanup          int
	BackupPath                    string
	ArchivePath                   string
	CreateBackupBeforeCleanup     bool
	EnableAggressiveCleanup       bool
}

// AlertConfig configures C10's alert emission.
type AlertConfig struct {
	AlertEmail string
	WebhookURL string
	QueueDegradedThreshold int
}

// AttachmentConfig bounds attachment size at enqueue time (spec §9 Open Question).
type AttachmentConfig struct {
	MaxTotalBytes int64
}

// LoadOptions controls how Load reads configuration.
type LoadOptions struct {
	EnvFile string
}

// Load reads configuration with the default ".env" file if present.
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions reads configuration from environment variables, applying
// sensible defaults for every tunable and an optional dotenv file.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "email_pipeline")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("SMTP_SERVER", "localhost")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_CONNECTION_MODE", "starttls")
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_SENDER_EMAIL", "no-reply@example.com")
	v.SetDefault("SMTP_SENDER_NAME", "Email Pipeline")
	v.SetDefault("SMTP_DIAL_TIMEOUT", "30s")

	v.SetDefault("PROCESSING_MAX_CONCURRENT_WORKERS", 5)
	v.SetDefault("PROCESSING_BATCH_SIZE", 50)
	v.SetDefault("PROCESSING_POLL_INTERVAL", "2s")
	v.SetDefault("PROCESSING_HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("PROCESSING_STUCK_THRESHOLD_MINUTES", 10)
	v.SetDefault("PROCESSING_MAX_RETRIES", 3)
	v.SetDefault("PROCESSING_RETRY_BASE_BACKOFF", "5m")
	v.SetDefault("PROCESSING_DRAIN_TIMEOUT", "30s")
	v.SetDefault("PROCESSING_CIRCUIT_BREAKER_THRESHOLD", 5)
	v.SetDefault("PROCESSING_CIRCUIT_BREAKER_COOLDOWN", "1m")
	v.SetDefault("PROCESSING_SMTP_RATE_LIMIT_PER_MINUTE", 300)

	v.SetDefault("CLEANUP_HISTORY_RETENTION_DAYS", 180)
	v.SetDefault("CLEANUP_PROCESSING_LOG_RETENTION_DAYS", 30)
	v.SetDefault("CLEANUP_ATTACHMENT_RETENTION_DAYS", 90)
	v.SetDefault("CLEANUP_SERVICE_STATUS_RETENTION_DAYS", 7)
	v.SetDefault("CLEANUP_FAILED_QUEUE_RETENTION_DAYS", 7)
	v.SetDefault("CLEANUP_DEAD_LETTER_RETENTION_DAYS", 30)
	v.SetDefault("CLEANUP_MAX_RECORDS_PER_CLEANUP", 1000)
	v.SetDefault("CLEANUP_BACKUP_PATH", "./backups")
	v.SetDefault("CLEANUP_ARCHIVE_PATH", "./archives")
	v.SetDefault("CLEANUP_CREATE_BACKUP_BEFORE_CLEANUP", false)
	v.SetDefault("CLEANUP_ENABLE_AGGRESSIVE_CLEANUP", false)

	v.SetDefault("ALERT_EMAIL", "")
	v.SetDefault("ALERT_WEBHOOK_URL", "")
	v.SetDefault("ALERT_QUEUE_DEGRADED_THRESHOLD", 10000)

	v.SetDefault("ATTACHMENT_MAX_TOTAL_BYTES", 25*1024*1024)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENVIRONMENT", "production")

	if opts.EnvFile != "" {
		v.SetConfigName(strings.TrimSuffix(opts.EnvFile, ".env"))
		v.SetConfigType("env")

		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}
		v.AddConfigPath(cwd)

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		SMTP: SMTPConfig{
			Server:         v.GetString("SMTP_SERVER"),
			Port:           v.GetInt("SMTP_PORT"),
			ConnectionMode: ConnectionMode(v.GetString("SMTP_CONNECTION_MODE")),
			Username:       v.GetString("SMTP_USERNAME"),
			Password:       v.GetString("SMTP_PASSWORD"),
			SenderEmail:    v.GetString("SMTP_SENDER_EMAIL"),
			SenderName:     v.GetString("SMTP_SENDER_NAME"),
			DialTimeout:    v.GetDuration("SMTP_DIAL_TIMEOUT"),
		},
		Processing: ProcessingConfig{
			MaxConcurrentWorkers:    v.GetInt("PROCESSING_MAX_CONCURRENT_WORKERS"),
			BatchSize:               v.GetInt("PROCESSING_BATCH_SIZE"),
			PollInterval:            v.GetDuration("PROCESSING_POLL_INTERVAL"),
			HeartbeatInterval:       v.GetDuration("PROCESSING_HEARTBEAT_INTERVAL"),
			StuckThresholdMinutes:   v.GetInt("PROCESSING_STUCK_THRESHOLD_MINUTES"),
			MaxRetries:              v.GetInt("PROCESSING_MAX_RETRIES"),
			RetryBaseBackoff:        v.GetDuration("PROCESSING_RETRY_BASE_BACKOFF"),
			DrainTimeout:            v.GetDuration("PROCESSING_DRAIN_TIMEOUT"),
			CircuitBreakerThreshold: v.GetInt("PROCESSING_CIRCUIT_BREAKER_THRESHOLD"),
			CircuitBreakerCooldown:  v.GetDuration("PROCESSING_CIRCUIT_BREAKER_COOLDOWN"),
			SMTPRateLimitPerMinute:  v.GetInt("PROCESSING_SMTP_RATE_LIMIT_PER_MINUTE"),
		},
		Cleanup: CleanupConfig{
			HistoryRetentionDays:       v.GetInt("CLEANUP_HISTORY_RETENTION_DAYS"),
			ProcessingLogRetentionDays: v.GetInt("CLEANUP_PROCESSING_LOG_RETENTION_DAYS"),
			AttachmentRetentionDays:    v.GetInt("CLEANUP_ATTACHMENT_RETENTION_DAYS"),
			ServiceStatusRetentionDays: v.GetInt("CLEANUP_SERVICE_STATUS_RETENTION_DAYS"),
			FailedQueueRetentionDays:   v.GetInt("CLEANUP_FAILED_QUEUE_RETENTION_DAYS"),
			DeadLetterRetentionDays:    v.GetInt("CLEANUP_DEAD_LETTER_RETENTION_DAYS"),
			MaxRecordsPerCleanup:       v.GetInt("CLEANUP_MAX_RECORDS_PER_CLEANUP"),
			BackupPath:                 v.GetString("CLEANUP_BACKUP_PATH"),
			ArchivePath:                v.GetString("CLEANUP_ARCHIVE_PATH"),
			CreateBackupBeforeCleanup:  v.GetBool("CLEANUP_CREATE_BACKUP_BEFORE_CLEANUP"),
			EnableAggressiveCleanup:    v.GetBool("CLEANUP_ENABLE_AGGRESSIVE_CLEANUP"),
		},
		Alert: AlertConfig{
			AlertEmail:             v.GetString("ALERT_EMAIL"),
			WebhookURL:             v.GetString("ALERT_WEBHOOK_URL"),
			QueueDegradedThreshold: v.GetInt("ALERT_QUEUE_DEGRADED_THRESHOLD"),
		},
		Attachment: AttachmentConfig{
			MaxTotalBytes: v.GetInt64("ATTACHMENT_MAX_TOTAL_BYTES"),
		},
		LogLevel:    v.GetString("LOG_LEVEL"),
		Environment: v.GetString("ENVIRONMENT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field invariants that SetDefault cannot express.
func (c *Config) Validate() error {
	if c.Processing.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("processing.max_concurrent_workers must be positive")
	}
	if c.Processing.BatchSize <= 0 {
		return fmt.Errorf("processing.batch_size must be positive")
	}
	switch c.SMTP.ConnectionMode {
	case ConnectionModeNone, ConnectionModeStartTLS, ConnectionModeSSL:
	default:
		return fmt.Errorf("smtp.connection_mode must be one of none|starttls|ssl, got %q", c.SMTP.ConnectionMode)
	}
	if c.SMTP.SenderEmail == "" {
		return fmt.Errorf("smtp.sender_email is required")
	}
	return nil
}
