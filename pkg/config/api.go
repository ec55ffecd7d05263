package config

import (
	"fmt"
	"time"
)

// APIConfig contains the HTTP front end configuration.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	// AllowedBuildURLs lists URL prefixes accepted for remote builds.
	AllowedBuildURLs []string `yaml:"allowed_build_urls" mapstructure:"allowed_build_urls"`
	// HMACKey is the shared secret used to sign remote submissions.
	HMACKey    string        `yaml:"hmac_key" mapstructure:"hmac_key"`
	HMACWindow time.Duration `yaml:"hmac_window" mapstructure:"hmac_window"`
}

// RateLimitConfig configures per-IP rate limiting of submissions.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

func (c *APIConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.HMACWindow == 0 {
		c.HMACWindow = DefaultHMACWindow
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
}

// ValidateAPI checks the settings required by the api command.
func (c *Config) ValidateAPI() error {
	if len(c.API.AllowedBuildURLs) > 0 && c.API.HMACKey == "" {
		return fmt.Errorf("api.hmac_key is required when allowed_build_urls is set")
	}

	if c.API.HMACWindow < 0 {
		return fmt.Errorf("api.hmac_window must not be negative")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be at least 1")
	}

	return nil
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Validate checks the database settings.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}

	return nil
}

// QueueConfig configures the work queue between the API and the workers.
type QueueConfig struct {
	// Backend is either "database" or "sqs".
	Backend      string        `yaml:"backend" mapstructure:"backend"`
	Name         string        `yaml:"name" mapstructure:"name"`
	JobTimeout   time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SQS          SQSConfig     `yaml:"sqs,omitempty" mapstructure:"sqs"`
}

// SQSConfig contains Amazon SQS settings for the sqs queue backend.
type SQSConfig struct {
	QueueURL          string `yaml:"queue_url" mapstructure:"queue_url"`
	Region            string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL       string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID       string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey   string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	WaitTimeSeconds   int    `yaml:"wait_time_seconds,omitempty" mapstructure:"wait_time_seconds"`
	VisibilityTimeout int    `yaml:"visibility_timeout,omitempty" mapstructure:"visibility_timeout"`
}

// Validate checks the queue settings.
func (c *QueueConfig) Validate() error {
	switch c.Backend {
	case "database":
	case "sqs":
		if c.SQS.QueueURL == "" {
			return fmt.Errorf("sqs.queue_url is required")
		}

		if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > 20 {
			return fmt.Errorf("sqs.wait_time_seconds must be between 0 and 20")
		}
	default:
		return fmt.Errorf("unsupported queue backend: %s", c.Backend)
	}

	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}

	return nil
}

// UploadConfig configures where retained failed job directories go.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3 upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Validate checks the upload settings.
func (c *UploadConfig) Validate() error {
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when s3 upload is enabled")
	}

	return nil
}

// MetricsConfig configures exporting results to a time series database.
type MetricsConfig struct {
	InfluxDB InfluxDBConfig `yaml:"influxdb,omitempty" mapstructure:"influxdb"`
}

// InfluxDBConfig contains InfluxDB v2 write settings.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
	Token   string `yaml:"token,omitempty" mapstructure:"token"`
	Org     string `yaml:"org" mapstructure:"org"`
	Bucket  string `yaml:"bucket" mapstructure:"bucket"`
}

// Validate checks the metrics settings.
func (c *MetricsConfig) Validate() error {
	if !c.InfluxDB.Enabled {
		return nil
	}

	if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb.url, influxdb.org and influxdb.bucket are required")
	}

	return nil
}
