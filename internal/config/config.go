package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Mail     MailConfig     `yaml:"mail"`
	Payment  PaymentConfig  `yaml:"payment"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with environment override
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional Redis connection used for send rate
// limiting. An empty URL disables rate limiting entirely.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MailConfig holds outbound mail transport settings
type MailConfig struct {
	Transport      string `yaml:"transport"` // "smtp" or "ses"
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	Subject        string `yaml:"subject"`
	SMTPHost       string `yaml:"smtp_host"`
	SMTPPort       int    `yaml:"smtp_port"`
	SMTPUsername   string `yaml:"smtp_username"`
	SMTPPassword   string `yaml:"smtp_password"`
	SESAccessKey   string `yaml:"ses_access_key"`
	SESSecretKey   string `yaml:"ses_secret_key"`
	SESRegion      string `yaml:"ses_region"`
	TemplateDir    string `yaml:"template_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PaymentConfig holds the wallet verification service settings
type PaymentConfig struct {
	Enabled        bool   `yaml:"enabled"`
	WalletURL      string `yaml:"wallet_url"`
	MinAmount      int64  `yaml:"min_amount"` // minimal currency units per submission
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c PaymentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DispatchConfig holds the background delivery worker pool settings
type DispatchConfig struct {
	Workers             int `yaml:"workers"`
	BatchSize           int `yaml:"batch_size"`
	MaxAttempts         int `yaml:"max_attempts"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	SendsPerMinute      int `yaml:"sends_per_minute"`
}

// PollInterval returns the queue polling interval as a duration
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Mail.Transport == "" {
		cfg.Mail.Transport = "smtp"
	}
	if cfg.Mail.SMTPPort == 0 {
		cfg.Mail.SMTPPort = 465
	}
	if cfg.Mail.Subject == "" {
		cfg.Mail.Subject = "You have received a Bitcoin powered greeting!"
	}
	if cfg.Mail.SESRegion == "" {
		cfg.Mail.SESRegion = "us-east-1"
	}
	if cfg.Mail.TemplateDir == "" {
		cfg.Mail.TemplateDir = "templates"
	}
	if cfg.Mail.TimeoutSeconds == 0 {
		cfg.Mail.TimeoutSeconds = 30
	}
	if cfg.Payment.MinAmount == 0 {
		cfg.Payment.MinAmount = 1000
	}
	if cfg.Payment.TimeoutSeconds == 0 {
		cfg.Payment.TimeoutSeconds = 10
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 50
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.PollIntervalSeconds == 0 {
		cfg.Dispatch.PollIntervalSeconds = 2
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v := os.Getenv("MAIL_HOST"); v != "" {
		cfg.Mail.SMTPHost = v
	}
	if v := os.Getenv("MAIL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Mail.SMTPPort = port
		}
	}
	if v := os.Getenv("MAIL_USERNAME"); v != "" {
		cfg.Mail.SMTPUsername = v
	}
	if v := os.Getenv("MAIL_PASSWORD"); v != "" {
		cfg.Mail.SMTPPassword = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Mail.SESAccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Mail.SESSecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Mail.SESRegion = v
	}
	if v := os.Getenv("WALLET_URL"); v != "" {
		cfg.Payment.WalletURL = v
		cfg.Payment.Enabled = true
	}
	if v := os.Getenv("PAYMENT_MIN_AMOUNT"); v != "" {
		if amount, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Payment.MinAmount = amount
		}
	}

	return cfg, nil
}
