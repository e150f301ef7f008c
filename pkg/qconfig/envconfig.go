// Package qconfig loads qbatch configuration: infrastructure endpoints and
// credentials from the environment, project settings from qbatch.yaml.
package qconfig

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/quatton/qbatch/pkg/db"
	"github.com/quatton/qbatch/pkg/kv"
	"github.com/quatton/qbatch/pkg/qart"
)

type EnvConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	Port        string `envconfig:"PORT" default:"3000"`
	APISecret   string `envconfig:"API_SECRET"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"qbatch:"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"qbatch"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`

	DBEnabled bool      `envconfig:"DB_ENABLED" default:"false"`
	DB        db.Config `envconfig:"DB"`

	WebhookURL string        `envconfig:"WEBHOOK_URL"`
	ReportTTL  time.Duration `envconfig:"REPORT_TTL" default:"720h"`

	K8sNamespace string `envconfig:"K8S_NAMESPACE"`
	K8sQueue     string `envconfig:"K8S_QUEUE"`
}

// LoadEnv reads the environment (and .env in development) and validates it,
// reporting every problem at once.
func LoadEnv() (*EnvConfig, error) {
	if IsDev() {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EnvConfig) Validate() error {
	var errors []string

	if c.APISecret != "" && len(c.APISecret) < 32 {
		errors = append(errors, "  ❌ API_SECRET must be at least 32 characters")
	}

	if IsProd() && c.APISecret == "" {
		errors = append(errors, "  ❌ API_SECRET is required in production")
	}

	if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		errors = append(errors, "  ❌ Both S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	if c.S3Endpoint != "" && c.S3AccessKey == "" {
		errors = append(errors, "  ❌ S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}

	if c.WebhookURL != "" {
		if u, err := url.ParseRequestURI(c.WebhookURL); err != nil || u.Host == "" {
			errors = append(errors, "  ❌ WEBHOOK_URL must be a valid URL")
		}
	}

	if c.ReportTTL < 0 {
		errors = append(errors, "  ❌ REPORT_TTL must not be negative")
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// Valkey returns the KV connection settings, or false when REDIS_ADDR is unset.
func (c *EnvConfig) Valkey() (kv.ValkeyConfig, bool) {
	return kv.ValkeyConfig{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		Prefix:   c.RedisPrefix,
	}, c.RedisAddr != ""
}

// S3 returns the artifact store settings, or false when S3_ENDPOINT is unset.
func (c *EnvConfig) S3() (qart.S3Config, bool) {
	return qart.S3Config{
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Bucket:    c.S3Bucket,
		Region:    c.S3Region,
		UseSSL:    c.S3UseSSL,
	}, c.S3Endpoint != ""
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func enabled(on bool) string {
	if on {
		return "✓ Enabled"
	}
	return "✗ Disabled"
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Port: %s\n", c.Port)
	fmtr("  API Secret: %s\n", MaskSecret(c.APISecret))

	fmtr("  Valkey: %s\n", enabled(c.RedisAddr != ""))
	if c.RedisAddr != "" {
		fmtr("    Addr: %s (db %d)\n", c.RedisAddr, c.RedisDB)
		fmtr("    Password: %s\n", MaskSecret(c.RedisPassword))
	}

	fmtr("  S3: %s\n", enabled(c.S3Endpoint != ""))
	if c.S3Endpoint != "" {
		fmtr("    Endpoint: %s (ssl=%t)\n", c.S3Endpoint, c.S3UseSSL)
		fmtr("    Bucket: %s (%s)\n", c.S3Bucket, c.S3Region)
		fmtr("    Access Key: %s\n", MaskSecret(c.S3AccessKey))
		fmtr("    Secret Key: %s\n", MaskSecret(c.S3SecretKey))
	}

	fmtr("  Database: %s\n", enabled(c.DBEnabled))
	if c.DBEnabled {
		fmtr("    %s@%s:%d/%s (sslmode=%s)\n", c.DB.User, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
	}

	fmtr("  Webhook: %s\n", enabled(c.WebhookURL != ""))
	fmtr("  Report TTL: %s\n", c.ReportTTL)

	if c.K8sNamespace != "" {
		fmtr("  Kubernetes namespace: %s\n", c.K8sNamespace)
	}
	if c.K8sQueue != "" {
		fmtr("  Kueue queue: %s\n", c.K8sQueue)
	}
}
