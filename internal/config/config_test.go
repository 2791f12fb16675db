package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("WAG_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("WAG_QUEUE_DRIVER", "memory")
	t.Setenv("WAG_SERVER_EMBEDDED_WORKER", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("queue driver = %q", cfg.Queue.Driver)
	}
	if cfg.Server.Port != 4000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Queue.InitialBackoff != 2*time.Second || cfg.Queue.MaxBackoff != 5*time.Minute {
		t.Fatalf("backoff = %s..%s", cfg.Queue.InitialBackoff, cfg.Queue.MaxBackoff)
	}
	if cfg.Business.IdempotencyLockTTL != 10*time.Second {
		t.Fatalf("lock ttl = %s", cfg.Business.IdempotencyLockTTL)
	}
	if cfg.Business.ClaimLease != 5*time.Minute {
		t.Fatalf("claim lease = %s", cfg.Business.ClaimLease)
	}
	if cfg.Redis.Addr() != "127.0.0.1:6379" {
		t.Fatalf("redis addr = %s", cfg.Redis.Addr())
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 8080
  embedded_worker: true
database:
  driver: postgres
queue:
  driver: kafka
  max_attempts: 3
kafka:
  brokers: ["k1:9092", "k2:9092"]
auth:
  jwt_secret: from-file
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAG_SERVER_PORT", "9090")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("env should override file, port = %d", cfg.Server.Port)
	}
	if !cfg.Server.EmbeddedWorker || cfg.Database.Driver != "postgres" || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topic.DeadLetter != "send-messages-dlq" {
		t.Fatalf("default topic lost: %q", cfg.Kafka.Topic.DeadLetter)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("WAG_AUTH_JWT_SECRET", "x")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "mysql"},
			Queue:    QueueConfig{Driver: "redis", MaxAttempts: 5, Concurrency: 1},
			Auth:     AuthConfig{JWTSecret: "s"},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	embedded := valid()
	embedded.Queue.Driver = "memory"
	embedded.Server.EmbeddedWorker = true
	if err := embedded.Validate(); err != nil {
		t.Fatalf("memory queue with embedded worker rejected: %v", err)
	}

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"database driver":       {func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		"queue driver":          {func(c *Config) { c.Queue.Driver = "sqs" }, "queue.driver"},
		"jwt secret":            {func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		"attempts":              {func(c *Config) { c.Queue.MaxAttempts = 0 }, "max_attempts"},
		"concurrency":           {func(c *Config) { c.Queue.Concurrency = 0 }, "concurrency"},
		"memory without worker": {func(c *Config) { c.Queue.Driver = "memory" }, "embedded_worker"},
		"lease under timeout": {func(c *Config) {
			c.Exotel.Timeout = 30 * time.Second
			c.Business.ClaimLease = 10 * time.Second
		}, "claim_lease"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
