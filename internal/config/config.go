package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

type Config struct {
	Service    string           `yaml:"service"`
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Checkout   CheckoutConfig   `yaml:"checkout"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend      string `yaml:"backend"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
}

type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	PoolSize       int           `yaml:"pool_size"`
	PeekTTL        time.Duration `yaml:"peek_ttl"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type KafkaConfig struct {
	Brokers             []string `yaml:"brokers"`
	ReconciliationTopic string   `yaml:"reconciliation_topic"`
}

type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

type CheckoutConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
	StaleMargin         time.Duration `yaml:"stale_margin"`
	Retry               RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type ReconcilerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

func Default() Config {
	return Config{
		Service:  "stock-checkout",
		LogLevel: "info",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Backend: BackendMySQL, EnsureSchema: true},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/shop?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			TxTimeout:       2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       100,
			PeekTTL:        2 * time.Second,
			IdempotencyTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:             []string{"localhost:9092"},
			ReconciliationTopic: "stock.reconciliation",
		},
		Tracing: TracingConfig{
			JaegerEndpoint: "http://localhost:14268/api/traces",
			SampleRatio:    1,
		},
		Checkout: CheckoutConfig{
			Timeout:             5 * time.Second,
			CompensationTimeout: 2 * time.Second,
			StaleMargin:         time.Minute,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Reconciler: ReconcilerConfig{
			Enabled:   true,
			Interval:  30 * time.Second,
			BatchSize: 50,
		},
	}
}

// Load reads path on top of the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = env("LOG_LEVEL", c.LogLevel)
	c.Server.HTTPAddr = env("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = env("GRPC_ADDR", c.Server.GRPCAddr)
	c.Storage.Backend = env("STORAGE_BACKEND", c.Storage.Backend)
	c.MySQL.DSN = env("MYSQL_DSN", c.MySQL.DSN)
	c.Redis.Addr = env("REDIS_ADDR", c.Redis.Addr)
	c.Tracing.JaegerEndpoint = env("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMySQL:
		if c.MySQL.DSN == "" {
			errs = append(errs, errors.New("mysql.dsn is required for the mysql backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	if c.Checkout.Timeout <= 0 {
		errs = append(errs, errors.New("checkout.timeout must be positive"))
	}
	if c.Checkout.CompensationTimeout <= 0 {
		errs = append(errs, errors.New("checkout.compensation_timeout must be positive"))
	}
	if c.Checkout.StaleMargin <= 0 {
		errs = append(errs, errors.New("checkout.stale_margin must be positive"))
	}
	if c.Checkout.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("checkout.retry.max_attempts must be at least 1"))
	}
	if c.Checkout.Retry.InitialInterval <= 0 || c.Checkout.Retry.MaxInterval < c.Checkout.Retry.InitialInterval {
		errs = append(errs, errors.New("checkout.retry intervals are inconsistent"))
	}
	if c.Reconciler.Enabled && (c.Reconciler.Interval <= 0 || c.Reconciler.BatchSize <= 0) {
		errs = append(errs, errors.New("reconciler.interval and reconciler.batch_size must be positive"))
	}

	return errors.Join(errs...)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
