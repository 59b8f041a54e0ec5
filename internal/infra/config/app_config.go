// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/pricefeed/internal/coordinator"
	"github.com/coachpo/pricefeed/internal/domain/price"
)

// CoordinatorConfig holds the failover thresholds and timings.
type CoordinatorConfig struct {
	DegradeThreshold int           `yaml:"degradeThreshold"`
	BackoffThreshold int           `yaml:"backoffThreshold"`
	BackoffFloor     time.Duration `yaml:"backoffFloor"`
	BackoffCeiling   time.Duration `yaml:"backoffCeiling"`
	RateLimitPause   time.Duration `yaml:"rateLimitPause"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	PollTimeout      time.Duration `yaml:"pollTimeout"`
	EventBuffer      int           `yaml:"eventBuffer"`
	MaxSymbols       int           `yaml:"maxSymbols"`
}

// RedisConfig configures the optional distributed cache layer. An empty Addr disables it.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	Retention    time.Duration `yaml:"retention"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	QueueSize    int           `yaml:"queueSize"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// CacheConfig sizes the price cache.
type CacheConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

// DatabaseConfig controls the PostgreSQL last-known price store. An empty DSN disables it.
type DatabaseConfig struct {
	DSN                string        `yaml:"dsn"`
	MaxConns           int32         `yaml:"maxConns"`
	MinConns           int32         `yaml:"minConns"`
	MaxConnLifetime    time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime    time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod  time.Duration `yaml:"healthCheckPeriod"`
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`
	RunMigrations      bool          `yaml:"runMigrations"`
}

// Enabled reports whether a DSN is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpointInterval must be >0")
	}
	return nil
}

// APIServerConfig configures the HTTP read surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowedOrigins lists cross-origin hosts permitted to open /stream.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// BroadcastConfig sizes the subscription hub.
type BroadcastConfig struct {
	BufferSize int `yaml:"bufferSize"`
	Workers    int `yaml:"workers"`
}

// WarmupConfig sizes the cold-symbol warm-up pool.
type WarmupConfig struct {
	Workers  int           `yaml:"workers"`
	Queue    int           `yaml:"queue"`
	Cooldown time.Duration `yaml:"cooldown"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AppConfig is the unified pricefeed configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Symbols     []string          `yaml:"symbols"`
	Sources     []SourceConfig    `yaml:"sources"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Cache       CacheConfig       `yaml:"cache"`
	Database    DatabaseConfig    `yaml:"database"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Warmup      WarmupConfig      `yaml:"warmup"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DefaultAppConfig returns a configuration that runs the three public sources and the
// mock tier for BTC and ETH without Redis or Postgres.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Symbols:     []string{"BTC", "ETH"},
		Sources: []SourceConfig{
			{ID: "binance", Adapter: "binance", Priority: 1},
			{ID: "coingecko", Adapter: "coingecko", Priority: 2},
			{ID: "coincap", Adapter: "coincap", Priority: 3},
			{ID: "mock", Adapter: "fake", Priority: 4},
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{ServiceName: "pricefeed", OTLPInsecure: true, EnableMetrics: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not
// exist. Environment overrides apply in both cases.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	return finish(DefaultAppConfig())
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Symbols = price.NormalizeSymbols(c.Symbols)

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		src.normalise()
		if _, exists := seen[src.ID]; exists {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
	}

	coord := coordinator.Config{
		DegradeThreshold: c.Coordinator.DegradeThreshold,
		BackoffThreshold: c.Coordinator.BackoffThreshold,
		BackoffFloor:     c.Coordinator.BackoffFloor,
		BackoffCeiling:   c.Coordinator.BackoffCeiling,
		RateLimitPause:   c.Coordinator.RateLimitPause,
		PollInterval:     c.Coordinator.PollInterval,
		PollTimeout:      c.Coordinator.PollTimeout,
		TTL:              c.Cache.TTL,
		EventBuffer:      c.Coordinator.EventBuffer,
		MaxSymbols:       c.Coordinator.MaxSymbols,
	}.Normalize()
	c.Coordinator = CoordinatorConfig{
		DegradeThreshold: coord.DegradeThreshold,
		BackoffThreshold: coord.BackoffThreshold,
		BackoffFloor:     coord.BackoffFloor,
		BackoffCeiling:   coord.BackoffCeiling,
		RateLimitPause:   coord.RateLimitPause,
		PollInterval:     coord.PollInterval,
		PollTimeout:      coord.PollTimeout,
		EventBuffer:      coord.EventBuffer,
		MaxSymbols:       coord.MaxSymbols,
	}
	c.Cache.TTL = coord.TTL

	redis := &c.Cache.Redis
	redis.Addr = strings.TrimSpace(redis.Addr)
	if strings.TrimSpace(redis.KeyPrefix) == "" {
		redis.KeyPrefix = "pricefeed:price:"
	}
	if redis.Retention <= 0 {
		redis.Retention = 24 * time.Hour
	}
	if redis.WriteTimeout <= 0 {
		redis.WriteTimeout = 2 * time.Second
	}
	if redis.QueueSize <= 0 {
		redis.QueueSize = 1024
	}

	c.Database.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 5 * time.Second
	}

	if c.Broadcast.BufferSize <= 0 {
		c.Broadcast.BufferSize = 64
	}
	if c.Broadcast.Workers <= 0 {
		c.Broadcast.Workers = 4
	}

	if c.Warmup.Workers <= 0 {
		c.Warmup.Workers = 2
	}
	if c.Warmup.Queue <= 0 {
		c.Warmup.Queue = 64
	}
	if c.Warmup.Cooldown <= 0 {
		c.Warmup.Cooldown = 5 * time.Second
	}
	if c.Warmup.Timeout <= 0 {
		c.Warmup.Timeout = 5 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pricefeed"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol required")
	}

	enabled := 0
	for _, src := range c.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
		if src.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled source required")
	}

	if err := c.CoordinatorSettings().Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	if c.Cache.Redis.Enabled() && c.Cache.Redis.Retention < c.Cache.TTL {
		return fmt.Errorf("cache redis retention must be >= ttl")
	}

	if c.Database.Enabled() {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// CoordinatorSettings converts the coordinator and cache sections into coordinator.Config.
func (c AppConfig) CoordinatorSettings() coordinator.Config {
	return coordinator.Config{
		DegradeThreshold: c.Coordinator.DegradeThreshold,
		BackoffThreshold: c.Coordinator.BackoffThreshold,
		BackoffFloor:     c.Coordinator.BackoffFloor,
		BackoffCeiling:   c.Coordinator.BackoffCeiling,
		RateLimitPause:   c.Coordinator.RateLimitPause,
		PollInterval:     c.Coordinator.PollInterval,
		PollTimeout:      c.Coordinator.PollTimeout,
		TTL:              c.Cache.TTL,
		EventBuffer:      c.Coordinator.EventBuffer,
		MaxSymbols:       c.Coordinator.MaxSymbols,
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
