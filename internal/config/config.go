package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/session"
	"github.com/dyluth/sapling/pkg/wire"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "sapling.yml"

// Transport kinds
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportStdio     = "stdio"
)

// SaplingConfig represents the top-level sapling.yml configuration
type SaplingConfig struct {
	Version   string           `yaml:"version"`
	Exchange  *ExchangeConfig  `yaml:"exchange,omitempty"`
	Transport *TransportConfig `yaml:"transport,omitempty"`
	Log       *LogConfig       `yaml:"log,omitempty"`
}

// ExchangeConfig tunes every session the process opens
type ExchangeConfig struct {
	BatchSize            int    `yaml:"batch_size,omitempty"`             // Ops per batch message (default 1000), not a count of pipelined exchanges
	Timeout              string `yaml:"timeout,omitempty"`                // Go duration bounding one exchange (default "30s")
	Trace                bool   `yaml:"trace,omitempty"`                  // Log every op at debug level
	FingerprintCacheSize *int   `yaml:"fingerprint_cache_size,omitempty"` // 0 = default, -1 disables content refs
}

// TransportConfig selects how peers reach each other
type TransportConfig struct {
	Kind      string `yaml:"kind"`                // websocket, redis or stdio
	Listen    string `yaml:"listen,omitempty"`    // Server address for websocket
	URL       string `yaml:"url,omitempty"`       // WebSocket URL a client dials
	RedisURL  string `yaml:"redis_url,omitempty"` // redis://host:port/db
	Namespace string `yaml:"namespace,omitempty"` // Redis key namespace
	Codec     string `yaml:"codec,omitempty"`     // json or binary
	Compress  bool   `yaml:"compress,omitempty"`  // zstd-compress every frame
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // console or json
}

// Default returns a validated configuration with every default applied.
func Default() *SaplingConfig {
	c := &SaplingConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration and fills in defaults
func (c *SaplingConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Exchange == nil {
		c.Exchange = &ExchangeConfig{}
	}
	if err := c.Exchange.Validate(); err != nil {
		return err
	}

	if c.Transport == nil {
		c.Transport = &TransportConfig{}
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	return c.Log.Validate()
}

// Validate checks exchange settings and applies defaults
func (e *ExchangeConfig) Validate() error {
	if e.BatchSize == 0 {
		e.BatchSize = exchange.DefaultBatchSize
	}
	if e.BatchSize < 0 {
		return fmt.Errorf("exchange.batch_size must be > 0, got %d", e.BatchSize)
	}

	if e.Timeout == "" {
		e.Timeout = session.DefaultTimeout.String()
	}
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return fmt.Errorf("exchange.timeout: invalid duration %q (use e.g. '30s' or '2m')", e.Timeout)
	}
	if d <= 0 {
		return fmt.Errorf("exchange.timeout must be positive, got %s", e.Timeout)
	}

	if e.FingerprintCacheSize == nil {
		size := exchange.DefaultFingerprintCacheSize
		e.FingerprintCacheSize = &size
	}
	if *e.FingerprintCacheSize < -1 {
		return fmt.Errorf("exchange.fingerprint_cache_size must be >= -1 (-1 = disabled), got %d", *e.FingerprintCacheSize)
	}
	return nil
}

// TimeoutDuration returns the parsed exchange timeout. Call after Validate.
func (e *ExchangeConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return session.DefaultTimeout
	}
	return d
}

// Validate checks transport settings and applies defaults
func (t *TransportConfig) Validate() error {
	if t.Kind == "" {
		t.Kind = TransportWebSocket
	}
	switch t.Kind {
	case TransportWebSocket:
		if t.Listen == "" {
			t.Listen = "127.0.0.1:7411"
		}
		if t.URL == "" {
			t.URL = "ws://" + t.Listen + "/sessions"
		}
	case TransportRedis:
		if t.RedisURL == "" {
			return fmt.Errorf("transport.redis_url is required when transport.kind is 'redis'")
		}
		if t.Namespace == "" {
			t.Namespace = "default"
		}
	case TransportStdio:
	default:
		return fmt.Errorf("invalid transport.kind: %s (must be 'websocket', 'redis' or 'stdio')", t.Kind)
	}

	if t.Codec == "" {
		t.Codec = wire.CodecJSON
	}
	if _, err := wire.CodecByName(t.Codec, t.Compress); err != nil {
		return fmt.Errorf("transport.codec: %w", err)
	}
	return nil
}

// WireCodec builds the codec the transport settings name. Call after Validate.
func (t *TransportConfig) WireCodec() (wire.Codec, error) {
	return wire.CodecByName(t.Codec, t.Compress)
}

// Validate checks logging settings and applies defaults
func (l *LogConfig) Validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be 'debug', 'info', 'warn' or 'error')", l.Level)
	}

	if l.Format == "" {
		l.Format = "console"
	}
	if l.Format != "console" && l.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be 'console' or 'json')", l.Format)
	}
	return nil
}

// SessionOptions maps the exchange settings onto session options.
func (c *SaplingConfig) SessionOptions() session.Options {
	return session.Options{
		BatchSize:            c.Exchange.BatchSize,
		Timeout:              c.Exchange.TimeoutDuration(),
		Trace:                c.Exchange.Trace,
		FingerprintCacheSize: *c.Exchange.FingerprintCacheSize,
	}
}

// Load reads and validates sapling.yml from the specified path
func Load(path string) (*SaplingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config SaplingConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
