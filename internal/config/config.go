package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default upstream endpoints.
const (
	DefaultStockStreamURL  = "wss://stream.data.alpaca.markets/v2/sip"
	DefaultCryptoStreamURL = "wss://stream.data.alpaca.markets/v1beta3/crypto/us"
	DefaultDataURL         = "https://data.alpaca.markets"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marketstream services.
type Config struct {
	Server   Server   `yaml:"server"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Logging  Logging  `yaml:"logging"`
	Stream   Stream   `yaml:"stream"`
	Storage  Storage  `yaml:"storage"`
	Recorder Recorder `yaml:"recorder"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
	// KeysRatePerMin limits GET /api/alpaca-keys. Zero disables the limit.
	KeysRatePerMin int `yaml:"keys_rate_per_min"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data feeds.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	StockStreamURL  string `yaml:"stock_stream_url"`
	CryptoStreamURL string `yaml:"crypto_stream_url"`
	// KeysURL, when set, makes the stream manager fetch credentials over
	// HTTP instead of using APIKey/APISecret directly.
	KeysURL string `yaml:"keys_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Stream tunes the upstream connection lifecycle.
type Stream struct {
	ReconnectBaseMS    int  `yaml:"reconnect_base_ms"`
	ReconnectMaxMS     int  `yaml:"reconnect_max_ms"`
	HandshakeTimeoutMS int  `yaml:"handshake_timeout_ms"`
	WriteTimeoutMS     int  `yaml:"write_timeout_ms"`
	SeedSnapshots      bool `yaml:"seed_snapshots"`
	SeedRatePerMin     int  `yaml:"seed_rate_per_min"`
}

// Storage holds paths used by the recorder.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Recorder lists the symbols the recorder keeps subscribed.
type Recorder struct {
	Stocks           []string `yaml:"stocks"`
	Crypto           []string `yaml:"crypto"`
	FlushIntervalSec int      `yaml:"flush_interval_sec"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_KEYS_URL"); v != "" {
		cfg.Alpaca.KeysURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Alpaca.DataURL == "" {
		cfg.Alpaca.DataURL = DefaultDataURL
	}
	if cfg.Alpaca.StockStreamURL == "" {
		cfg.Alpaca.StockStreamURL = DefaultStockStreamURL
	}
	if cfg.Alpaca.CryptoStreamURL == "" {
		cfg.Alpaca.CryptoStreamURL = DefaultCryptoStreamURL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Stream.ReconnectBaseMS == 0 {
		cfg.Stream.ReconnectBaseMS = 2000
	}
	if cfg.Stream.ReconnectMaxMS == 0 {
		cfg.Stream.ReconnectMaxMS = 20000
	}
	if cfg.Stream.HandshakeTimeoutMS == 0 {
		cfg.Stream.HandshakeTimeoutMS = 10000
	}
	if cfg.Stream.WriteTimeoutMS == 0 {
		cfg.Stream.WriteTimeoutMS = 5000
	}
	if cfg.Stream.SeedRatePerMin == 0 {
		cfg.Stream.SeedRatePerMin = 200
	}
	if cfg.Recorder.FlushIntervalSec == 0 {
		cfg.Recorder.FlushIntervalSec = 10
	}
}

// Validate performs basic configuration validation.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid grpc port %d", c.Server.GRPCPort))
	}
	if c.Stream.ReconnectBaseMS < 0 || c.Stream.ReconnectMaxMS < c.Stream.ReconnectBaseMS {
		errs = append(errs, fmt.Errorf("reconnect bounds %d..%d ms are invalid",
			c.Stream.ReconnectBaseMS, c.Stream.ReconnectMaxMS))
	}
	for _, u := range []string{c.Alpaca.StockStreamURL, c.Alpaca.CryptoStreamURL} {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			errs = append(errs, fmt.Errorf("stream url %q must use ws:// or wss://", u))
		}
	}
	return errors.Join(errs...)
}

// HasCredentials reports whether both key and secret are configured.
func (a Alpaca) HasCredentials() bool {
	return a.APIKey != "" && a.APISecret != ""
}
