// Package config handles configuration management with validation.
//
// Configuration comes from an optional YAML file (CONFIG_FILE) with ${VAR}
// expansion, then from the PORT, DATABASE_URL, REDIS_URL and SQLITE_PATH
// environment variables, which override the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/synbook"
	"github.com/atmx/perp-engine/internal/ticker"
)

// Config represents the complete configuration structure.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Store   StoreConfig    `yaml:"store"`
	Limits  LimitsConfig   `yaml:"limits"`
	Markets []MarketConfig `yaml:"markets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	WriteRateLimit  float64       `yaml:"write_rate_limit"` // requests per second; 0 disables
	WriteBurst      int           `yaml:"write_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend. PostgreSQL wins over SQLite;
// with neither set, markets live in memory.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"` // optional read-through cache
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// LimitsConfig holds position limits as decimal strings. Empty or zero
// disables a limit.
type LimitsConfig struct {
	MakerLimit        string `yaml:"maker_limit"`
	EfficiencyLimit   string `yaml:"efficiency_limit"`
	MaxCorrelatedSkew string `yaml:"max_correlated_skew"`
}

// CurveConfig holds fee-curve coefficients as decimal strings.
type CurveConfig struct {
	D0    string `yaml:"d0"`
	D1    string `yaml:"d1"`
	D2    string `yaml:"d2"`
	D3    string `yaml:"d3"`
	Scale string `yaml:"scale"`
}

// MarketConfig is a market created at startup if its ticker does not exist.
type MarketConfig struct {
	Ticker string       `yaml:"ticker"`
	Curve  CurveConfig  `yaml:"curve"`
	Limits LimitsConfig `yaml:"limits"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads CONFIG_FILE if set, or the defaults otherwise, applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = readConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Unset fields keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg, err := readConfig(filename)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func readConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return ValidationError{Field: "PORT", Value: port, Message: "must be an integer"}
		}
		c.Server.Port = p
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	return nil
}

// Validate performs comprehensive validation of the configuration and
// reports every problem at once.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServer(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errors = append(errors, err.Error())
	}
	if _, err := c.Limits.Parse("limits"); err != nil {
		errors = append(errors, err.Error())
	}

	seen := make(map[string]bool)
	for i, m := range c.Markets {
		field := fmt.Sprintf("markets[%d]", i)
		if _, err := ticker.Parse(m.Ticker); err != nil {
			errors = append(errors, ValidationError{Field: field + ".ticker", Value: m.Ticker, Message: err.Error()}.Error())
		} else if seen[m.Ticker] {
			errors = append(errors, ValidationError{Field: field + ".ticker", Value: m.Ticker, Message: "duplicate ticker"}.Error())
		}
		seen[m.Ticker] = true

		if _, err := m.Curve.Parse(field + ".curve"); err != nil {
			errors = append(errors, err.Error())
		}
		if _, err := m.Limits.Parse(field + ".limits"); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must be between 1 and 65535"}
	}
	if c.Server.WriteRateLimit < 0 {
		return ValidationError{Field: "server.write_rate_limit", Value: c.Server.WriteRateLimit, Message: "must not be negative"}
	}
	if c.Server.WriteRateLimit > 0 && c.Server.WriteBurst < 1 {
		return ValidationError{Field: "server.write_burst", Value: c.Server.WriteBurst, Message: "must be at least 1 when rate limiting"}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return ValidationError{Field: "server.shutdown_timeout", Value: c.Server.ShutdownTimeout, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.CacheTTL < 0 {
		return ValidationError{Field: "store.cache_ttl", Value: c.Store.CacheTTL, Message: "must not be negative"}
	}
	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" && c.Store.SQLitePath == "" {
		return ValidationError{Field: "store.redis_url", Value: c.Store.RedisURL, Message: "cache requires database_url or sqlite_path"}
	}
	return nil
}

// Parse converts the limit strings. field prefixes validation errors.
func (l LimitsConfig) Parse(field string) (model.Limits, error) {
	var out model.Limits
	var err error
	if out.MakerLimit, err = parseOptional(field+".maker_limit", l.MakerLimit); err != nil {
		return model.Limits{}, err
	}
	if out.EfficiencyLimit, err = parseOptional(field+".efficiency_limit", l.EfficiencyLimit); err != nil {
		return model.Limits{}, err
	}
	if out.MaxCorrelatedSkew, err = parseOptional(field+".max_correlated_skew", l.MaxCorrelatedSkew); err != nil {
		return model.Limits{}, err
	}
	return out, nil
}

// Parse converts and validates the curve. field prefixes validation errors.
func (c CurveConfig) Parse(field string) (synbook.Curve, error) {
	var coeffs [5]fixed.UFixed6
	for i, s := range []string{c.D0, c.D1, c.D2, c.D3, c.Scale} {
		v, err := parseOptional(fmt.Sprintf("%s.%s", field, curveFields[i]), s)
		if err != nil {
			return synbook.Curve{}, err
		}
		coeffs[i] = v
	}
	curve, err := synbook.New(coeffs[0], coeffs[1], coeffs[2], coeffs[3], coeffs[4])
	if err != nil {
		return synbook.Curve{}, ValidationError{Field: field + ".scale", Value: c.Scale, Message: err.Error()}
	}
	return curve, nil
}

var curveFields = [5]string{"d0", "d1", "d2", "d3", "scale"}

func parseOptional(field, s string) (fixed.UFixed6, error) {
	if s == "" {
		return fixed.UFixed6{}, nil
	}
	v, err := fixed.ParseU(s)
	if err != nil {
		return fixed.UFixed6{}, ValidationError{Field: field, Value: s, Message: err.Error()}
	}
	return v, nil
}

// String renders the configuration with credentials masked.
func (c *Config) String() string {
	masked := *c
	masked.Store.DatabaseURL = maskURL(c.Store.DatabaseURL)
	masked.Store.RedisURL = maskURL(c.Store.RedisURL)
	data, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// maskURL hides the userinfo of a connection URL.
func maskURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return s
	}
	return scheme + "://****@" + rest[at+1:]
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			WriteRateLimit:  200,
			WriteBurst:      400,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			CacheTTL: 30 * time.Second,
		},
		Limits: LimitsConfig{
			MakerLimit:      "1000000",
			EfficiencyLimit: "0.5",
		},
	}
}
