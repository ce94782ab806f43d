package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = "8080"
	defaultRateLimitRPS    = 25.0
	defaultRateLimitBurst  = 50
	defaultBackendTimeout  = 30 * time.Second
	defaultBackendRPS      = 5.0
	defaultBackendBurst    = 10
	defaultDownloadDir     = "downloads"
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 10 * time.Second
)

var logLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Config aggregates console runtime configuration.
// Precedence: CLI flags > YAML config > Defaults
type Config struct {
	Port                 string        `yaml:"port"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	EnableRequestLogging bool          `yaml:"enable_request_logging"`
	RateLimitRPS         float64       `yaml:"-"`
	RateLimitBurst       int           `yaml:"-"`
	BackendTimeout       time.Duration `yaml:"-"`
	BackendRPS           float64       `yaml:"-"`
	BackendBurst         int           `yaml:"-"`
	DownloadDir          string        `yaml:"download_dir"`
	LogLevel             string        `yaml:"log_level"`
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Port                 string        `yaml:"port"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
	Backend              yamlBackend   `yaml:"backend"`
	DownloadDir          string        `yaml:"download_dir"`
	LogLevel             string        `yaml:"log_level"`
}

// yamlRateLimit represents a rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// yamlBackend tunes how the console talks to the backend. The backend
// address itself is fixed in the endpoint package.
type yamlBackend struct {
	Timeout   string        `yaml:"timeout"`
	RateLimit yamlRateLimit `yaml:"rate_limit"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Port           *string
	RateLimitRPS   *float64
	RateLimitBurst *int
	BackendTimeout *time.Duration
	DownloadDir    *string
	LogLevel       *string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := Default()

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns a Config with default values.
func Default() Config {
	return Config{
		Port:                 defaultPort,
		ShutdownGracePeriod:  defaultShutdownTimeout,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         2 * time.Minute,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		BackendTimeout:       defaultBackendTimeout,
		BackendRPS:           defaultBackendRPS,
		BackendBurst:         defaultBackendBurst,
		DownloadDir:          defaultDownloadDir,
		LogLevel:             defaultLogLevel,
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Port != "" {
		cfg.Port = yamlCfg.Port
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
		{"backend.timeout", yamlCfg.Backend.Timeout, &cfg.BackendTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.target = parsed
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}

	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}
	if yamlCfg.Backend.RateLimit.RPS != nil {
		cfg.BackendRPS = *yamlCfg.Backend.RateLimit.RPS
	}
	if yamlCfg.Backend.RateLimit.Burst != nil {
		cfg.BackendBurst = *yamlCfg.Backend.RateLimit.Burst
	}

	if yamlCfg.DownloadDir != "" {
		cfg.DownloadDir = yamlCfg.DownloadDir
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}

	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}

	if overrides.BackendTimeout != nil && *overrides.BackendTimeout > 0 {
		cfg.BackendTimeout = *overrides.BackendTimeout
	}

	if overrides.DownloadDir != nil && *overrides.DownloadDir != "" {
		cfg.DownloadDir = *overrides.DownloadDir
	}

	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit rps must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit burst must be >= 0")
	}
	if cfg.BackendRPS < 0 || cfg.BackendBurst < 0 {
		return fmt.Errorf("backend rate limit must be >= 0")
	}
	if cfg.BackendTimeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return nil
}
