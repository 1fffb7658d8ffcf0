// Package config provides configuration management for the LiteClaw platform.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every platform environment variable.
const EnvPrefix = "LITECLAW_PLATFORM"

var (
	// ErrConfigNotFound indicates an explicitly requested config file does not exist.
	ErrConfigNotFound = errors.New("config not found")
	// ErrInvalidKey indicates a malformed encryption key.
	ErrInvalidKey = errors.New("encryption key must be 64 hex characters (32 bytes)")
)

// Config is the platform configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server" mapstructure:"server"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Database DatabaseConfig `json:"database" yaml:"database" mapstructure:"database"`
	Auth     AuthConfig     `json:"auth" yaml:"auth" mapstructure:"auth"`
	Platform PlatformConfig `json:"platform" yaml:"platform" mapstructure:"platform"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
}

type ServerConfig struct {
	Host           string          `json:"host" yaml:"host" mapstructure:"host"`
	Port           int             `json:"port" yaml:"port" mapstructure:"port"`
	RateLimit      RateLimitConfig `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
	AllowedOrigins []string        `json:"allowedOrigins" yaml:"allowedOrigins" mapstructure:"allowedOrigins"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

// GatewayConfig points at the shared gateway every tenant is multiplexed onto.
type GatewayConfig struct {
	URL              string        `json:"url" yaml:"url" mapstructure:"url"`
	Token            string        `json:"token" yaml:"token" mapstructure:"token"`
	RPCTimeout       time.Duration `json:"rpcTimeout" yaml:"rpcTimeout" mapstructure:"rpcTimeout"`
	HandshakeTimeout time.Duration `json:"handshakeTimeout" yaml:"handshakeTimeout" mapstructure:"handshakeTimeout"`
}

// DatabaseConfig selects the tenant store. An empty URL keeps tenants in memory.
type DatabaseConfig struct {
	URL      string `json:"url" yaml:"url" mapstructure:"url"`
	MaxConns int32  `json:"maxConns" yaml:"maxConns" mapstructure:"maxConns"`
}

type AuthConfig struct {
	URL     string        `json:"url" yaml:"url" mapstructure:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type PlatformConfig struct {
	EncryptionKey      string        `json:"encryptionKey" yaml:"encryptionKey" mapstructure:"encryptionKey"`
	SharedAnthropicKey string        `json:"sharedAnthropicKey" yaml:"sharedAnthropicKey" mapstructure:"sharedAnthropicKey"`
	SharedOpenAIKey    string        `json:"sharedOpenAIKey" yaml:"sharedOpenAIKey" mapstructure:"sharedOpenAIKey"`
	DefaultModel       string        `json:"defaultModel" yaml:"defaultModel" mapstructure:"defaultModel"`
	RestartDelay       time.Duration `json:"restartDelay" yaml:"restartDelay" mapstructure:"restartDelay"`
	LockFile           string        `json:"lockFile" yaml:"lockFile" mapstructure:"lockFile"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level" mapstructure:"level"`
}

// legacyEnv maps config keys to the un-prefixed variables older deployments set.
var legacyEnv = map[string]string{
	"database.url":                "DATABASE_URL",
	"gateway.url":                 "GATEWAY_URL",
	"gateway.token":               "GATEWAY_TOKEN",
	"auth.url":                    "AUTH_URL",
	"server.port":                 "PLATFORM_PORT",
	"platform.encryptionKey":      "PLATFORM_ENCRYPTION_KEY",
	"platform.sharedAnthropicKey": "PLATFORM_SHARED_ANTHROPIC_KEY",
	"platform.sharedOpenAIKey":    "PLATFORM_SHARED_OPENAI_KEY",
}

// StateDir returns the platform state directory.
// Can be overridden via LITECLAW_PLATFORM_STATE_DIR.
// Default: ~/.liteclaw-platform
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv(EnvPrefix + "_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".liteclaw-platform"
	}
	return filepath.Join(home, ".liteclaw-platform")
}

// ConfigPath returns the explicit config file path, if one is set via
// LITECLAW_PLATFORM_CONFIG_PATH.
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return ""
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance. A config file is optional;
// environment variables alone are enough to run the platform.
func LoadViper(path string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		path = ConfigPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("liteclaw-platform")
		v.AddConfigPath(StateDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return v, nil
}

// Load reads the configuration from an optional file and the environment.
func Load(path string) (*Config, error) {
	v, err := LoadViper(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Gateway.Token = os.ExpandEnv(cfg.Gateway.Token)
	cfg.Platform.EncryptionKey = strings.TrimSpace(cfg.Platform.EncryptionKey)
	if cfg.Platform.LockFile == "" {
		cfg.Platform.LockFile = filepath.Join(StateDir(), "config-mutation.lock")
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.rateLimit.enabled", true)
	v.SetDefault("server.rateLimit.rps", 2.0)
	v.SetDefault("server.rateLimit.burst", 120)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("gateway.url", "ws://127.0.0.1:18789")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.rpcTimeout", "30s")
	v.SetDefault("gateway.handshakeTimeout", "10s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("auth.url", "http://127.0.0.1:3001")
	v.SetDefault("auth.timeout", "5s")

	v.SetDefault("platform.encryptionKey", "")
	v.SetDefault("platform.sharedAnthropicKey", "")
	v.SetDefault("platform.sharedOpenAIKey", "")
	v.SetDefault("platform.defaultModel", "anthropic/claude-sonnet-4-20250514")
	v.SetDefault("platform.restartDelay", "2s")
	v.SetDefault("platform.lockFile", "")

	v.SetDefault("logging.level", "info")
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must be a ws:// or wss:// URL, got %q", c.Gateway.URL)
	}
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required")
	}
	if c.Auth.URL == "" {
		return fmt.Errorf("auth.url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if err := ValidateEncryptionKey(c.Platform.EncryptionKey); err != nil {
		return fmt.Errorf("platform.encryptionKey: %w", err)
	}
	return nil
}

// ValidateEncryptionKey checks that key is a hex encoded 256-bit key.
func ValidateEncryptionKey(key string) error {
	if len(key) != 64 {
		return ErrInvalidKey
	}
	if _, err := hex.DecodeString(key); err != nil {
		return ErrInvalidKey
	}
	return nil
}
