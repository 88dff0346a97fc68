package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"` // "development" or "production"

	LogLevel string `yaml:"log_level"`

	// Codex app-server
	Codex CodexConfig `yaml:"codex"`

	// Path of the YAML overlay this config was loaded from, if any
	Path string `yaml:"-"`
}

// CodexConfig holds settings for the app-server child process and connection
type CodexConfig struct {
	Path    string            `yaml:"path"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"env"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	MaxBufferSize    int           `yaml:"max_buffer_size"`
	StderrBufferSize int           `yaml:"stderr_buffer_size"`
	HeadlessTimeout  time.Duration `yaml:"headless_timeout"`

	AutoRestart bool `yaml:"auto_restart"`
	MaxRestarts int  `yaml:"max_restarts"`
}

var (
	current atomic.Pointer[Config]
	once    sync.Once
)

// Get returns the global configuration (singleton).
// A broken overlay file falls back to the environment alone.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("CODEX_BRIDGE_CONFIG", ""))
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v, using environment only\n", err)
			cfg = fromEnv()
		}
		current.CompareAndSwap(nil, cfg)
	})
	return current.Load()
}

// Set replaces the global configuration
func Set(cfg *Config) {
	once.Do(func() {})
	current.Store(cfg)
}

// Load reads configuration from environment variables, then overlays the
// YAML file at path when path is not empty
func Load(path string) (*Config, error) {
	cfg := fromEnv()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// Fields present in the file replace the environment values
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// fromEnv reads configuration from environment variables
func fromEnv() *Config {
	return &Config{
		// Server
		Port:     getEnvInt("PORT", 12380),
		Host:     getEnv("HOST", "127.0.0.1"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Codex
		Codex: CodexConfig{
			Path:             getEnv("CODEX_PATH", "codex"),
			Cwd:              getEnv("CODEX_CWD", ""),
			APIKey:           getEnv("CODEX_API_KEY", ""),
			BaseURL:          getEnv("OPENAI_BASE_URL", ""),
			HandshakeTimeout: getEnvDuration("CODEX_HANDSHAKE_TIMEOUT", 10*time.Second),
			RequestTimeout:   getEnvDuration("CODEX_REQUEST_TIMEOUT", 60*time.Second),
			MaxBufferSize:    getEnvInt("CODEX_MAX_BUFFER_SIZE", 1024*1024),
			StderrBufferSize: getEnvInt("CODEX_STDERR_BUFFER_SIZE", 64*1024),
			HeadlessTimeout:  getEnvDuration("CODEX_HEADLESS_TIMEOUT", 30*time.Second),
			AutoRestart:      getEnvBool("CODEX_AUTO_RESTART", true),
			MaxRestarts:      getEnvInt("CODEX_MAX_RESTARTS", 0),
		},
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or plain milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
