package server

import (
	"time"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/transport"
	"github.com/nshkrdotcom/codex-sdk-sub004/config"
)

// Config holds server configuration
type Config struct {
	// Server infrastructure (immutable, requires restart)
	Port int
	Host string
	Env  string // "development" or "production"

	// YAML overlay to watch for live reload; empty disables watching
	ConfigPath string

	// Codex app-server
	CodexPath        string
	CodexArgs        []string
	CodexCwd         string
	CodexEnv         map[string]string
	CodexAPIKey      string
	CodexBaseURL     string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	MaxBufferSize    int
	StderrBufferSize int
	HeadlessTimeout  time.Duration
	AutoRestart      bool
	MaxRestarts      int

	// Overrides the process launcher; tests use it to script the app-server
	StartTransport sdk.StartTransportFunc
}

// NewConfig converts application config to server config
func NewConfig(c *config.Config) *Config {
	return &Config{
		Port:             c.Port,
		Host:             c.Host,
		Env:              c.Env,
		ConfigPath:       c.Path,
		CodexPath:        c.Codex.Path,
		CodexArgs:        c.Codex.Args,
		CodexCwd:         c.Codex.Cwd,
		CodexEnv:         c.Codex.Env,
		CodexAPIKey:      c.Codex.APIKey,
		CodexBaseURL:     c.Codex.BaseURL,
		HandshakeTimeout: c.Codex.HandshakeTimeout,
		RequestTimeout:   c.Codex.RequestTimeout,
		MaxBufferSize:    c.Codex.MaxBufferSize,
		StderrBufferSize: c.Codex.StderrBufferSize,
		HeadlessTimeout:  c.Codex.HeadlessTimeout,
		AutoRestart:      c.Codex.AutoRestart,
		MaxRestarts:      c.Codex.MaxRestarts,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// ToConnectionConfig converts server config to app-server connection config
func (c *Config) ToConnectionConfig() sdk.Config {
	return sdk.Config{
		CodexPath:        c.CodexPath,
		Args:             c.CodexArgs,
		Cwd:              c.CodexCwd,
		Env:              c.CodexEnv,
		APIKey:           c.CodexAPIKey,
		BaseURL:          c.CodexBaseURL,
		HandshakeTimeout: c.HandshakeTimeout,
		RequestTimeout:   c.RequestTimeout,
		ClientInfo: sdk.ClientInfo{
			Name:    "codex_bridge",
			Title:   "Codex Bridge",
			Version: sdk.SDKVersion,
		},
		Transport: transport.Options{
			MaxBufferSize:    c.MaxBufferSize,
			StderrBufferSize: c.StderrBufferSize,
			HeadlessTimeout:  c.HeadlessTimeout,
		},
		StartTransport: c.StartTransport,
	}
}

// ToManagerOptions converts server config to supervisor options
func (c *Config) ToManagerOptions() codex.Options {
	return codex.Options{
		Connection:  c.ToConnectionConfig(),
		AutoRestart: c.AutoRestart,
		MaxRestarts: c.MaxRestarts,
	}
}
