// Package config provides unified configuration management for ccgateway.
// Configuration is loaded from multiple sources with the following precedence:
// embedded defaults → config file → env vars
package config

import (
	"embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/config.yaml
var defaultsFS embed.FS

// CLIConfig shapes every claude child the gateway spawns.
type CLIConfig struct {
	Binary          string            `yaml:"binary"`
	WorkDir         string            `yaml:"work_dir"`
	MCPConfig       string            `yaml:"mcp_config"`
	AddDirs         []string          `yaml:"add_dirs"`
	Settings        string            `yaml:"settings"`
	SkipPermissions bool              `yaml:"skip_permissions"`
	AllowedTools    []string          `yaml:"allowed_tools"`
	DisallowedTools []string          `yaml:"disallowed_tools"`
	ExtraFlags      []string          `yaml:"extra_flags"`
	Env             map[string]string `yaml:"env"`
}

// SessionConfig bounds the session pool.
type SessionConfig struct {
	MaxConcurrent       int `yaml:"max_concurrent"`
	IdleTimeoutSeconds  int `yaml:"idle_timeout_seconds"`
	TurnTimeoutSeconds  int `yaml:"turn_timeout_seconds"`
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	Enabled              bool `yaml:"enabled"`
	TTLSeconds           int  `yaml:"ttl_seconds"`
	MaxEntries           int  `yaml:"max_entries"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
}

// StreamConfig tunes SSE output.
type StreamConfig struct {
	// ChunkBytes sub-chunks large deltas for smoother rendering; 0 passes
	// them through whole.
	ChunkBytes int `yaml:"chunk_bytes"`
}

// ImagesConfig scopes the built-in image resolver.
type ImagesConfig struct {
	AllowedDirs []string `yaml:"allowed_dirs"`
	TempDir     string   `yaml:"temp_dir"`
}

// Config holds all gateway settings.
type Config struct {
	Listen   string        `yaml:"listen"`
	APIKey   string        `yaml:"api_key"`
	LogLevel string        `yaml:"log_level"`
	CLI      CLIConfig     `yaml:"cli"`
	Session  SessionConfig `yaml:"session"`
	Cache    CacheConfig   `yaml:"cache"`
	Stream   StreamConfig  `yaml:"stream"`
	Images   ImagesConfig  `yaml:"images"`
}

// Load builds the effective configuration. path may be empty (defaults and
// environment only); a non-empty path must exist.
func Load(path string) (*Config, error) {
	cfg, err := loadDefaults()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadDefaults() (*Config, error) {
	data, err := defaultsFS.ReadFile("defaults/config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded defaults: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays CCGATEWAY_* environment variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("CCGATEWAY_LISTEN", &cfg.Listen)
	setString("CCGATEWAY_API_KEY", &cfg.APIKey)
	setString("CCGATEWAY_LOG_LEVEL", &cfg.LogLevel)
	setString("CCGATEWAY_CLAUDE_BINARY", &cfg.CLI.Binary)
	setString("CCGATEWAY_WORK_DIR", &cfg.CLI.WorkDir)
	setInt("CCGATEWAY_MAX_SESSIONS", &cfg.Session.MaxConcurrent)
	setInt("CCGATEWAY_TURN_TIMEOUT_SECONDS", &cfg.Session.TurnTimeoutSeconds)
	if v := os.Getenv("CCGATEWAY_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "1" || v == "true"
	}
}

// IdleTimeout returns the session idle timeout as a duration.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// TurnTimeout returns the per-turn deadline as a duration.
func (c *SessionConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// ReapInterval returns the reaper period as a duration.
func (c *SessionConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// TTL returns the cache entry lifetime as a duration.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the cache sweep period as a duration.
func (c *CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
