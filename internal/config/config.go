// Package config manages client preferences persisted as a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Defaults applied when a value is unset. The backend may tighten the
// limits at run time via GET /api/config.
const (
	DefaultBackendURL   = "http://127.0.0.1:43117"
	DefaultOutputFormat = "flac"
	DefaultMP3Quality   = "320k"
	DefaultConcurrency  = 4
	DefaultHistoryLimit = 50
)

// Config holds the persisted client preferences.
type Config struct {
	BackendURL    string `toml:"backend_url"`
	OutputDir     string `toml:"output_dir"`
	DBPath        string `toml:"db_path"`
	OutputFormat  string `toml:"output_format"`
	MP3Quality    string `toml:"mp3_quality"`
	Concurrency   int    `toml:"concurrency"`
	ProxyMode     string `toml:"proxy_mode"`
	ProxyURL      string `toml:"proxy_url"`
	NoProxy       string `toml:"no_proxy"`
	Notifications bool   `toml:"notifications"`
	HistoryLimit  int    `toml:"history_limit"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		BackendURL:    DefaultBackendURL,
		OutputFormat:  DefaultOutputFormat,
		MP3Quality:    DefaultMP3Quality,
		Concurrency:   DefaultConcurrency,
		ProxyMode:     "no-proxy",
		Notifications: true,
		HistoryLimit:  DefaultHistoryLimit,
	}
}

// Load reads the config file at path. A missing file is not an error;
// defaults are returned so first runs work without any setup.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.fillUnset()
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) fillUnset() {
	if c.BackendURL == "" {
		c.BackendURL = DefaultBackendURL
	}
	if c.OutputFormat == "" {
		c.OutputFormat = DefaultOutputFormat
	}
	if c.MP3Quality == "" {
		c.MP3Quality = DefaultMP3Quality
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ProxyMode == "" {
		c.ProxyMode = "no-proxy"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Set assigns a named key from its string representation. Used by
// `config set`; key names match the TOML field names.
func (c *Config) Set(key, value string) error {
	switch key {
	case "backend_url":
		c.BackendURL = value
	case "output_dir":
		c.OutputDir = value
	case "db_path":
		c.DBPath = value
	case "output_format":
		c.OutputFormat = strings.ToLower(value)
	case "mp3_quality":
		c.MP3Quality = value
	case "concurrency":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("concurrency must be a positive integer, got %q", value)
		}
		c.Concurrency = n
	case "proxy_mode":
		switch value {
		case "no-proxy", "system", "http":
			c.ProxyMode = value
		default:
			return fmt.Errorf("proxy_mode must be no-proxy, system or http, got %q", value)
		}
	case "proxy_url":
		c.ProxyURL = value
	case "no_proxy":
		c.NoProxy = value
	case "notifications":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("notifications must be true or false, got %q", value)
		}
		c.Notifications = b
	case "history_limit":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("history_limit must be a positive integer, got %q", value)
		}
		c.HistoryLimit = n
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
