package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// cliConfig holds the merged settings driving one smascale invocation.
// Precedence is built-in defaults, then the config file, then flags.
type cliConfig struct {
	Host            string
	Port            int
	CommandTimeout  time.Duration
	ConnectTimeout  time.Duration
	ConnectAttempts int
	Debug           bool
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		CommandTimeout:  1 * time.Second,
		ConnectTimeout:  1 * time.Second,
		ConnectAttempts: 3,
	}
}

type fileConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	CommandTimeout  string `toml:"command_timeout"`
	ConnectTimeout  string `toml:"connect_timeout"`
	ConnectAttempts int    `toml:"connect_attempts"`
	Debug           bool   `toml:"debug"`
}

// loadCLIConfig applies the TOML file at path on top of cfg.
// Keys absent from the file leave the corresponding setting untouched.
func loadCLIConfig(path string, cfg cliConfig) (cliConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cfg, fmt.Errorf("load scale config: %w", err)
	}

	if meta.IsDefined("host") {
		host := strings.TrimSpace(raw.Host)
		if host != "" {
			cfg.Host = host
		}
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}

	if meta.IsDefined("command_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CommandTimeout))
		if err != nil {
			return cfg, fmt.Errorf("parse command_timeout: %w", err)
		}
		cfg.CommandTimeout = d
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return cfg, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if meta.IsDefined("connect_attempts") {
		cfg.ConnectAttempts = raw.ConnectAttempts
	}

	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	return cfg, nil
}
