package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the ive configuration file (~/.config/ive/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Engine
	Backend        string `yaml:"backend"`
	DeviceBytes    *int   `yaml:"device_bytes"`
	ScratchBytes   *int   `yaml:"scratch_bytes"`
	DoubleBuffer   *bool  `yaml:"double_buffer"`
	TilesPerSubmit *int   `yaml:"tiles_per_submit"`
	Balanced       *bool  `yaml:"balanced"`
	AlignBytes     *int   `yaml:"align_bytes"`
	AlignMinSize   *int   `yaml:"align_min_size"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ive", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEngineConfig applies config file defaults to the engine flags that
// were not explicitly set.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.DeviceBytes != nil && !c.IsSet("device-bytes") {
		deviceBytes = *cfg.DeviceBytes
	}
	if cfg.ScratchBytes != nil && !c.IsSet("scratch-bytes") {
		scratchBytes = *cfg.ScratchBytes
	}
	if cfg.DoubleBuffer != nil && !c.IsSet("double-buffer") {
		doubleBuffer = *cfg.DoubleBuffer
	}
	if cfg.TilesPerSubmit != nil && !c.IsSet("tiles-per-submit") {
		tilesPerSubmit = *cfg.TilesPerSubmit
	}
	if cfg.Balanced != nil && !c.IsSet("balanced") {
		balanced = *cfg.Balanced
	}
	if cfg.AlignBytes != nil && !c.IsSet("align-bytes") {
		alignBytes = *cfg.AlignBytes
	}
	if cfg.AlignMinSize != nil && !c.IsSet("align-min-size") {
		alignMinSize = *cfg.AlignMinSize
	}
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
}
