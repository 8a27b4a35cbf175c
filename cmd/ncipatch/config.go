package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Driver  string `toml:"driver"`
	Port    string `toml:"port"`
	Baud    int    `toml:"baud"`
	Patch   string `toml:"fw_patch"`
	PreFix  string `toml:"fw_pre_patch"`
	Timeout string `toml:"timeout"`
	Debug   bool   `toml:"debug"`
	Stream  bool   `toml:"stream"`
}

type toolConfig struct {
	Driver  string
	Port    string
	Baud    int
	Patch   string
	PreFix  string
	Timeout time.Duration
	Debug   bool
	Stream  bool
}

func defaultToolConfig() toolConfig {
	return toolConfig{
		Driver:  "serial",
		Baud:    115200,
		Timeout: 2 * time.Minute,
	}
}

// loadToolConfig overlays the keys defined in path onto cfg
func loadToolConfig(path string, cfg toolConfig) (toolConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return toolConfig{}, fmt.Errorf("load ncipatch config: %w", err)
	}

	if meta.IsDefined("driver") {
		cfg.Driver = strings.ToLower(strings.TrimSpace(raw.Driver))
	}
	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("fw_patch") {
		cfg.Patch = strings.TrimSpace(raw.Patch)
	}
	if meta.IsDefined("fw_pre_patch") {
		cfg.PreFix = strings.TrimSpace(raw.PreFix)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return toolConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("stream") {
		cfg.Stream = raw.Stream
	}
	return cfg, nil
}
