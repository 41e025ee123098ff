// Package config loads the test server's settings from an optional YAML
// file and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every server setting.
type Config struct {
	Device         map[string]any `yaml:"device"`
	Listen         string         `yaml:"listen"`
	URLFile        string         `yaml:"url_file"`
	DatasetDir     string         `yaml:"datasets"`
	AdditionalInfo string         `yaml:"additional_info"`
	Remotes        []Remote       `yaml:"remotes"`
	Port           int            `yaml:"port"`
	Latency        time.Duration  `yaml:"latency"`
}

// Remote is a remote database served by the in-process engine.
type Remote struct {
	Users    map[string]string `yaml:"users"`
	Endpoint string            `yaml:"endpoint"`
	Dataset  string            `yaml:"dataset"`
	Sessions []string          `yaml:"sessions"`
	ReadOnly bool              `yaml:"read_only"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:     ":8080",
		Port:       8080,
		URLFile:    "server.url",
		DatasetDir: "datasets",
	}
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Listen = getenv("TESTSERVER_LISTEN", c.Listen)
	c.URLFile = getenv("TESTSERVER_URL_FILE", c.URLFile)
	c.DatasetDir = getenv("TESTSERVER_DATASETS", c.DatasetDir)

	if v := os.Getenv("TESTSERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TESTSERVER_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("TESTSERVER_LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TESTSERVER_LATENCY: %w", err)
		}
		c.Latency = d
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
