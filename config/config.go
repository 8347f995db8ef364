// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the DVFS coordinator.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/dvfs-coordinator/devfreq"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Governors GovernorsConfig `yaml:"governors"`
	Devices   []DeviceConfig  `yaml:"devices" validate:"dive"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	APIPort     int `yaml:"api_port" validate:"min=0,max=65535"`
	MetricsPort int `yaml:"metrics_port" validate:"min=0,max=65535"`
}

// InfluxDBConfig holds InfluxDB connection settings for the transition sink
type InfluxDBConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
	BufferSize   int    `yaml:"buffer_size" validate:"min=0"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// GovernorsConfig holds governor policy settings
type GovernorsConfig struct {
	Default   string   `yaml:"default"`
	AllowList []string `yaml:"allow_list"`
}

// DeviceConfig describes one managed device
type DeviceConfig struct {
	ID              string                 `yaml:"id" validate:"required"`
	Governor        string                 `yaml:"governor"`
	PollInterval    time.Duration          `yaml:"poll_interval" validate:"min=0"`
	InitialFreq     uint64                 `yaml:"initial_freq"`
	MinFreq         uint64                 `yaml:"min_freq"`
	MaxFreq         uint64                 `yaml:"max_freq"`
	OperatingPoints []OperatingPointConfig `yaml:"operating_points" validate:"min=1,dive"`
}

// OperatingPointConfig is one frequency/voltage pair
type OperatingPointConfig struct {
	Freq    uint64 `yaml:"freq" validate:"required"`
	Voltage uint64 `yaml:"voltage"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if port := os.Getenv("DVFS_API_PORT"); port != "" {
		if p, parseErr := strconv.Atoi(port); parseErr == nil {
			c.Server.APIPort = p
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse DVFS_API_PORT '%s': %v\n", port, parseErr)
		}
	}
	if port := os.Getenv("DVFS_METRICS_PORT"); port != "" {
		if p, parseErr := strconv.Atoi(port); parseErr == nil {
			c.Server.MetricsPort = p
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse DVFS_METRICS_PORT '%s': %v\n", port, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Governors.Default == "" {
		c.Governors.Default = "performance"
	}
	if c.InfluxDB.BufferSize == 0 {
		c.InfluxDB.BufferSize = 256
	}
	for i := range c.Devices {
		if c.Devices[i].Governor == "" {
			c.Devices[i].Governor = c.Governors.Default
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration structure: %w", err)
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	if c.InfluxDB.Enabled {
		if validateErr := c.validateInfluxDB(); validateErr != nil {
			return validateErr
		}
	}

	return c.validateDevices()
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	if c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url is required")
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	if c.InfluxDB.Token == "" {
		return fmt.Errorf("influxdb.token is required")
	}
	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}
	if c.InfluxDB.Organization == "" {
		return fmt.Errorf("influxdb.organization is required")
	}
	if c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb.bucket is required")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validateDevices validates the device list
func (c *Config) validateDevices() error {
	allowed := map[string]bool{}
	for _, name := range c.Governors.AllowList {
		allowed[name] = true
	}

	seen := map[string]bool{}
	for _, d := range c.Devices {
		if seen[d.ID] {
			return fmt.Errorf("devices: duplicate device id %q", d.ID)
		}
		seen[d.ID] = true

		if len(d.Governor) > devfreq.GovernorNameMaxLen {
			return fmt.Errorf("devices.%s: governor name %q exceeds %d bytes", d.ID, d.Governor, devfreq.GovernorNameMaxLen)
		}
		if len(allowed) > 0 && !allowed[d.Governor] {
			return fmt.Errorf("devices.%s: governor %q is not in governors.allow_list", d.ID, d.Governor)
		}

		for i := 1; i < len(d.OperatingPoints); i++ {
			if d.OperatingPoints[i].Freq <= d.OperatingPoints[i-1].Freq {
				return fmt.Errorf("devices.%s: operating_points must be strictly ascending by freq", d.ID)
			}
		}
		if d.MinFreq != 0 && d.MaxFreq != 0 && d.MinFreq > d.MaxFreq {
			return fmt.Errorf("devices.%s: min_freq %d exceeds max_freq %d", d.ID, d.MinFreq, d.MaxFreq)
		}
	}

	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
