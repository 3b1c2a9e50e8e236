// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/scribe/pkg/logging"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// ConfigFileName is looked up at the project root when --config is not given.
const ConfigFileName = ".scribe.yaml"

// Config is the scribe CLI configuration.
//
// Every field has a default, so the file is optional. Unknown keys are
// rejected so typos do not silently fall back to defaults.
type Config struct {
	// CommandTimeout bounds each version-store command.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`

	Identity  IdentityConfig  `yaml:"identity"`
	Log       LogConfig       `yaml:"log"`
	Lock      LockConfig      `yaml:"lock"`
	Index     IndexConfig     `yaml:"index"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// IdentityConfig is the author and committer of every store commit.
type IdentityConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Email string `yaml:"email" validate:"required,email"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"loglevel"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// LockConfig configures the store lock held by mutating commands.
type LockConfig struct {
	Enabled bool `yaml:"enabled"`

	// Wait is how long to wait for another process to release the lock.
	// Zero fails immediately.
	Wait time.Duration `yaml:"wait" validate:"gte=0"`
}

// IndexConfig configures the entry index.
type IndexConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		CommandTimeout: 30 * time.Second,
		Identity: IdentityConfig{
			Name:  vcs.DefaultIdentity.Name,
			Email: vcs.DefaultIdentity.Email,
		},
		Log:  LogConfig{Level: "info"},
		Lock: LockConfig{Enabled: true, Wait: 10 * time.Second},
		Index: IndexConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  tel.TraceExporter,
			MetricExporter: tel.MetricExporter,
			OTLPEndpoint:   tel.OTLPEndpoint,
			OTLPInsecure:   tel.OTLPInsecure,
		},
	}
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("loglevel", validateLogLevel)
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML configuration file over the defaults.
//
// # Inputs
//
//   - path: The file to read.
//   - required: When false, a missing file yields the defaults.
//
// # Outputs
//
//   - Config: Defaults overlaid with the file's values.
//   - error: Read, parse or validation failures.
func LoadConfig(path string, required bool) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// telemetryConfig converts to the telemetry package configuration.
func (c Config) telemetryConfig(metricsFile string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	tc.OTLPInsecure = c.Telemetry.OTLPInsecure
	tc.MetricsFile = metricsFile
	tc.ServiceVersion = version
	return tc
}
