// Package cmd holds the embedded default configuration shared by the
// service entrypoints.
package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-notification-gateway/gatewayservice/config"
)

//go:embed config.yaml
var configFile []byte

// Load parses the embedded configuration file and applies environment
// overrides, returning the validated configuration.
func Load(logger *slog.Logger) (*config.AppConfig, error) {
	return LoadFrom(configFile, logger)
}

// LoadFrom runs the same stages as Load against the given YAML document.
func LoadFrom(raw []byte, logger *slog.Logger) (*config.AppConfig, error) {
	// Stage 0: unmarshal
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml config: %w", err)
	}

	// Stage 1: YAML to base struct
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from YAML: %w", err)
	}

	// Stage 2: env overrides and validation
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize configuration: %w", err)
	}
	return cfg, nil
}
