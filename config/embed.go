// Package config provides the embedded default configuration for agentchat.
package config

import _ "embed"

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// It is used when no configuration file exists and by `agentchat config create`.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
