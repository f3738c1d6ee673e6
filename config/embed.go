// Package config provides the embedded default configuration for sshwarden.
package config

import (
	_ "embed"
)

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// `sshwarden config create` writes it out as a starting point.
//
//go:embed sshwarden.default.yaml
var DefaultConfigYAML []byte
