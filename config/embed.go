// Package config provides the embedded configuration template for myfisker.
package config

import (
	_ "embed"
)

// DefaultConfigYAML is the commented template written by
// "myfisker config create".
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
