// Package config handles application configuration loading and management.
//
// Configuration is stored in ~/.squadron/config.yaml and is layered as
// defaults < YAML file < SQUADRON_* environment variables.
package config
