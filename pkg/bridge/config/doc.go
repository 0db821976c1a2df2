// Package config provides the configuration model for the bridge: the YAML
// file schema, operational defaults, and a validator.
package config
