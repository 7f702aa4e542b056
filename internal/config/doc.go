// Package config loads and validates relay-gateway YAML configuration,
// expanding ${VAR} environment references and parsing duration fields.
package config
