// Package config loads the relay configuration from a YAML file, a .env file
// and environment overrides, and validates every section.
package config
