// Package config loads console runtime configuration from a YAML file and CLI
// flags with precedence: CLI flags > YAML config > Defaults. Environment
// variables are not consulted, and the backend address is not configurable
// here; it lives in the endpoint package.
package config
