// Package config provides centralized configuration management for the
// UPAgent runtime. Configuration is loaded from a JSON file with sensible
// defaults applied for any section the operator leaves out.
package config
