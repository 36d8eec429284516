// Package config loads and validates the YAML client configuration:
// endpoints, transport tunables, vault location, and identity key storage.
package config
