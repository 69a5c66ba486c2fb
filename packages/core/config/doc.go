// Package config handles configuration loading for hitcapture.
//
// It provides functionality for:
//   - Loading configuration from JSON or YAML files
//   - Default configuration values
//   - HITCAPTURE_* environment overrides
//   - Building a capture Registry with the configured sink
package config
