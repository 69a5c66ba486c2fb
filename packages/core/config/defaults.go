package config

import (
	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/logging"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		StorageDir:    capture.DefaultStorageDir,
		Sink:          SinkMemory,
		MaxBodyBytes:  capture.DefaultMaxBodyBytes,
		SinkBuffer:    capture.DefaultSinkBuffer,
		RedactHeaders: []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "Api-Key"},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// IsDefault returns true if the config matches defaults
func (c *Config) IsDefault() bool {
	defaults := DefaultConfig()
	return c.StorageDir == defaults.StorageDir &&
		c.Sink == defaults.Sink &&
		c.SQLiteDSN == "" &&
		c.MongoURI == "" &&
		c.MaxBodyBytes == defaults.MaxBodyBytes &&
		c.SinkBuffer == defaults.SinkBuffer &&
		c.CaptureRate == 0 &&
		c.Log == defaults.Log
}
