package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abdul-hamid-achik/hitcapture/packages/logging"
	"gopkg.in/yaml.v3"
)

// Sink kinds.
const (
	SinkMemory = "memory"
	SinkJSONL  = "jsonl"
	SinkSQLite = "sqlite"
	SinkMongo  = "mongo"
)

// Config represents the hitcapture configuration
type Config struct {
	StorageDir    string         `json:"storageDir,omitempty" yaml:"storageDir,omitempty"`
	Sink          string         `json:"sink,omitempty" yaml:"sink,omitempty"`
	// SQLiteDSN names a shared database; empty means one per module.
	SQLiteDSN     string         `json:"sqliteDSN,omitempty" yaml:"sqliteDSN,omitempty"`
	MongoURI      string         `json:"mongoURI,omitempty" yaml:"mongoURI,omitempty"`
	MongoDatabase string         `json:"mongoDatabase,omitempty" yaml:"mongoDatabase,omitempty"`
	// MaxBodyBytes of 0 keeps whole bodies.
	MaxBodyBytes  int64          `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`
	SinkBuffer    int            `json:"sinkBuffer,omitempty" yaml:"sinkBuffer,omitempty"`
	// CaptureRate is exchanges per second; 0 is unlimited.
	CaptureRate   float64        `json:"captureRate,omitempty" yaml:"captureRate,omitempty"`
	CaptureBurst  int            `json:"captureBurst,omitempty" yaml:"captureBurst,omitempty"`
	RedactHeaders []string       `json:"redactHeaders,omitempty" yaml:"redactHeaders,omitempty"`
	// EncryptionKey is a hex XChaCha20-Poly1305 key of 32 bytes.
	EncryptionKey string         `json:"encryptionKey,omitempty" yaml:"encryptionKey,omitempty"`
	Log           logging.Config `json:"log,omitempty" yaml:"log,omitempty"`
}

// ConfigFilenames contains the possible config file names
var ConfigFilenames = []string{
	".hitcapture.yaml",
	".hitcapture.yml",
	"hitcapture.config.json",
	".hitcapture.json",
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HITCAPTURE_"

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	var cfg *Config
	var err error
	if path != "" {
		cfg, err = loadConfigFromFile(path)
	} else {
		cfg, err = FindAndLoadConfig(".")
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return loadConfigFromFile(configPath)
		}
	}

	// Return defaults if no config file found
	return DefaultConfig(), nil
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return config, nil
}

// ApplyEnv overrides fields from HITCAPTURE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("STORAGE_DIR", &c.StorageDir)
	str("SINK", &c.Sink)
	str("SQLITE_DSN", &c.SQLiteDSN)
	str("MONGO_URI", &c.MongoURI)
	str("MONGO_DATABASE", &c.MongoDatabase)
	str("ENCRYPTION_KEY", &c.EncryptionKey)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if v, ok := lookup(EnvPrefix + "MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_BODY_BYTES: %w", EnvPrefix, err)
		}
		c.MaxBodyBytes = n
	}
	if v, ok := lookup(EnvPrefix + "CAPTURE_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sCAPTURE_RATE: %w", EnvPrefix, err)
		}
		c.CaptureRate = f
	}
	if v, ok := lookup(EnvPrefix + "REDACT_HEADERS"); ok {
		c.RedactHeaders = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.RedactHeaders = append(c.RedactHeaders, h)
			}
		}
	}
	return nil
}

// Validate checks that the sink settings are coherent.
func (c *Config) Validate() error {
	switch c.Sink {
	case "", SinkMemory, SinkJSONL, SinkSQLite:
	case SinkMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("sink %q requires mongoURI", SinkMongo)
		}
	default:
		return fmt.Errorf("unknown sink %q", c.Sink)
	}
	if c.EncryptionKey != "" {
		if _, err := c.Key(); err != nil {
			return err
		}
	}
	if c.CaptureRate < 0 {
		return fmt.Errorf("captureRate must not be negative")
	}
	return nil
}

// SaveConfig saves the configuration to a file, as YAML for .yaml/.yml paths
func (c *Config) SaveConfig(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
