package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/jsonl"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/mongo"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/sqlite"
	"github.com/rs/zerolog"
)

// Key decodes the hex encryption key.
func (c *Config) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryptionKey is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryptionKey must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ModuleOptions converts the per-module settings into capture options.
func (c *Config) ModuleOptions() ([]capture.ModuleOption, error) {
	opts := []capture.ModuleOption{
		capture.WithMaxBodyBytes(c.MaxBodyBytes),
		capture.WithRedactedHeaders(c.RedactHeaders...),
	}
	if c.CaptureRate > 0 {
		opts = append(opts, capture.WithCaptureRate(c.CaptureRate, c.CaptureBurst))
	}
	if c.EncryptionKey != "" {
		key, err := c.Key()
		if err != nil {
			return nil, err
		}
		enc, err := capture.NewXChaCha(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, capture.WithEncryptor(enc))
	}
	return opts, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewRegistry builds a registry with the configured sink. The returned closer
// releases any connection shared by all modules and must run after the
// registry is closed.
func NewRegistry(ctx context.Context, cfg *Config, log zerolog.Logger) (*capture.Registry, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	moduleOpts, err := cfg.ModuleOptions()
	if err != nil {
		return nil, nil, err
	}

	opts := []capture.RegistryOption{
		capture.WithLogger(log),
		capture.WithModuleDefaults(moduleOpts...),
	}
	if cfg.StorageDir != "" {
		opts = append(opts, capture.WithStorageDir(cfg.StorageDir))
	}
	if cfg.SinkBuffer > 0 {
		opts = append(opts, capture.WithDefaultSinkBuffer(cfg.SinkBuffer))
	}

	var closer io.Closer = closerFunc(func() error { return nil })
	switch cfg.Sink {
	case "", SinkMemory:
	case SinkJSONL:
		opts = append(opts, capture.WithSinkFactory(jsonl.Factory()))
	case SinkSQLite:
		if cfg.SQLiteDSN == "" {
			opts = append(opts, capture.WithSinkFactory(sqlite.FileFactory()))
			break
		}
		store, err := sqlite.Open(cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, capture.WithSinkFactory(sqlite.Factory(store)))
		closer = store
	case SinkMongo:
		store, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, capture.WithSinkFactory(mongo.Factory(store)))
		closer = store
	}

	log.Debug().Str("sink", cfg.Sink).Str("storageDir", cfg.StorageDir).Msg("capture registry configured")
	return capture.NewRegistry(opts...), closer, nil
}
