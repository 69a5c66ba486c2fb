package config

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abdul-hamid-achik/hitcapture/packages/sink/jsonl"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.IsDefault())
	assert.Equal(t, SinkMemory, cfg.Sink)
	assert.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.RedactHeaders, "Authorization")
}

func TestFindAndLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	yml := `sink: jsonl
storageDir: /var/lib/hitcapture
maxBodyBytes: 4096
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hitcapture.yaml"), []byte(yml), 0644))

	cfg, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, SinkJSONL, cfg.Sink)
	assert.Equal(t, "/var/lib/hitcapture", cfg.StorageDir)
	assert.Equal(t, int64(4096), cfg.MaxBodyBytes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.IsDefault())
}

func TestFindAndLoadConfig_JSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hitcapture.config.json"),
		[]byte(`{"sink":"sqlite","sqliteDSN":"sqlite://captures.db"}`), 0644))

	cfg, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, SinkSQLite, cfg.Sink)
	assert.Equal(t, "sqlite://captures.db", cfg.SQLiteDSN)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultConfig().SinkBuffer, cfg.SinkBuffer)
}

func TestFindAndLoadConfig_NoFile(t *testing.T) {
	cfg, err := FindAndLoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.IsDefault())
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.json")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HITCAPTURE_SINK":           "mongo",
		"HITCAPTURE_MONGO_URI":      "mongodb://localhost:27017",
		"HITCAPTURE_MAX_BODY_BYTES": "128",
		"HITCAPTURE_CAPTURE_RATE":   "2.5",
		"HITCAPTURE_REDACT_HEADERS": "X-Token, Cookie,",
		"HITCAPTURE_LOG_LEVEL":      "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, SinkMongo, cfg.Sink)
	assert.Equal(t, int64(128), cfg.MaxBodyBytes)
	assert.Equal(t, 2.5, cfg.CaptureRate)
	assert.Equal(t, []string{"X-Token", "Cookie"}, cfg.RedactHeaders)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())

	env["HITCAPTURE_MAX_BODY_BYTES"] = "lots"
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown sink", func(c *Config) { c.Sink = "kafka" }, "unknown sink"},
		{"mongo without uri", func(c *Config) { c.Sink = SinkMongo }, "mongoURI"},
		{"short key", func(c *Config) { c.EncryptionKey = "abcd" }, "32 bytes"},
		{"non hex key", func(c *Config) { c.EncryptionKey = "zz" }, "not hex"},
		{"negative rate", func(c *Config) { c.CaptureRate = -1 }, "negative"},
		{"valid key", func(c *Config) { c.EncryptionKey = testKey }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.Sink = SinkJSONL
			cfg.CaptureRate = 10
			require.NoError(t, cfg.SaveConfig(path))

			loaded, err := loadConfigFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestNewRegistry_JSONLSink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Sink = SinkJSONL
	cfg.StorageDir = t.TempDir()
	cfg.EncryptionKey = testKey

	reg, closer, err := NewRegistry(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer closer.Close()

	client := &http.Client{}
	require.True(t, reg.Register(client, "billing"))

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"amount":5}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	path, ok := reg.StoragePath("billing")
	require.True(t, ok)
	require.NoError(t, reg.Close(context.Background()))

	items, err := jsonl.ReadDir(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Encrypted)
	assert.Equal(t, "[REDACTED]", items[0].Request.Header.Get("Authorization"))
	assert.NotEqual(t, `{"amount":5}`, string(items[0].Request.Body))
}

func TestNewRegistry_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sink = "kafka"
	_, _, err := NewRegistry(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
