package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/core/config"
	"github.com/abdul-hamid-achik/hitcapture/packages/logging"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/jsonl"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/mongo"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink/sqlite"
	"github.com/rs/zerolog"
)

func newLogger(c *config.Config, out io.Writer) (zerolog.Logger, io.Closer, error) {
	return logging.New(c.Log, out)
}

// loadedSet is what a storage path yielded, grouped by module.
type loadedSet struct {
	items []capture.Item
	paths map[string]string
}

func isSQLite(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return strings.HasPrefix(path, "sqlite:")
}

// loadItems reads a MongoDB deployment, a JSONL file, a SQLite database, a
// module storage path or a storage dir holding one subdirectory per module.
func loadItems(ctx context.Context, path, module string) (*loadedSet, error) {
	set := &loadedSet{paths: make(map[string]string)}
	add := func(items []capture.Item, from string) {
		for _, item := range items {
			if module != "" && item.Module != module {
				continue
			}
			set.items = append(set.items, item)
			if _, ok := set.paths[item.Module]; !ok {
				set.paths[item.Module] = from
			}
		}
	}

	if mongo.IsURI(path) {
		database := ""
		if cfg != nil {
			database = cfg.MongoDatabase
		}
		store, err := mongo.Connect(ctx, path, database)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		modules, err := store.Modules(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range modules {
			items, err := store.Items(ctx, m)
			if err != nil {
				return nil, err
			}
			add(items, path)
		}
		return set, nil
	}

	if isSQLite(path) {
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		modules, err := store.Modules(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range modules {
			items, err := store.Items(ctx, m)
			if err != nil {
				return nil, err
			}
			add(items, path)
		}
		return set, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		items, err := jsonl.ReadFile(path)
		if err != nil {
			return nil, err
		}
		add(items, filepath.Dir(path))
		return set, nil
	}

	dirs, err := moduleDirs(path)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if db := filepath.Join(dir, sqlite.FileName); fileExists(db) {
			sub, err := loadItems(ctx, db, module)
			if err != nil {
				return nil, err
			}
			for _, item := range sub.items {
				add([]capture.Item{item}, dir)
			}
			continue
		}
		items, err := jsonl.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		add(items, dir)
	}
	return set, nil
}

// moduleDirs returns dir itself when it holds capture files, else its
// subdirectories that do.
func moduleDirs(dir string) ([]string, error) {
	if hasCaptures(dir) {
		return []string{dir}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		sub := filepath.Join(dir, e.Name())
		if e.IsDir() && hasCaptures(sub) {
			dirs = append(dirs, sub)
		}
	}
	sort.Strings(dirs)
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no captures found in %s", dir)
	}
	return dirs, nil
}

func hasCaptures(dir string) bool {
	if fileExists(filepath.Join(dir, sqlite.FileName)) {
		return true
	}
	files, err := jsonl.Files(dir)
	return err == nil && len(files) > 0
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// encryptorFor resolves a hex key from the flag or the config. A nil
// encryptor means items stay sealed.
func encryptorFor(keyHex string) (capture.Encryptor, error) {
	if keyHex == "" && cfg != nil {
		keyHex = cfg.EncryptionKey
	}
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	enc, err := capture.NewXChaCha(key)
	if err != nil {
		return nil, err
	}
	return enc, nil
}
