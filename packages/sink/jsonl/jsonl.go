// Package jsonl persists captured items as JSON lines, one file per module
// storage path, rotated by size.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// FileName is the active capture file inside a module storage path.
	FileName = "captures.jsonl"
	// DefaultMaxSizeMB is the size at which the active file is rotated.
	DefaultMaxSizeMB = 50
	maxLineBytes     = 64 << 20
)

// Sink appends items to <dir>/captures.jsonl.
type Sink struct {
	mu     sync.Mutex
	dir    string
	writer *lumberjack.Logger
}

// Option configures a Sink.
type Option func(*lumberjack.Logger)

// WithMaxSizeMB sets the rotation size.
func WithMaxSizeMB(mb int) Option {
	return func(l *lumberjack.Logger) {
		l.MaxSize = mb
	}
}

// WithMaxBackups limits how many rotated files are kept.
func WithMaxBackups(n int) Option {
	return func(l *lumberjack.Logger) {
		l.MaxBackups = n
	}
}

// WithCompress gzips rotated files.
func WithCompress(compress bool) Option {
	return func(l *lumberjack.Logger) {
		l.Compress = compress
	}
}

// New creates the directory if needed and returns a sink writing into it.
func New(dir string, opts ...Option) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename: filepath.Join(dir, FileName),
		MaxSize:  DefaultMaxSizeMB,
	}
	for _, opt := range opts {
		opt(writer)
	}
	return &Sink{dir: dir, writer: writer}, nil
}

// Factory adapts New to a capture.SinkFactory.
func Factory(opts ...Option) capture.SinkFactory {
	return func(_ string, storagePath string) (capture.Sink, error) {
		return New(storagePath, opts...)
	}
}

// Dir returns the directory the sink writes into.
func (s *Sink) Dir() string {
	return s.dir
}

// Write appends item as one JSON line.
func (s *Sink) Write(_ context.Context, item capture.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write item: %w", err)
	}
	return nil
}

// Close closes the active file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// ReadFile decodes every item in a JSONL file. Blank lines are skipped.
func ReadFile(path string) ([]capture.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	items := make([]capture.Item, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var item capture.Item
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return items, nil
}

// ReadDir reads a module storage path: rotated backups first, oldest first,
// then the active file. Compressed backups are skipped.
func ReadDir(dir string) ([]capture.Item, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	items := make([]capture.Item, 0)
	for _, f := range files {
		batch, err := ReadFile(f)
		if err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

// Files lists the readable capture files of a module storage path in order.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(FileName, filepath.Ext(FileName))
	var backups []string
	active := ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".jsonl" || !strings.HasPrefix(name, base) {
			continue
		}
		if name == FileName {
			active = filepath.Join(dir, name)
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// lumberjack backup names embed a sortable timestamp.
	sort.Strings(backups)
	if active != "" {
		backups = append(backups, active)
	}
	return backups, nil
}
