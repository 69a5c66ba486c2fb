package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultStorageDir is where module storage paths live unless WithStorageDir is given.
var DefaultStorageDir = filepath.Join(os.TempDir(), "hitcapture")

// Registry maps unique module names to their modules. It is the single source
// of truth for capture state; interceptors read from it on every call.
type Registry struct {
	mu          sync.RWMutex
	modules     map[string]*Module
	order       []string
	storageDir  string
	sinkFactory SinkFactory
	sinkBuffer  int
	defaults    []ModuleOption
	log         zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStorageDir sets the directory under which module storage paths are derived.
func WithStorageDir(dir string) RegistryOption {
	return func(r *Registry) {
		r.storageDir = dir
	}
}

// WithSinkFactory builds a sink for every module registered without WithSink.
func WithSinkFactory(f SinkFactory) RegistryOption {
	return func(r *Registry) {
		r.sinkFactory = f
	}
}

// WithDefaultSinkBuffer sets the sink queue size for modules that do not set one.
func WithDefaultSinkBuffer(n int) RegistryOption {
	return func(r *Registry) {
		r.sinkBuffer = n
	}
}

// WithModuleDefaults applies opts to every module before its own options.
func WithModuleDefaults(opts ...ModuleOption) RegistryOption {
	return func(r *Registry) {
		r.defaults = append(r.defaults, opts...)
	}
}

// WithLogger sets the logger used for capture-path warnings.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		modules:    make(map[string]*Module),
		storageDir: DefaultStorageDir,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates module name and installs its interceptor into client's
// transport. It returns false when client is nil, name is blank, name is
// already registered or its storage path belongs to another module; an
// existing module is never touched.
func (r *Registry) Register(client *http.Client, name string, opts ...ModuleOption) bool {
	if client == nil || strings.TrimSpace(name) == "" {
		return false
	}

	cfg := defaultModuleConfig()
	for _, opt := range r.defaults {
		opt(&cfg)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sinkBuffer == 0 {
		cfg.sinkBuffer = r.sinkBuffer
	}

	path := r.pathFor(name)
	r.mu.RLock()
	taken := r.takenLocked(name, path)
	r.mu.RUnlock()
	if taken {
		return false
	}

	// Opening a sink may touch disk or the network; keep it outside the lock.
	var opened Sink
	if cfg.sink == nil && r.sinkFactory != nil {
		sink, err := r.sinkFactory(name, path)
		if err != nil {
			r.log.Error().Err(err).Str("module", name).Msg("failed to open sink")
			return false
		}
		cfg.sink, opened = sink, sink
	}

	r.mu.Lock()
	if r.takenLocked(name, path) {
		r.mu.Unlock()
		if opened != nil {
			_ = opened.Close()
		}
		return false
	}

	m := newModule(name, path, cfg, r.log)
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	client.Transport = &Interceptor{next: next, module: m}

	r.modules[name] = m
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.log.Debug().Str("module", name).Str("path", path).Msg("module registered")
	return true
}

// takenLocked reports whether name or path already belongs to a module.
// Callers hold r.mu.
func (r *Registry) takenLocked(name, path string) bool {
	if _, exists := r.modules[name]; exists {
		r.log.Warn().Str("module", name).Msg("module already registered")
		return true
	}
	for other, m := range r.modules {
		if m.storagePath == path {
			r.log.Warn().Str("module", name).Str("owner", other).Str("path", path).Msg("storage path already in use")
			return true
		}
	}
	return false
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	_, ok := r.get(name)
	return ok
}

// Remove disables capture for name, then drops it from the registry. In-flight
// exchanges already holding the interceptor stop recording immediately.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	m, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	m.enabled.Store(false)
	m.removed.Store(true)
	delete(r.modules, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := m.close(); err != nil {
		r.log.Warn().Err(err).Str("module", name).Msg("failed to close sink")
	}
	r.log.Debug().Str("module", name).Msg("module removed")
	return true
}

// SetEnabled toggles capture without touching filter, encryptor or items.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	m, ok := r.get(name)
	if !ok {
		return false
	}
	m.enabled.Store(enabled)
	return true
}

// SetFilter swaps the module's filter; nil records everything.
func (r *Registry) SetFilter(name string, f Filter) bool {
	m, ok := r.get(name)
	if !ok {
		return false
	}
	m.setFilter(f)
	return true
}

// SetEncryptor swaps the module's encryptor for items recorded from now on.
// Decrypting reads also use the current encryptor.
func (r *Registry) SetEncryptor(name string, enc Encryptor) bool {
	m, ok := r.get(name)
	if !ok {
		return false
	}
	m.setEncryptor(enc)
	return true
}

// StoragePath returns the module's storage location identifier.
func (r *Registry) StoragePath(name string) (string, bool) {
	m, ok := r.get(name)
	if !ok {
		return "", false
	}
	return m.storagePath, true
}

// Items returns the module's items in arrival order, or an empty slice.
func (r *Registry) Items(name string) []Item {
	items, _ := r.Lookup(name, false)
	return items
}

// Lookup returns the module's items, decrypting them when asked. The boolean
// reports whether the module exists.
func (r *Registry) Lookup(name string, decrypt bool) ([]Item, bool) {
	m, ok := r.get(name)
	if !ok {
		return []Item{}, false
	}
	return m.items(decrypt), true
}

// AllItems returns every module's items keyed by name. With decrypt set, an
// item that cannot be decrypted is returned flagged Undecryptable.
func (r *Registry) AllItems(decrypt bool) map[string][]Item {
	r.mu.RLock()
	modules := make([]*Module, 0, len(r.order))
	for _, name := range r.order {
		modules = append(modules, r.modules[name])
	}
	r.mu.RUnlock()

	result := make(map[string][]Item, len(modules))
	for _, m := range modules {
		result[m.name] = m.items(decrypt)
	}
	return result
}

// Clear drops the module's items and resets its stats.
func (r *Registry) Clear(name string) bool {
	m, ok := r.get(name)
	if !ok {
		return false
	}
	m.store.Clear()
	m.latency.reset()
	return true
}

// Stats returns the module's latency summary.
func (r *Registry) Stats(name string) (Stats, bool) {
	m, ok := r.get(name)
	if !ok {
		return Stats{}, false
	}
	return m.latency.snapshot(), true
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Items       int    `json:"items"`
	StoragePath string `json:"storagePath"`
	Filtered    bool   `json:"filtered"`
	Encrypted   bool   `json:"encrypted"`
}

// Modules returns module names in registration order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Describe returns a summary of every module in registration order.
func (r *Registry) Describe() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ModuleInfo, 0, len(r.order))
	for _, name := range r.order {
		m := r.modules[name]
		infos = append(infos, ModuleInfo{
			Name:        name,
			Enabled:     m.Enabled(),
			Items:       m.store.Len(),
			StoragePath: m.storagePath,
			Filtered:    m.currentFilter() != nil,
			Encrypted:   m.currentEncryptor() != nil,
		})
	}
	return infos
}

// Close disables every module and closes all sinks concurrently. The registry
// stays usable for reads.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	modules := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		m.enabled.Store(false)
		modules = append(modules, m)
	}
	r.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, m := range modules {
		g.Go(m.close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) get(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// pathFor derives a directory name from name. Names that had to be rewritten
// get a suffix from a hash of the raw name, so distinct names stay distinct.
func (r *Registry) pathFor(name string) string {
	safe := unsafePathChars.ReplaceAllString(name, "_")
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	if safe != name {
		sum := sha256.Sum256([]byte(name))
		safe += "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(r.storageDir, safe)
}

func (m *Module) items(decrypt bool) []Item {
	items := m.store.Snapshot()
	if !decrypt {
		return items
	}
	enc := m.currentEncryptor()
	for i := range items {
		items[i] = openItem(items[i], enc)
	}
	return items
}
