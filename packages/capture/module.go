package capture

import (
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes caps how much of each body is kept in a captured item.
const DefaultMaxBodyBytes int64 = 1 << 20

// ModuleOption configures a module at registration.
type ModuleOption func(*moduleConfig)

type moduleConfig struct {
	filter       Filter
	encryptor    Encryptor
	enabled      bool
	maxBodyBytes int64
	redact       []string
	limit        rate.Limit
	burst        int
	sink         Sink
	sinkBuffer   int
}

func defaultModuleConfig() moduleConfig {
	return moduleConfig{
		enabled:      true,
		maxBodyBytes: DefaultMaxBodyBytes,
		limit:        rate.Inf,
	}
}

// WithFilter records only exchanges accepted by f.
func WithFilter(f Filter) ModuleOption {
	return func(c *moduleConfig) {
		c.filter = f
	}
}

// WithEncryptor encrypts captured bodies with enc.
func WithEncryptor(enc Encryptor) ModuleOption {
	return func(c *moduleConfig) {
		c.encryptor = enc
	}
}

// WithCaptureEnabled sets the initial capture flag.
func WithCaptureEnabled(enabled bool) ModuleOption {
	return func(c *moduleConfig) {
		c.enabled = enabled
	}
}

// WithMaxBodyBytes caps stored body sizes. Zero or less keeps whole bodies.
func WithMaxBodyBytes(n int64) ModuleOption {
	return func(c *moduleConfig) {
		c.maxBodyBytes = n
	}
}

// WithRedactedHeaders masks the given headers in captured copies only.
func WithRedactedHeaders(names ...string) ModuleOption {
	return func(c *moduleConfig) {
		c.redact = append(c.redact, names...)
	}
}

// WithCaptureRate limits recording to perSecond exchanges with the given burst.
// Exchanges over budget are forwarded without being recorded.
func WithCaptureRate(perSecond float64, burst int) ModuleOption {
	return func(c *moduleConfig) {
		if perSecond <= 0 {
			c.limit = rate.Inf
			return
		}
		c.limit = rate.Limit(perSecond)
		c.burst = burst
	}
}

// WithSink persists every recorded item to sink, overriding the registry factory.
func WithSink(sink Sink) ModuleOption {
	return func(c *moduleConfig) {
		c.sink = sink
	}
}

// WithSinkBuffer sets how many items may wait for the sink before drops.
func WithSinkBuffer(n int) ModuleOption {
	return func(c *moduleConfig) {
		c.sinkBuffer = n
	}
}

type filterHolder struct{ f Filter }
type encryptorHolder struct{ e Encryptor }

// Module is a named capture channel. Its fields are owned by the Registry;
// interceptors only hold a pointer and read the live state on every call.
type Module struct {
	name         string
	storagePath  string
	enabled      atomic.Bool
	removed      atomic.Bool
	filter       atomic.Pointer[filterHolder]
	encryptor    atomic.Pointer[encryptorHolder]
	store        Store
	latency      *latency
	limiter      *rate.Limiter
	maxBodyBytes int64
	redact       []string
	sink         *queuedSink
	log          zerolog.Logger
}

func newModule(name, storagePath string, cfg moduleConfig, log zerolog.Logger) *Module {
	m := &Module{
		name:         name,
		storagePath:  storagePath,
		latency:      newLatency(),
		maxBodyBytes: cfg.maxBodyBytes,
		log:          log.With().Str("module", name).Logger(),
	}
	for _, h := range cfg.redact {
		m.redact = append(m.redact, http.CanonicalHeaderKey(h))
	}
	if cfg.limit != rate.Inf {
		burst := cfg.burst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(cfg.limit, burst)
	}
	m.enabled.Store(cfg.enabled)
	m.setFilter(cfg.filter)
	m.setEncryptor(cfg.encryptor)
	if cfg.sink != nil {
		m.sink = newQueuedSink(cfg.sink, cfg.sinkBuffer, m.log)
	}
	return m
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// StoragePath returns the module's storage location identifier.
func (m *Module) StoragePath() string { return m.storagePath }

// Enabled reports whether new exchanges are being recorded.
func (m *Module) Enabled() bool { return m.enabled.Load() && !m.removed.Load() }

func (m *Module) currentFilter() Filter {
	if h := m.filter.Load(); h != nil {
		return h.f
	}
	return nil
}

func (m *Module) setFilter(f Filter) {
	m.filter.Store(&filterHolder{f: f})
}

func (m *Module) currentEncryptor() Encryptor {
	if h := m.encryptor.Load(); h != nil {
		return h.e
	}
	return nil
}

func (m *Module) setEncryptor(e Encryptor) {
	m.encryptor.Store(&encryptorHolder{e: e})
}

// redactHeader returns a copy of h with the module's redacted headers masked.
func (m *Module) redactHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range m.redact {
		if _, ok := out[name]; ok {
			out[name] = []string{"[REDACTED]"}
		}
	}
	return out
}

// commit stores a finished item unless the module was removed meanwhile.
func (m *Module) commit(item Item) {
	if m.removed.Load() {
		return
	}
	stored := m.store.Append(item)
	m.latency.record(item.Elapsed, item.Failure != nil)
	if m.sink != nil {
		m.sink.enqueue(stored.Clone())
	}
}

func (m *Module) close() error {
	if m.sink == nil {
		return nil
	}
	return m.sink.close()
}
