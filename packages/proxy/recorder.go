// Package proxy provides a reverse proxy whose upstream traffic is captured.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/rs/zerolog"
)

// DefaultModule names the module the proxy registers.
const DefaultModule = "proxy"

// Recorder forwards requests to a target and captures every upstream
// exchange into a module of its registry.
type Recorder struct {
	addr        string
	targetURL   string
	module      string
	exclude     []string
	deduplicate bool
	registry    *capture.Registry
	client      *http.Client
	log         zerolog.Logger
}

// Option is a functional option for Recorder
type Option func(*Recorder)

// WithAddr sets the listen address
func WithAddr(addr string) Option {
	return func(r *Recorder) {
		r.addr = addr
	}
}

// WithTargetURL sets the target URL to proxy to
func WithTargetURL(target string) Option {
	return func(r *Recorder) {
		r.targetURL = target
	}
}

// WithModule sets the capture module name
func WithModule(name string) Option {
	return func(r *Recorder) {
		r.module = name
	}
}

// WithExclude forwards paths containing any fragment without capturing them
func WithExclude(paths []string) Option {
	return func(r *Recorder) {
		r.exclude = paths
	}
}

// WithDeduplicate captures only the first request per method and path
func WithDeduplicate(enabled bool) Option {
	return func(r *Recorder) {
		r.deduplicate = enabled
	}
}

// WithTransport sets the upstream transport
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Recorder) {
		r.client.Transport = rt
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) {
		r.log = l
	}
}

// NewRecorder registers the proxy's module in reg. Module options such as
// encryption and body limits come from reg's defaults.
func NewRecorder(reg *capture.Registry, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		addr:     ":8080",
		module:   DefaultModule,
		registry: reg,
		client:   &http.Client{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.targetURL == "" {
		return nil, fmt.Errorf("target URL is required")
	}
	if _, err := url.Parse(r.targetURL); err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}

	var filters []capture.Filter
	if len(r.exclude) > 0 {
		filters = append(filters, capture.ExcludePathFilter(r.exclude...))
	}
	if r.deduplicate {
		filters = append(filters, firstSeen())
	}
	var moduleOpts []capture.ModuleOption
	if len(filters) > 0 {
		moduleOpts = append(moduleOpts, capture.WithFilter(capture.All(filters...)))
	}
	if !reg.Register(r.client, r.module, moduleOpts...) {
		return nil, fmt.Errorf("module %q could not be registered", r.module)
	}
	return r, nil
}

// firstSeen accepts a method and path only once.
func firstSeen() capture.Filter {
	var mu sync.Mutex
	seen := make(map[string]bool)
	return capture.FilterFunc(func(req *http.Request) bool {
		key := req.Method + ":" + req.URL.Path
		mu.Lock()
		defer mu.Unlock()
		if seen[key] {
			return false
		}
		seen[key] = true
		return true
	})
}

// Module returns the capture module name.
func (r *Recorder) Module() string {
	return r.module
}

// Handler returns the proxying handler.
func (r *Recorder) Handler() http.Handler {
	target, _ := url.Parse(r.targetURL)
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: r.client.Transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.log.Warn().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// Start serves until ctx ends, then shuts down gracefully.
func (r *Recorder) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (r *Recorder) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	r.log.Info().Str("addr", ln.Addr().String()).Str("target", r.targetURL).Str("module", r.module).Msg("recording proxy started")
	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
