// Package inspect serves a read-only JSON view of captured exchanges.
package inspect

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// ErrModuleNotFound is reported for unknown module names.
var ErrModuleNotFound = errors.New("module not found")

// Source is what the API reads from. *capture.Registry implements it.
type Source interface {
	Describe() []capture.ModuleInfo
	Lookup(name string, decrypt bool) ([]capture.Item, bool)
	Stats(name string) (capture.Stats, bool)
	AllItems(decrypt bool) map[string][]capture.Item
}

var _ Source = (*capture.Registry)(nil)

type errorBody struct {
	Error  string `json:"error"`
	Module string `json:"module,omitempty"`
}

// NewServer returns the router for src.
func NewServer(src Source, log zerolog.Logger) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)

	router.Get("/modules", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, src.Describe())
	})
	router.Get("/modules/{name}/items", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		items, ok := src.Lookup(name, decryptParam(r))
		if !ok {
			notFound(w, log, name)
			return
		}
		writeJSON(w, log, http.StatusOK, items)
	})
	router.Get("/modules/{name}/stats", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		stats, ok := src.Stats(name)
		if !ok {
			notFound(w, log, name)
			return
		}
		writeJSON(w, log, http.StatusOK, stats)
	})
	router.Get("/items", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, src.AllItems(decryptParam(r)))
	})

	return router
}

func decryptParam(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("decrypt"))
	return err == nil && v
}

func notFound(w http.ResponseWriter, log zerolog.Logger, name string) {
	writeJSON(w, log, http.StatusNotFound, errorBody{Error: ErrModuleNotFound.Error(), Module: name})
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// StaticSource serves items loaded from persisted storage. Modules are listed
// in name order. Decryption uses the encryptor given at construction.
type StaticSource struct {
	items     map[string][]capture.Item
	paths     map[string]string
	encryptor capture.Encryptor
}

// NewStaticSource groups items by module. enc may be nil.
func NewStaticSource(items []capture.Item, enc capture.Encryptor) *StaticSource {
	s := &StaticSource{
		items:     make(map[string][]capture.Item),
		paths:     make(map[string]string),
		encryptor: enc,
	}
	for _, item := range items {
		s.items[item.Module] = append(s.items[item.Module], item)
	}
	return s
}

// SetPath records where a module's items were read from.
func (s *StaticSource) SetPath(module, path string) {
	s.paths[module] = path
}

func (s *StaticSource) names() []string {
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe implements Source.
func (s *StaticSource) Describe() []capture.ModuleInfo {
	infos := make([]capture.ModuleInfo, 0, len(s.items))
	for _, name := range s.names() {
		items := s.items[name]
		encrypted := false
		for _, item := range items {
			if item.Encrypted {
				encrypted = true
				break
			}
		}
		infos = append(infos, capture.ModuleInfo{
			Name:        name,
			Items:       len(items),
			StoragePath: s.paths[name],
			Encrypted:   encrypted,
		})
	}
	return infos
}

// Lookup implements Source.
func (s *StaticSource) Lookup(name string, decrypt bool) ([]capture.Item, bool) {
	items, ok := s.items[name]
	if !ok {
		return nil, false
	}
	out := make([]capture.Item, len(items))
	for i, item := range items {
		if decrypt {
			out[i] = capture.Open(item, s.encryptor)
		} else {
			out[i] = item.Clone()
		}
	}
	return out, true
}

// Stats implements Source.
func (s *StaticSource) Stats(name string) (capture.Stats, bool) {
	items, ok := s.items[name]
	if !ok {
		return capture.Stats{}, false
	}
	return capture.Summarize(items), true
}

// AllItems implements Source.
func (s *StaticSource) AllItems(decrypt bool) map[string][]capture.Item {
	out := make(map[string][]capture.Item, len(s.items))
	for _, name := range s.names() {
		out[name], _ = s.Lookup(name, decrypt)
	}
	return out
}
