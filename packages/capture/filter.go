package capture

import (
	"net/http"
	"strings"
)

// Filter decides whether an outgoing request should be recorded. It runs on the
// calling goroutine before any body is read, so it only sees method, URL and
// headers. Implementations must not have side effects.
type Filter interface {
	Accept(req *http.Request) bool
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(req *http.Request) bool

// Accept calls f(req).
func (f FilterFunc) Accept(req *http.Request) bool {
	return f(req)
}

// MethodFilter accepts requests whose method is one of methods.
func MethodFilter(methods ...string) Filter {
	return FilterFunc(func(req *http.Request) bool {
		for _, m := range methods {
			if strings.EqualFold(req.Method, m) {
				return true
			}
		}
		return false
	})
}

// HostFilter accepts requests addressed to one of hosts. A host without a port
// matches any port.
func HostFilter(hosts ...string) Filter {
	return FilterFunc(func(req *http.Request) bool {
		if req.URL == nil {
			return false
		}
		for _, h := range hosts {
			if strings.EqualFold(req.URL.Host, h) || strings.EqualFold(req.URL.Hostname(), h) {
				return true
			}
		}
		return false
	})
}

// PathPrefixFilter accepts requests whose URL path starts with one of prefixes.
func PathPrefixFilter(prefixes ...string) Filter {
	return FilterFunc(func(req *http.Request) bool {
		if req.URL == nil {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(req.URL.Path, p) {
				return true
			}
		}
		return false
	})
}

// ExcludePathFilter rejects requests whose path contains any of the fragments,
// e.g. "/health" or "/metrics".
func ExcludePathFilter(fragments ...string) Filter {
	return FilterFunc(func(req *http.Request) bool {
		if req.URL == nil {
			return true
		}
		for _, f := range fragments {
			if f != "" && strings.Contains(req.URL.Path, f) {
				return false
			}
		}
		return true
	})
}

// HeaderFilter accepts requests carrying header name. When value is non-empty
// the header must also equal it.
func HeaderFilter(name, value string) Filter {
	return FilterFunc(func(req *http.Request) bool {
		values := req.Header.Values(name)
		if len(values) == 0 {
			return false
		}
		if value == "" {
			return true
		}
		for _, v := range values {
			if v == value {
				return true
			}
		}
		return false
	})
}

// All accepts when every filter accepts. All() accepts everything.
func All(filters ...Filter) Filter {
	return FilterFunc(func(req *http.Request) bool {
		for _, f := range filters {
			if f != nil && !f.Accept(req) {
				return false
			}
		}
		return true
	})
}

// Any accepts when at least one filter accepts. Any() rejects everything.
func Any(filters ...Filter) Filter {
	return FilterFunc(func(req *http.Request) bool {
		for _, f := range filters {
			if f != nil && f.Accept(req) {
				return true
			}
		}
		return false
	})
}

// Not inverts f.
func Not(f Filter) Filter {
	return FilterFunc(func(req *http.Request) bool {
		return !f.Accept(req)
	})
}
