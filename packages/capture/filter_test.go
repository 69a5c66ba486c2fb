package capture

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilters(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, "http://api.example.com:8443/v1/users?id=1", nil)
	get.Header.Set("X-Trace", "on")
	post := httptest.NewRequest(http.MethodPost, "http://auth.example.com/health", nil)

	tests := []struct {
		name   string
		filter Filter
		req    *http.Request
		want   bool
	}{
		{"method match", MethodFilter("get", "PUT"), get, true},
		{"method miss", MethodFilter("GET"), post, false},
		{"host without port", HostFilter("api.example.com"), get, true},
		{"host with port", HostFilter("api.example.com:8443"), get, true},
		{"host miss", HostFilter("api.example.com"), post, false},
		{"path prefix", PathPrefixFilter("/v1/"), get, true},
		{"path prefix miss", PathPrefixFilter("/v2/"), get, false},
		{"exclude health", ExcludePathFilter("/health", "/metrics"), post, false},
		{"exclude keeps others", ExcludePathFilter("/health"), get, true},
		{"header present", HeaderFilter("X-Trace", ""), get, true},
		{"header value", HeaderFilter("X-Trace", "off"), get, false},
		{"header missing", HeaderFilter("X-Trace", ""), post, false},
		{"all", All(MethodFilter("GET"), PathPrefixFilter("/v1")), get, true},
		{"all fails", All(MethodFilter("GET"), PathPrefixFilter("/v2")), get, false},
		{"all empty", All(), post, true},
		{"any", Any(MethodFilter("DELETE"), HostFilter("auth.example.com")), post, true},
		{"any empty", Any(), post, false},
		{"not", Not(MethodFilter("POST")), post, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Accept(tt.req))
		})
	}
}
