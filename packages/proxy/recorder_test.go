package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRecorder_CapturesUpstreamExchange(t *testing.T) {
	upstream := newUpstream(t)
	reg := capture.NewRegistry(capture.WithStorageDir(t.TempDir()))

	rec, err := NewRecorder(reg, WithTargetURL(upstream.URL), WithModule("gateway"))
	require.NoError(t, err)
	proxy := httptest.NewServer(rec.Handler())
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/v1/orders", "text/plain", strings.NewReader("order-1"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "echo:order-1", string(body))
	assert.Equal(t, "/v1/orders", resp.Header.Get("X-Upstream-Path"))

	require.Eventually(t, func() bool {
		return len(reg.Items("gateway")) == 1
	}, time.Second, 10*time.Millisecond)
	item := reg.Items("gateway")[0]
	assert.Equal(t, "POST", item.Request.Method)
	assert.Equal(t, "order-1", string(item.Request.Body))
	assert.Equal(t, "echo:order-1", string(item.Response.Body))
}

func TestRecorder_ExcludeAndDeduplicate(t *testing.T) {
	upstream := newUpstream(t)
	reg := capture.NewRegistry(capture.WithStorageDir(t.TempDir()))

	rec, err := NewRecorder(reg,
		WithTargetURL(upstream.URL),
		WithExclude([]string{"/health"}),
		WithDeduplicate(true),
	)
	require.NoError(t, err)
	assert.Equal(t, DefaultModule, rec.Module())
	proxy := httptest.NewServer(rec.Handler())
	defer proxy.Close()

	for _, path := range []string{"/health", "/users", "/users", "/orders"} {
		resp, err := http.Get(proxy.URL + path)
		require.NoError(t, err)
		_, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return len(reg.Items(DefaultModule)) == 2
	}, time.Second, 10*time.Millisecond)
	items := reg.Items(DefaultModule)
	assert.True(t, strings.HasSuffix(items[0].Request.URL, "/users"))
	assert.True(t, strings.HasSuffix(items[1].Request.URL, "/orders"))
}

func TestRecorder_Errors(t *testing.T) {
	reg := capture.NewRegistry()
	_, err := NewRecorder(reg)
	assert.Error(t, err)

	_, err = NewRecorder(reg, WithTargetURL("http://localhost:1"), WithModule("dup"))
	require.NoError(t, err)
	_, err = NewRecorder(reg, WithTargetURL("http://localhost:1"), WithModule("dup"))
	assert.Error(t, err)
}

func TestRecorder_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := capture.NewRegistry()
	rec, err := NewRecorder(reg, WithTargetURL("http://"+deadAddr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- rec.Serve(ctx, proxyLn) }()

	resp, err := http.Get("http://" + proxyLn.Addr().String() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	items := reg.Items(DefaultModule)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Failure)

	cancel()
	assert.NoError(t, <-done)
}
