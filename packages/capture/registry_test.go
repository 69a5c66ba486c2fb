package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"access_token":"abc123","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func doGet(t *testing.T, client *http.Client, url string) []byte {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestRegistry_RecordsGet(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}

	require.True(t, reg.AddInterceptor(client, "auth"))
	doGet(t, client, server.URL+"/token")

	items := reg.GetModuleHTTPCaptures("auth")
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, uint64(1), item.Seq)
	assert.Equal(t, "auth", item.Module)
	assert.NotEmpty(t, item.ExchangeID)
	assert.Equal(t, "GET", item.Request.Method)
	assert.Equal(t, server.URL+"/token", item.Request.URL)
	require.NotNil(t, item.Response)
	assert.Nil(t, item.Failure)
	assert.Equal(t, 200, item.Response.StatusCode)
	assert.Equal(t, `{"access_token":"abc123","expires_in":3600}`, string(item.Response.Body))
	assert.NoError(t, item.Validate())

	token, ok := item.ResponseJSON("access_token")
	require.True(t, ok)
	assert.Equal(t, "abc123", token.String())
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	first := &http.Client{}
	second := &http.Client{}

	require.True(t, reg.Register(first, "auth", WithFilter(MethodFilter("GET"))))
	doGet(t, first, server.URL+"/token")

	assert.False(t, reg.AddInterceptor(second, "auth"))
	assert.Nil(t, second.Transport, "rejected registration must not install an interceptor")
	assert.Equal(t, []string{"auth"}, reg.Modules())

	// The original module keeps its filter and items.
	assert.Len(t, reg.Items("auth"), 1)
	info := reg.Describe()
	require.Len(t, info, 1)
	assert.True(t, info[0].Filtered)
}

func TestRegistry_RejectsInvalidRegistration(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.AddInterceptor(nil, "auth"))
	assert.False(t, reg.AddInterceptor(&http.Client{}, ""))
	assert.False(t, reg.AddInterceptor(&http.Client{}, "   "))
	assert.Empty(t, reg.Modules())
}

func TestRegistry_Remove(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}

	require.True(t, reg.AddInterceptor(client, "auth"))
	doGet(t, client, server.URL+"/token")

	assert.True(t, reg.RemoveInterceptor("auth"))
	assert.False(t, reg.IsContainsModule("auth"))

	items := reg.GetModuleHTTPCaptures("auth")
	assert.NotNil(t, items)
	assert.Empty(t, items)

	// The client keeps working through the stale interceptor without recording.
	body := doGet(t, client, server.URL+"/token")
	assert.Contains(t, string(body), "abc123")
	assert.Equal(t, 1, client.Transport.(*Interceptor).Module().store.Len())

	assert.False(t, reg.RemoveInterceptor("auth"))
	_, ok := reg.GetModulePath("auth")
	assert.False(t, ok)
}

func TestRegistry_ToggleIsImmediate(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}

	require.True(t, reg.AddInterceptor(client, "auth"))
	doGet(t, client, server.URL+"/token")
	require.Len(t, reg.Items("auth"), 1)

	require.True(t, reg.UpdateInterceptor("auth", false))
	doGet(t, client, server.URL+"/token")
	assert.Len(t, reg.Items("auth"), 1)

	require.True(t, reg.UpdateInterceptor("auth", true))
	doGet(t, client, server.URL+"/token")
	assert.Len(t, reg.Items("auth"), 2)

	assert.False(t, reg.UpdateInterceptor("missing", true))
}

func TestRegistry_StartsDisabled(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}

	require.True(t, reg.AddInterceptorEnabled(client, "auth", false))
	doGet(t, client, server.URL+"/token")
	assert.Empty(t, reg.Items("auth"))
}

func TestRegistry_FilterRejectedNeverStored(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}

	require.True(t, reg.AddInterceptorWith(client, "auth", nil, PathPrefixFilter("/token"), true))
	doGet(t, client, server.URL+"/health")
	doGet(t, client, server.URL+"/token")

	items := reg.Items("auth")
	require.Len(t, items, 1)
	assert.Equal(t, server.URL+"/token", items[0].Request.URL)

	// Swapping the filter takes effect without re-registration.
	require.True(t, reg.SetFilter("auth", nil))
	doGet(t, client, server.URL+"/health")
	assert.Len(t, reg.Items("auth"), 2)
}

func TestRegistry_StoragePath(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(WithStorageDir(dir))

	require.True(t, reg.AddInterceptor(&http.Client{}, "auth"))
	require.True(t, reg.AddInterceptor(&http.Client{}, "payments/v2"))
	require.True(t, reg.AddInterceptor(&http.Client{}, ".."))

	path, ok := reg.GetModulePath("auth")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "auth"), path)

	path, ok = reg.GetModulePath("payments/v2")
	require.True(t, ok)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "payments_v2-"))

	path, ok = reg.GetModulePath("..")
	require.True(t, ok)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "_-"))
}

func TestRegistry_StoragePathsAreDistinct(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(WithStorageDir(dir))

	names := []string{"a b", "a_b", "a/b", "a:b"}
	seen := map[string]string{}
	for _, name := range names {
		require.True(t, reg.AddInterceptor(&http.Client{}, name), name)
		path, ok := reg.GetModulePath(name)
		require.True(t, ok)
		other, dup := seen[path]
		assert.False(t, dup, "%q and %q share %s", name, other, path)
		seen[path] = name
	}

	// unchanged names keep their plain directory
	path, _ := reg.GetModulePath("a_b")
	assert.Equal(t, filepath.Join(dir, "a_b"), path)
	// the same raw name always maps to the same place
	assert.Equal(t, reg.pathFor("a b"), NewRegistry(WithStorageDir(dir)).pathFor("a b"))
}

func TestRegistry_RejectsOwnedStoragePath(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(WithStorageDir(dir))
	require.True(t, reg.AddInterceptor(&http.Client{}, "a b"))

	// a plain name that spells out another module's derived directory
	taken := filepath.Base(reg.pathFor("a b"))
	client := &http.Client{}
	assert.False(t, reg.AddInterceptor(client, taken))
	assert.Nil(t, client.Transport)
	assert.False(t, reg.Contains(taken))
}

func TestRegistry_AllItemsKeepsOrder(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	clients := map[string]*http.Client{}
	for _, name := range []string{"auth", "billing", "search"} {
		clients[name] = &http.Client{}
		require.True(t, reg.AddInterceptor(clients[name], name))
	}

	doGet(t, clients["billing"], server.URL+"/a")
	doGet(t, clients["billing"], server.URL+"/b")
	doGet(t, clients["search"], server.URL+"/c")

	all := reg.GetAllModule(false)
	assert.Len(t, all, 3)
	assert.Empty(t, all["auth"])
	assert.Len(t, all["billing"], 2)
	assert.Len(t, all["search"], 1)
	assert.Equal(t, []string{"auth", "billing", "search"}, reg.Modules())
}

func TestRegistry_ConcurrentCallsYieldExactlyN(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}
	require.True(t, reg.AddInterceptor(client, "auth"))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(server.URL + "/token")
			if !assert.NoError(t, err) {
				return
			}
			_, _ = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()

	items := reg.Items("auth")
	require.Len(t, items, n)
	seen := make(map[uint64]bool, n)
	for _, item := range items {
		assert.False(t, seen[item.Seq], "duplicate seq %d", item.Seq)
		seen[item.Seq] = true
	}
	for i, item := range items {
		assert.Equal(t, uint64(i+1), item.Seq)
	}
}

func TestRegistry_ClearAndStats(t *testing.T) {
	server := newTokenServer(t)
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}
	require.True(t, reg.AddInterceptor(client, "auth"))

	for i := 0; i < 3; i++ {
		doGet(t, client, server.URL+"/token")
	}

	stats, ok := reg.Stats("auth")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(0), stats.Failures)
	assert.Greater(t, stats.P50, time.Duration(0))
	assert.GreaterOrEqual(t, stats.Max, stats.P50)

	require.True(t, reg.Clear("auth"))
	assert.Empty(t, reg.Items("auth"))
	stats, _ = reg.Stats("auth")
	assert.Equal(t, int64(0), stats.Count)

	// Sequence numbers keep counting after a clear.
	doGet(t, client, server.URL+"/token")
	items := reg.Items("auth")
	require.Len(t, items, 1)
	assert.Equal(t, uint64(4), items[0].Seq)

	_, ok = reg.Stats("missing")
	assert.False(t, ok)
	assert.False(t, reg.Clear("missing"))
}

type memorySink struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	err    error
}

func (s *memorySink) Write(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return s.err
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) snapshot() ([]Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...), s.closed
}

func TestRegistry_SinkReceivesItems(t *testing.T) {
	server := newTokenServer(t)
	sink := &memorySink{}
	reg := NewRegistry(WithStorageDir(t.TempDir()))
	client := &http.Client{}
	require.True(t, reg.Register(client, "auth", WithSink(sink)))

	doGet(t, client, server.URL+"/token")
	doGet(t, client, server.URL+"/token")
	require.True(t, reg.Remove("auth"))

	items, closed := sink.snapshot()
	assert.True(t, closed)
	require.Len(t, items, 2)
	assert.Equal(t, uint64(1), items[0].Seq)
	assert.Equal(t, uint64(2), items[1].Seq)
}

func TestRegistry_SinkFactoryRunsOutsideLock(t *testing.T) {
	winner := &memorySink{}
	loser := &memorySink{}
	var reg *Registry
	reg = NewRegistry(WithStorageDir(t.TempDir()), WithSinkFactory(func(name, _ string) (Sink, error) {
		// readers and writers are not blocked while a sink opens
		assert.False(t, reg.Contains(name))
		require.True(t, reg.Register(&http.Client{}, name, WithSink(winner)))
		return loser, nil
	}))

	client := &http.Client{}
	assert.False(t, reg.AddInterceptor(client, "auth"))
	assert.Nil(t, client.Transport)
	assert.True(t, reg.Contains("auth"))

	_, closed := loser.snapshot()
	assert.True(t, closed, "sink of the losing registration must be closed")
	_, closed = winner.snapshot()
	assert.False(t, closed)
}

func TestRegistry_SinkFactory(t *testing.T) {
	dir := t.TempDir()
	var gotName, gotPath string
	sink := &memorySink{}
	reg := NewRegistry(WithStorageDir(dir), WithSinkFactory(func(name, path string) (Sink, error) {
		gotName, gotPath = name, path
		return sink, nil
	}))

	require.True(t, reg.AddInterceptor(&http.Client{}, "auth"))
	assert.Equal(t, "auth", gotName)
	assert.Equal(t, filepath.Join(dir, "auth"), gotPath)

	failing := NewRegistry(WithSinkFactory(func(string, string) (Sink, error) {
		return nil, errors.New("disk full")
	}))
	assert.False(t, failing.AddInterceptor(&http.Client{}, "auth"))
	assert.False(t, failing.Contains("auth"))

	require.NoError(t, reg.Close(context.Background()))
	_, closed := sink.snapshot()
	assert.True(t, closed)
	assert.False(t, reg.Describe()[0].Enabled)
}

func TestDefaultRegistry(t *testing.T) {
	server := newTokenServer(t)
	client := &http.Client{}
	name := "default-registry-test"

	require.True(t, AddInterceptor(client, name))
	t.Cleanup(func() { RemoveInterceptor(name) })

	assert.True(t, IsContainsModule(name))
	doGet(t, client, server.URL+"/token")
	assert.Len(t, GetModuleHTTPCaptures(name), 1)
	assert.Contains(t, GetAllModule(false), name)

	path, ok := GetModulePath(name)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(DefaultStorageDir, name), path)

	assert.True(t, UpdateInterceptor(name, false))
	doGet(t, client, server.URL+"/token")
	assert.Len(t, GetModuleHTTPCaptures(name), 1)
}
