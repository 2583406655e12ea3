package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/config"
	"dnsgate/pkg/forwarder"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage records the arguments of the last read
type fakeStorage struct {
	*storage.NoOpStorage
	pingErr  error
	queryErr error
	rows     []*storage.QueryLog
	filter   storage.QueryFilter
	since    time.Time
	limit    int
	offset   int
	mu       sync.Mutex
}

func (f *fakeStorage) GetQueries(ctx context.Context, filter storage.QueryFilter, limit, offset int) ([]*storage.QueryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter, f.limit, f.offset = filter, limit, offset
	return f.rows, f.queryErr
}

func (f *fakeStorage) GetStatistics(ctx context.Context, since time.Time) (*storage.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
	return &storage.Statistics{Since: since, TotalQueries: 10, BlockedQueries: 4, BlockRate: 40}, f.queryErr
}

func (f *fakeStorage) Ping(ctx context.Context) error {
	return f.pingErr
}

type fakeFeeds struct {
	refreshed int
}

func (f *fakeFeeds) Status() blocklist.Status {
	return blocklist.Status{URLs: []string{"https://lists.example/ads.txt"}, ListsLoaded: 1, Domains: 42}
}

func (f *fakeFeeds) Refresh(ctx context.Context) blocklist.Status {
	f.refreshed++
	st := f.Status()
	st.Added = 2
	return st
}

type fakeHealth struct{}

func (fakeHealth) Snapshot() []forwarder.UpstreamStatus {
	return []forwarder.UpstreamStatus{{Address: "1.1.1.1:53", Healthy: false, Failures: 3, LastIssue: "timeout"}}
}

type fakePending int

func (p fakePending) Pending() int { return int(p) }

type fakeStream struct {
	records    chan *storage.QueryLog
	subscribed chan struct{}
}

func (f *fakeStream) Subscribe(buffer int) (<-chan *storage.QueryLog, func()) {
	close(f.subscribed)
	return f.records, func() {}
}

type testAPI struct {
	server  *Server
	storage *fakeStorage
	store   *blocklist.Store
	feeds   *fakeFeeds
	stream  *fakeStream
}

func newTestAPI(t *testing.T, auth config.APIConfig) *testAPI {
	t.Helper()
	logger := logging.NewWithWriter(io.Discard, &config.LoggingConfig{Level: "error"})
	ta := &testAPI{
		storage: &fakeStorage{NoOpStorage: storage.NewNoOpStorage()},
		store:   blocklist.NewStore(logger, nil, nil),
		feeds:   &fakeFeeds{},
		stream:  &fakeStream{records: make(chan *storage.QueryLog, 1), subscribed: make(chan struct{})},
	}
	ta.server = New(&Config{
		Storage: ta.storage,
		Store:   ta.store,
		Feeds:   ta.feeds,
		Health:  fakeHealth{},
		Pending: fakePending(3),
		Stream:  ta.stream,
		Auth:    auth,
		Logger:  logger,
		Version: "test",
	})
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ta.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	rec := ta.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 3, resp.Pending)
	require.Len(t, resp.Upstreams, 1)
	assert.Equal(t, "timeout", resp.Upstreams[0].LastIssue)

	ta.storage.pingErr = errors.New("database is locked")
	resp = decode[HealthResponse](t, ta.do(t, http.MethodGet, "/api/health", ""))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "database is locked", resp.Storage)
}

func TestLogs_Filters(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})
	ta.storage.rows = []*storage.QueryLog{{ID: 1, Domain: "example.com", ResponseCode: "NOERROR"}}

	rec := ta.do(t, http.MethodGet, "/api/logs?limit=5000&offset=10&client=10.0.0.2&search=exam&since=1700000000000", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[LogsResponse](t, rec)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "example.com", resp.Rows[0].Domain)
	assert.Equal(t, storage.MaxQueryLimit, resp.Limit)

	assert.Equal(t, storage.MaxQueryLimit, ta.storage.limit)
	assert.Equal(t, 10, ta.storage.offset)
	assert.Equal(t, "10.0.0.2", ta.storage.filter.ClientIP)
	assert.Equal(t, "exam", ta.storage.filter.Search)
	assert.Equal(t, int64(1700000000000), ta.storage.filter.Since.UnixMilli())
}

func TestLogs_Defaults(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	resp := decode[LogsResponse](t, ta.do(t, http.MethodGet, "/api/logs?offset=-4", ""))
	assert.NotNil(t, resp.Rows)
	assert.Empty(t, resp.Rows)
	assert.Equal(t, storage.DefaultQueryLimit, ta.storage.limit)
	assert.Zero(t, ta.storage.offset)
	assert.True(t, ta.storage.filter.Since.IsZero())
}

func TestLogs_Errors(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodGet, "/api/logs?since=yesterday", "").Code)

	ta.storage.queryErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, ta.do(t, http.MethodGet, "/api/logs", "").Code)
}

func TestStats(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	before := time.Now()
	rec := ta.do(t, http.MethodGet, "/api/stats?period=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatsResponse](t, rec)
	assert.Equal(t, int64(10), resp.TotalQueries)
	assert.Equal(t, "1h0m0s", resp.Period)
	assert.WithinDuration(t, before.Add(-time.Hour), ta.storage.since, 5*time.Second)

	resp = decode[StatsResponse](t, ta.do(t, http.MethodGet, "/api/stats?period=nonsense", ""))
	assert.Equal(t, "24h0m0s", resp.Period)
}

func TestBlacklist(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	rec := ta.do(t, http.MethodPost, "/api/blacklist", `{"domain":"Ads.Example.com."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ads.example.com", decode[DomainResponse](t, rec).Domain)

	ta.store.SyncList(context.Background(), []string{"tracker.example.net"})

	list := decode[DomainListResponse](t, ta.do(t, http.MethodGet, "/api/blacklist", ""))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "ads.example.com", list.Entries[0].Domain)

	all := decode[DomainListResponse](t, ta.do(t, http.MethodGet, "/api/blacklist?all=1", ""))
	assert.Equal(t, 2, all.Total)

	assert.True(t, ta.store.Classify("x.ads.example.com").Blocked)

	rec = ta.do(t, http.MethodDelete, "/api/blacklist/ads.example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DomainResponse](t, rec).Removed)
	assert.False(t, ta.store.Classify("x.ads.example.com").Blocked)
}

func TestBlacklist_InvalidInput(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPost, "/api/blacklist", `{"domain":"localhost"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPost, "/api/blacklist", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodDelete, "/api/blacklist/com", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ta.do(t, http.MethodPut, "/api/blacklist", "").Code)
}

func TestAllowlist(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})
	_, err := ta.store.AddBlock(context.Background(), "example.com", blocklist.SourceManual)
	require.NoError(t, err)

	rec := ta.do(t, http.MethodPost, "/api/allowlist", `{"domain":"cdn.example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ta.store.Classify("img.cdn.example.com").Blocked)

	list := decode[DomainListResponse](t, ta.do(t, http.MethodGet, "/api/allowlist", ""))
	assert.Equal(t, 1, list.Total)

	rec = ta.do(t, http.MethodDelete, "/api/allowlist/cdn.example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ta.store.Classify("img.cdn.example.com").Blocked)

	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPost, "/api/allowlist", `{"domain":""}`).Code)
}

func TestFeeds(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})

	status := decode[blocklist.Status](t, ta.do(t, http.MethodGet, "/api/feeds/status", ""))
	assert.Equal(t, 42, status.Domains)

	status = decode[blocklist.Status](t, ta.do(t, http.MethodPost, "/api/feeds/refresh", ""))
	assert.Equal(t, 2, status.Added)
	assert.Equal(t, 1, ta.feeds.refreshed)
}

func TestSystem(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{})
	_, err := ta.store.AddAllow(context.Background(), "example.org")
	require.NoError(t, err)

	rec := ta.do(t, http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SystemResponse](t, rec)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
	assert.Positive(t, resp.Goroutines)
	assert.Equal(t, 1, resp.AllowEntries)
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestAPI(t, config.APIConfig{APIKey: "secret"})

	rec := ta.do(t, http.MethodOptions, "/api/blacklist", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnconfiguredDependencies(t *testing.T) {
	s := New(&Config{Logger: logging.NewWithWriter(io.Discard, &config.LoggingConfig{Level: "error"})})

	for _, path := range []string{"/api/blacklist", "/api/allowlist", "/api/feeds/status", "/events"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
