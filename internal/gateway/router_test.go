package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func forbiddenNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hangingNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jsonNode(t *testing.T, status int, body string, seen chan<- ProxyRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			var req ProxyRequest
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &req)
			seen <- req
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, timeout time.Duration, endpoints ...string) (*Router, *Registry) {
	t.Helper()
	settings := DefaultSettings()
	settings.Timeout = timeout
	reg := newTestRegistry(t, settings, newFakeClock(), threeNodes(endpoints...)...)
	fwd := NewForwarder(reg, nil, zap.NewNop())
	return NewRouter(reg, fwd, zap.NewNop()), reg
}

func TestRouteRequestFailsOverToHealthyNode(t *testing.T) {
	t.Parallel()

	n1 := forbiddenNode(t)
	n2 := hangingNode(t)
	n3 := jsonNode(t, http.StatusOK, `{"ok":true}`, nil)
	router, reg := newTestRouter(t, 100*time.Millisecond, n1.URL, n2.URL, n3.URL)

	res := router.RouteRequest(context.Background(), ProxyRequest{URL: "https://market.example/items/1"})

	require.True(t, res.Success, res.Error)
	require.Equal(t, "node-3", res.NodeUsed)
	require.JSONEq(t, `{"ok":true}`, string(res.Data))
	require.Equal(t, 3, res.Attempts)

	node1, _ := reg.Node("node-1")
	require.True(t, node1.Banned)
	node2, _ := reg.Node("node-2")
	require.Equal(t, int64(1), node2.ErrorCount)
	require.Contains(t, node2.LastError, "timeout")
	require.False(t, node2.Banned)
	node3, _ := reg.Node("node-3")
	require.Equal(t, int64(1), node3.SuccessCount)
}

func TestRouteRequestExhaustsAttempts(t *testing.T) {
	t.Parallel()

	router, reg := newTestRouter(t, time.Second, forbiddenNode(t).URL, forbiddenNode(t).URL, forbiddenNode(t).URL)

	res := router.RouteRequest(context.Background(), ProxyRequest{URL: "https://market.example"})

	require.False(t, res.Success)
	require.Contains(t, res.Error, "after 3 tentatives")
	require.ErrorIs(t, res.Err, ErrAttemptsExhausted)
	for _, n := range reg.Nodes() {
		require.True(t, n.Banned, n.ID)
		require.Equal(t, int64(1), n.RequestCount, n.ID)
	}
}

func TestRouteRequestNoNodeDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	router, reg := newTestRouter(t, time.Second, forbiddenNode(t).URL, "http://127.0.0.1:1", "http://127.0.0.1:1")
	for _, id := range []string{"node-2", "node-3"} {
		reg.recordForbidden(id, "blocked")
	}

	res := router.RouteRequest(context.Background(), ProxyRequest{URL: "https://market.example"})

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrNoNodeAvailable)
	require.Equal(t, "no scraper node available", res.Error)
	require.Equal(t, 1, res.Attempts)
}

func TestRouteRequestCanceledCallerLeavesNodesUntouched(t *testing.T) {
	t.Parallel()

	ok := jsonNode(t, http.StatusOK, `{"ok":true}`, nil)
	router, reg := newTestRouter(t, time.Second, ok.URL, ok.URL, ok.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 6 {
		res := router.RouteRequest(ctx, ProxyRequest{URL: "https://market.example"})
		require.False(t, res.Success)
		require.ErrorIs(t, res.Err, ErrCallerGone)
		require.ErrorIs(t, res.Err, context.Canceled)
		require.Zero(t, res.Attempts)
	}

	for _, n := range reg.Nodes() {
		require.Zero(t, n.RequestCount, n.ID)
		require.Zero(t, n.ErrorCount, n.ID)
		require.True(t, n.Healthy, n.ID)
	}
	stats := router.ClusterStats()
	require.Equal(t, 3, stats.Available)

	res := router.RouteRequest(context.Background(), ProxyRequest{URL: "https://market.example"})
	require.True(t, res.Success, res.Error)
}

func TestRouteRequestCallerGoneMidAttempt(t *testing.T) {
	t.Parallel()

	hang := hangingNode(t)
	router, reg := newTestRouter(t, 5*time.Second, hang.URL, hang.URL, hang.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := router.RouteRequest(ctx, ProxyRequest{URL: "https://market.example"})

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrCallerGone)
	require.Equal(t, 1, res.Attempts)

	var requests int64
	for _, n := range reg.Nodes() {
		requests += n.RequestCount
		require.Zero(t, n.ErrorCount, n.ID)
		require.Empty(t, n.LastError, n.ID)
		require.True(t, n.Healthy, n.ID)
	}
	require.Equal(t, int64(1), requests)
}

func TestForwardUnwrapsEnvelope(t *testing.T) {
	t.Parallel()

	seen := make(chan ProxyRequest, 1)
	srv := jsonNode(t, http.StatusOK, `{"success":true,"statusCode":200,"data":{"title":"Lamp"}}`, seen)
	reg := newTestRegistry(t, DefaultSettings(), newFakeClock(), NodeSpec{ID: "n", Endpoint: srv.URL})
	fwd := NewForwarder(reg, srv.Client(), zap.NewNop())

	node, _ := reg.SelectNode()
	res := fwd.Forward(context.Background(), node, ProxyRequest{
		URL:     "https://market.example/1",
		Headers: map[string]string{"Accept": "text/html"},
	})

	require.True(t, res.Success)
	require.JSONEq(t, `{"title":"Lamp"}`, string(res.Data))
	sent := <-seen
	require.Equal(t, http.MethodGet, sent.Method)
	require.Equal(t, "text/html", sent.Headers["Accept"])

	got, _ := reg.Node("n")
	require.Equal(t, int64(1), got.RequestCount)
	require.Equal(t, int64(1), got.SuccessCount)
	require.False(t, got.LastUsed.IsZero())
}

func TestForwardEnvelopeForbiddenBans(t *testing.T) {
	t.Parallel()

	srv := jsonNode(t, http.StatusOK, `{"success":false,"statusCode":403,"error":"captcha"}`, nil)
	reg := newTestRegistry(t, DefaultSettings(), newFakeClock(), NodeSpec{ID: "n", Endpoint: srv.URL})
	fwd := NewForwarder(reg, nil, zap.NewNop())

	node, _ := reg.SelectNode()
	res := fwd.Forward(context.Background(), node, ProxyRequest{URL: "https://market.example"})

	require.False(t, res.Success)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	got, _ := reg.Node("n")
	require.True(t, got.Banned)
	require.Equal(t, "captcha", got.LastError)
}

func TestForwardServerErrorDoesNotBan(t *testing.T) {
	t.Parallel()

	srv := jsonNode(t, http.StatusBadGateway, `{"error":"upstream"}`, nil)
	reg := newTestRegistry(t, DefaultSettings(), newFakeClock(), NodeSpec{ID: "n", Endpoint: srv.URL})
	fwd := NewForwarder(reg, nil, zap.NewNop())

	node, _ := reg.SelectNode()
	res := fwd.Forward(context.Background(), node, ProxyRequest{URL: "https://market.example"})

	require.False(t, res.Success)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	got, _ := reg.Node("n")
	require.False(t, got.Banned)
	require.Equal(t, int64(1), got.ErrorCount)
}

func TestForwardWrapsNonJSONBody(t *testing.T) {
	t.Parallel()

	srv := jsonNode(t, http.StatusOK, `<html>ok</html>`, nil)
	reg := newTestRegistry(t, DefaultSettings(), newFakeClock(), NodeSpec{ID: "n", Endpoint: srv.URL})
	fwd := NewForwarder(reg, nil, zap.NewNop())

	node, _ := reg.SelectNode()
	res := fwd.Forward(context.Background(), node, ProxyRequest{URL: "https://market.example"})

	require.True(t, res.Success)
	require.JSONEq(t, `"<html>ok</html>"`, string(res.Data))
}

func TestUpdateConfigValidates(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, time.Second)
	bad := router.Settings()
	bad.RetryAttempts = 0
	require.Error(t, router.UpdateConfig(bad))

	good := router.Settings()
	good.Strategy = LeastUsed
	good.RetryAttempts = 5
	require.NoError(t, router.UpdateConfig(good))
	require.Equal(t, LeastUsed, router.Settings().Strategy)
	require.Equal(t, 5, router.Settings().RetryAttempts)
}
