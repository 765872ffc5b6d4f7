package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bespoke/pkg/config"
	"bespoke/pkg/nodeapi"
	"bespoke/pkg/routerapi"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.WebhookAddr = "127.0.0.1:0"
	cfg.NodeAddr = "127.0.0.1:0"
	cfg.ExchangeTimeout = 2 * time.Second
	return cfg
}

func start(t *testing.T) *Service {
	t.Helper()
	s, err := New(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	ready := false
	require.NoError(t, s.Start(context.Background(), func() { ready = true }))
	require.True(t, ready)
	require.NotNil(t, s.WebhookAddr())
	require.NotNil(t, s.NodeAddr())
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopped := false
	require.NoError(t, s.Stop(ctx, func() { stopped = true }))
	assert.True(t, stopped)
}

func connect(t *testing.T, s *Service, id string, h nodeapi.Handler) <-chan error {
	t.Helper()
	c := &nodeapi.Client{RelayAddr: s.NodeAddr().String(), NodeID: id, Handler: h, Logger: zap.NewNop()}
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- sess.Serve(context.Background()) }()
	return served
}

func post(t *testing.T, s *Service, nodeID, body string) (int, string) {
	t.Helper()
	u := "http://" + s.WebhookAddr().String() + "/"
	if nodeID != "" {
		u += "?node-id=" + url.QueryEscape(nodeID)
	}
	req, err := http.NewRequest(http.MethodPost, u, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestWebhookReachesNode(t *testing.T) {
	s := start(t)
	defer stop(t, s)

	connect(t, s, "ABC", nodeapi.HandlerFunc(func(_ context.Context, req *routerapi.ForwardRequest) *routerapi.ForwardResponse {
		assert.Equal(t, "X", string(req.Body))
		return &routerapi.ForwardResponse{Status: http.StatusOK, Body: []byte("Y")}
	}))

	status, body := post(t, s, "ABC", "X")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Y", body)
}

func TestWebhookUnknownNode(t *testing.T) {
	s := start(t)
	defer stop(t, s)

	status, body := post(t, s, "ZZZ", "X")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Node is not active: ZZZ", body)
}

func TestHealthProbe(t *testing.T) {
	s := start(t)
	defer stop(t, s)

	resp, err := http.Get("http://" + s.WebhookAddr().String() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bst-server-"+config.Version, string(b))
}

func TestStopClosesNodes(t *testing.T) {
	s := start(t)
	served := connect(t, s, "ABC", nodeapi.HandlerFunc(func(context.Context, *routerapi.ForwardRequest) *routerapi.ForwardResponse {
		return &routerapi.ForwardResponse{Status: http.StatusOK}
	}))

	stop(t, s)
	select {
	case err := <-served:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("node did not observe the relay stopping")
	}
	assert.Zero(t, s.Registry().Len())
}

func TestStopFailsPendingExchanges(t *testing.T) {
	s := start(t)

	connect(t, s, "ABC", nodeapi.HandlerFunc(func(ctx context.Context, _ *routerapi.ForwardRequest) *routerapi.ForwardResponse {
		<-ctx.Done()
		return &routerapi.ForwardResponse{Status: http.StatusOK}
	}))

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 1)
	go func() {
		status, body := post(t, s, "ABC", "X")
		results <- result{status, body}
	}()

	require.Eventually(t, func() bool {
		n, ok := s.Registry().Get("ABC")
		return ok && n.Pending() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stop(t, s)
	select {
	case r := <-results:
		assert.Equal(t, http.StatusBadGateway, r.status)
	case <-time.After(2 * time.Second):
		t.Fatal("pending exchange was not resolved")
	}
}

func TestStartFailsWhenAddressTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.NodeAddr = taken.Addr().String()
	s, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ready := false
	assert.Error(t, s.Start(context.Background(), func() { ready = true }))
	assert.False(t, ready)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ExchangeTimeout = 0
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
