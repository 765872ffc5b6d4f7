package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	api "bespoke/pkg/api"
	"bespoke/pkg/metrics"
	"bespoke/pkg/router"
	"bespoke/pkg/routerapi"
	"bespoke/pkg/types"
)

// MockForwarder is a mock implementation of api.Forwarder.
type MockForwarder struct {
	mock.Mock
}

func (m *MockForwarder) Forward(ctx context.Context, nodeID string, req *routerapi.ForwardRequest) (*routerapi.ForwardResponse, error) {
	args := m.Called(ctx, nodeID, req)
	resp, _ := args.Get(0).(*routerapi.ForwardResponse)
	return resp, args.Error(1)
}

// MockExchangeLog is a mock implementation of storage.ExchangeLog.
type MockExchangeLog struct {
	mock.Mock
}

func (m *MockExchangeLog) Record(ctx context.Context, rec *types.ExchangeRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockExchangeLog) List(ctx context.Context, nodeID string, limit int) ([]*types.ExchangeRecord, error) {
	args := m.Called(ctx, nodeID, limit)
	recs, _ := args.Get(0).([]*types.ExchangeRecord)
	return recs, args.Error(1)
}

func (m *MockExchangeLog) Close() error {
	return m.Called().Error(0)
}

type staticNodes []string

func (s staticNodes) IDs() []string { return s }

func setupTestServer(t *testing.T, cfg api.Config) (*MockForwarder, *httptest.Server) {
	t.Helper()
	fwd := new(MockForwarder)
	cfg.Version = "1.2.3"
	server := api.NewServer(fwd, cfg)
	testServer := httptest.NewServer(server.Router())
	t.Cleanup(testServer.Close)
	return fwd, testServer
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, readAll(t, resp)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestPing(t *testing.T) {
	fwd, ts := setupTestServer(t, api.Config{})

	resp, body := do(t, http.MethodGet, ts.URL+"/ping", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, `^bst-server-\d+\.\d+\.\d+$`, body)
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything, mock.Anything)
}

func TestMissingNodeID(t *testing.T) {
	fwd, ts := setupTestServer(t, api.Config{})

	for _, path := range []string{"/", "/skill?foo=bar", "/?node-id="} {
		resp, body := do(t, http.MethodPost, ts.URL+path, "X")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, "No node specified. Must be included with the querystring as node-id.", body)
	}
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnknownNode(t *testing.T) {
	fwd, ts := setupTestServer(t, api.Config{})
	fwd.On("Forward", mock.Anything, "ZZZ", mock.Anything).
		Return(nil, fmt.Errorf("%w: ZZZ", router.ErrNodeNotFound)).Once()

	resp, body := do(t, http.MethodGet, ts.URL+"/?node-id=ZZZ", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Node is not active: ZZZ", body)
	fwd.AssertExpectations(t)
}

func TestForwardMirrorsNodeResponse(t *testing.T) {
	fwd, ts := setupTestServer(t, api.Config{})

	fwd.On("Forward", mock.Anything, "ABC", mock.MatchedBy(func(req *routerapi.ForwardRequest) bool {
		return req.Method == http.MethodGet &&
			req.Path == "/skill" &&
			req.RawQuery == "node-id=ABC" &&
			string(req.Body) == "X" &&
			req.Header["X-Test"][0] == "yes"
	})).Return(&routerapi.ForwardResponse{
		Status: http.StatusCreated,
		Header: map[string][]string{"X-Node": {"a", "b"}},
		Body:   []byte("Y"),
	}, nil).Once()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/skill?node-id=ABC", strings.NewReader("X"))
	require.NoError(t, err)
	req.Header.Set("X-Test", "yes")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, resp.Header.Values("X-Node"))
	assert.Equal(t, "Y", readAll(t, resp))
	fwd.AssertExpectations(t)
}

func TestRoutingErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"timeout", fmt.Errorf("%w: ABC", router.ErrNodeTimeout), http.StatusGatewayTimeout},
		{"disconnected", fmt.Errorf("%w: ABC", router.ErrNodeDisconnected), http.StatusBadGateway},
		{"invalid response", fmt.Errorf("%w: ABC", router.ErrInvalidResponse), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd, ts := setupTestServer(t, api.Config{})
			fwd.On("Forward", mock.Anything, "ABC", mock.Anything).Return(nil, tt.err).Once()

			resp, body := do(t, http.MethodPost, ts.URL+"/?node-id=ABC", "X")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body)
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	fwd, ts := setupTestServer(t, api.Config{MaxBodyBytes: 4})

	resp, _ := do(t, http.MethodPost, ts.URL+"/?node-id=ABC", "too large")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything, mock.Anything)
}

func TestExchangeIsRecorded(t *testing.T) {
	history := new(MockExchangeLog)
	fwd, ts := setupTestServer(t, api.Config{History: history})
	recorded := make(chan struct{})

	fwd.On("Forward", mock.Anything, "ABC", mock.Anything).
		Return(&routerapi.ForwardResponse{Status: 200, Body: []byte("Y")}, nil).Once()
	history.On("Record", mock.Anything, mock.MatchedBy(func(rec *types.ExchangeRecord) bool {
		return rec.NodeID == "ABC" && rec.Status == 200 && rec.Outcome == types.OutcomeOK && rec.ID != ""
	})).Return(nil).Run(func(mock.Arguments) { close(recorded) }).Once()

	resp, _ := do(t, http.MethodPost, ts.URL+"/hook?node-id=ABC", "X")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange was not recorded")
	}
	history.AssertExpectations(t)
}

func TestUnknownNodeIsNotRecorded(t *testing.T) {
	history := new(MockExchangeLog)
	fwd, ts := setupTestServer(t, api.Config{History: history})

	fwd.On("Forward", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: caller-chosen", router.ErrNodeNotFound)).Twice()

	resp, _ := do(t, http.MethodPost, ts.URL+"/?node-id=caller-chosen", "X")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/?node-id="+strings.Repeat("z", 40000), "X")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Close waits for in-flight handlers, so any Record call has happened by now.
	ts.Close()
	history.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestHistoryEndpoint(t *testing.T) {
	history := new(MockExchangeLog)
	_, ts := setupTestServer(t, api.Config{History: history})

	history.On("List", mock.Anything, "ABC", 5).Return([]*types.ExchangeRecord{
		{ID: "r2", NodeID: "ABC", Status: 200, Outcome: types.OutcomeOK},
		{ID: "r1", NodeID: "ABC", Status: 504, Outcome: types.OutcomeTimeout},
	}, nil).Once()

	resp, body := do(t, http.MethodGet, ts.URL+"/_relay/history?node-id=ABC&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Records []types.ExchangeRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Records, 2)
	assert.Equal(t, "r2", out.Records[0].ID)
	assert.Equal(t, types.OutcomeTimeout, out.Records[1].Outcome)

	resp, _ = do(t, http.MethodGet, ts.URL+"/_relay/history", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/_relay/history?node-id=ABC&limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	history.AssertExpectations(t)
}

func TestAdminRoutes(t *testing.T) {
	m := metrics.New()
	fwd, ts := setupTestServer(t, api.Config{Metrics: m, Nodes: staticNodes{"ABC", "DEF"}})

	resp, body := do(t, http.MethodGet, ts.URL+"/_relay/nodes", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"nodes":["ABC","DEF"]}`, body)

	resp, body = do(t, http.MethodGet, ts.URL+"/_relay/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "bespoke_nodes_connected")

	resp, _ = do(t, http.MethodGet, ts.URL+"/_relay/unknown?node-id=ABC", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything, mock.Anything)
}
