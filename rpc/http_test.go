package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbescrow/core/events"
	"nhbescrow/core/state"
	"nhbescrow/crypto"
	"nhbescrow/native/escrow"
	"nhbescrow/storage"
)

type testNode struct {
	engine  *escrow.Engine
	manager *state.Manager
	bus     *events.Bus
	server  *Server
	now     int64
}

func newTestNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	n := &testNode{
		manager: state.NewManager(storage.NewMemDB()),
		bus:     events.NewBus(),
		now:     1_700_000_000,
	}
	n.engine = escrow.NewEngine()
	n.engine.SetState(n.manager)
	n.engine.SetEmitter(n.bus)
	n.engine.SetNowFunc(func() int64 { return n.now })
	n.server = NewServer(n.engine, n.manager, n.bus, cfg)
	t.Cleanup(n.bus.Close)
	return n
}

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func party(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func partyText(b byte) string {
	return crypto.FormatIdentity(party(b))
}

func doRequest(t *testing.T, handler http.Handler, body string, header http.Header) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var resp testResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func call(t *testing.T, handler http.Handler, method string, params interface{}, header http.Header) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return doRequest(t, handler, string(body), header)
}

func TestHealthReportsJournalHead(t *testing.T) {
	n := newTestNode(t, Config{})
	_, err := n.engine.Create(party(1), party(2), bigInt(5), 0)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 1, body["head"])
}

func TestMalformedRequests(t *testing.T) {
	n := newTestNode(t, Config{MaxBodyBytes: 256})
	handler := n.server.Handler()

	cases := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{name: "empty body", body: "  ", status: http.StatusBadRequest, code: codeInvalidRequest},
		{name: "invalid json", body: "{", status: http.StatusBadRequest, code: codeParseError},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":1}`, status: http.StatusBadRequest, code: codeInvalidRequest},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"escrow_custody"}`, status: http.StatusBadRequest, code: codeInvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"escrow_release"}`, status: http.StatusNotFound, code: codeMethodNotFound},
		{name: "too large", body: `{"jsonrpc":"2.0","id":1,"method":"escrow_custody","pad":"` + strings.Repeat("x", 512) + `"}`, status: http.StatusRequestEntityTooLarge, code: codeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := doRequest(t, handler, tc.body, nil)
			require.Equal(t, tc.status, rec.Code)
			require.NotNil(t, resp.Error)
			require.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()

	rec, _ := call(t, handler, "escrow_custody", nil, nil)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	header := http.Header{}
	header.Set(requestIDHeader, "req-123")
	rec, _ = call(t, handler, "escrow_custody", nil, header)
	require.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	n := newTestNode(t, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 1})
	handler := n.server.Handler()

	rec, resp := call(t, handler, "escrow_custody", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)

	rec, resp = call(t, handler, "escrow_custody", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestRateLimiterClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(nil))
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	direct := newRateLimiter(1, 1, false)
	require.Equal(t, "10.0.0.1", direct.clientID(req))

	proxied := newRateLimiter(1, 1, true)
	require.Equal(t, "203.0.113.7", proxied.clientID(req))
}

func TestMetricsEndpoint(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()
	call(t, handler, "escrow_custody", nil, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "nhb_module_requests_total")
}
