package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/bridge"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/embarktrucks/applanix-driver/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	running bool
	calls   []message.Record
	ack     bridge.Ack
	err     error
}

func (s *stubBackend) Health() bridge.Health {
	return bridge.Health{Running: s.running, Uptime: time.Minute, Streams: []string{"data"}}
}

func (s *stubBackend) Stats() []bridge.PortStats {
	return []bridge.PortStats{{Port: "data", Packets: map[string]uint64{"$GRP.1": 3}}}
}

func (s *stubBackend) Messages() map[string]bridge.LatestValue {
	return map[string]bridge.LatestValue{"nav": {ID: "$GRP.1", Values: message.Record{"latitude": 49.5}}}
}

func (s *stubBackend) Catalog() *catalog.Catalog {
	return catalog.Default()
}

func (s *stubBackend) Command(_ context.Context, id uint16, values message.Record) (bridge.Ack, error) {
	s.calls = append(s.calls, values)
	return s.ack, s.err
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr.Code, out
}

func newTestServer(b Backend) *Server {
	gin.SetMode(gin.TestMode)
	return New("applanixctl", "127.0.0.1:0", b, nil)
}

func TestHealthReflectsRunState(t *testing.T) {
	testlog.Start(t)
	b := &stubBackend{running: true}
	s := newTestServer(b)

	code, body := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, Version, body["version"])

	b.running = false
	code, body = do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "stopped", body["status"])
}

func TestReadEndpoints(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(&stubBackend{running: true})

	code, body := do(t, s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, code)
	ports := body["ports"].([]any)
	require.Len(t, ports, 1)
	require.Equal(t, "data", ports[0].(map[string]any)["port"])

	code, body = do(t, s, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body["messages"], "nav")

	code, body = do(t, s, http.MethodGet, "/catalog", "")
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, catalog.Default().Len())
	require.Equal(t, "$GRP.1", entries[0].(map[string]any)["id"])

	code, _ = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
}

func TestPostCommand(t *testing.T) {
	testlog.Start(t)
	b := &stubBackend{running: true, ack: bridge.Ack{Transaction: 1, ID: 50, ResponseCode: 1, Response: "accepted"}}
	s := newTestServer(b)

	code, body := do(t, s, http.MethodPost, "/commands/50", `{"mode":"navigate"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "accepted", body["ack"].(map[string]any)["response"])
	require.Equal(t, message.Record{"mode": "navigate"}, b.calls[0])

	code, _ = do(t, s, http.MethodPost, "/commands/90", "")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, b.calls[1])
}

func TestPostCommandRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(&stubBackend{running: true})

	code, _ := do(t, s, http.MethodPost, "/commands/70000", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/commands/50", `{"mode":`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestPostCommandErrorStatus(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		code int
	}{
		{bridge.ErrControlDisabled, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: $MSG.4242", message.ErrUnknownSchema), http.StatusNotFound},
		{bridge.ErrBadValue, http.StatusBadRequest},
		{fmt.Errorf("%w: rejected_busy", bridge.ErrRejected), http.StatusConflict},
		{bridge.ErrAckTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("write: broken pipe"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		b := &stubBackend{running: true, err: tc.err, ack: bridge.Ack{Response: "rejected_busy"}}
		code, body := do(t, newTestServer(b), http.MethodPost, "/commands/50", `{}`)
		require.Equal(t, tc.code, code, tc.err.Error())
		require.NotEmpty(t, body["error"])
		if tc.code == http.StatusConflict {
			require.Equal(t, "rejected_busy", body["ack"].(map[string]any)["response"])
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(&stubBackend{running: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("admin server did not stop")
	}
}
