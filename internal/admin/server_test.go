package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alnp/internal/metrics"
	"alnp/internal/node"
	"alnp/internal/store"
	"alnp/internal/testutil"
)

type fakeSessions []node.SessionInfo

func (f fakeSessions) SessionInfos() []node.SessionInfo { return f }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusReportsSnapshot(t *testing.T) {
	m := metrics.New()
	m.IncDiscoveryAnswered()
	m.IncDropByReason(metrics.DropBadTag)
	s := New(Options{Metrics: m, Logger: testutil.Logger(t)})

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap.Discovery.Answered)
	assert.EqualValues(t, 1, snap.DropByReason[metrics.DropBadTag])
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.IncFramesReceived()
	s := New(Options{Metrics: m, MetricsPath: "/prom", Logger: testutil.Logger(t)})

	rec := get(t, s.Handler(), "/prom")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `alnp_stream_frames_total{direction="received"} 1`)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestSessionsEndpoints(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.AddSession(store.SessionRecord{SessionID: "a", EndReason: "timeout"}))
	require.NoError(t, st.AddSession(store.SessionRecord{SessionID: "b", EndReason: "shutdown"}))
	live := fakeSessions{{ID: "c", Peer: "10.0.0.4:6000", Frames: 9}}
	s := New(Options{Sessions: live, Store: st, Logger: testutil.Logger(t)})

	rec := get(t, s.Handler(), "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []node.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.EqualValues(t, 9, body.Sessions[0].Frames)

	rec = get(t, s.Handler(), "/sessions/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Sessions []store.SessionRecord `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Sessions, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/sessions/history?limit=x").Code)
}

func TestHistoryWithoutStore(t *testing.T) {
	s := New(Options{Logger: testutil.Logger(t)})
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/sessions/history").Code)
	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"ok"`))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Options{Logger: testutil.Logger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
