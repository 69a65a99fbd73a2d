package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rtsup "rotabot/internal/runtime/supervisor"
	"rotabot/internal/state"
	logx "rotabot/pkg/logx"
)

func newService(t *testing.T, pprof bool) (*Service, *state.Registry) {
	t.Helper()
	reg := state.New()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("rotabot_up 1\n"))
	})
	return New(Config{Pprof: pprof}, Sources{State: reg, Metrics: metrics}, logx.Nop()), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthReportsRegistry(t *testing.T) {
	t.Parallel()
	svc, reg := newService(t, false)
	reg.Increment(state.CounterMessage)
	reg.Increment(state.CounterMessage)
	reg.Increment(state.CounterTitle)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.RecordLogin("abcdef", at)

	rec := get(t, svc.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "Bot running", body["message"])
	require.EqualValues(t, 2, body["active_message_workers"])
	require.EqualValues(t, 1, body["active_title_workers"])
	require.Equal(t, map[string]any{"abcdef": at.Format(time.RFC3339)}, body["logins"])
}

func TestRootMetricsAndPprof(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, false)
	h := svc.Handler()

	rec := get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "running")

	require.Contains(t, get(t, h, "/metrics").Body.String(), "rotabot_up 1")
	require.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)

	withPprof, _ := newService(t, true)
	require.Equal(t, http.StatusOK, get(t, withPprof.Handler(), "/debug/pprof/").Code)
}

func TestServeUnderSupervisor(t *testing.T) {
	t.Parallel()
	reg := state.New()
	sup := rtsup.New(context.Background())
	svc := New(Config{Addr: "127.0.0.1:0"}, Sources{State: reg, Supervisor: sup}, logx.Nop())
	svc.Start(sup)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sup.Stop(ctx))
	}()

	require.Eventually(t, func() bool { return svc.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + svc.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), `"health.http"`), string(b))
}
