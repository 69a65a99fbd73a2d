package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"rotabot/internal/state"
)

func TestCountersAndGauges(t *testing.T) {
	t.Parallel()
	st := state.New()
	m := New(st)

	st.Increment(state.CounterMessage)
	st.Increment(state.CounterMessage)
	st.Increment(state.CounterTitle)

	m.ObserveAction("send_message", nil)
	m.ObserveAction("send_message", errors.New("boom"))
	m.ObserveLogin(true)
	m.ObserveRestart("message")

	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("send_message", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("send_message", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `rotabot_active_workers{kind="message"} 2`), body)
	require.True(t, strings.Contains(body, `rotabot_active_workers{kind="title"} 1`), body)
	require.True(t, strings.Contains(body, `rotabot_worker_restarts_total{kind="message"} 1`), body)
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveAction("x", nil)
	m.ObserveLogin(false)
	m.ObserveRestart("title")
	require.Nil(t, m.Registry())
}
