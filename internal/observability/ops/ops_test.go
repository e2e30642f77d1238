package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "castbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAuth(t *testing.T) {
	h := Handler("s3cret", false, Deps{})

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "wrong").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", "").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", "").Code)
}

func TestReadyzReportsChecks(t *testing.T) {
	h := Handler("", false, Deps{Checks: []Check{
		{Name: "storage", Fn: func(context.Context) error { return nil }},
		{Name: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }},
	}})

	rec := get(t, h, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var rep healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, "degraded", rep.Status)
	require.Equal(t, "ok", rep.Checks["storage"])
	require.Equal(t, "connection refused", rep.Checks["redis"])
}

func TestMetricsStatusAndPprofRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("castbot_up 1\n")) })
	h := Handler("", true, Deps{
		Metrics: metrics,
		Status:  func() any { return map[string]int{"queued": 3} },
	})

	rec := get(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "castbot_up 1")

	rec = get(t, h, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queued":3}`, rec.Body.String())

	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "").Code)

	off := Handler("", false, Deps{})
	require.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", "").Code)
	require.Equal(t, http.StatusNotFound, get(t, off, "/metrics", "").Code)
}

func TestServiceServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(ctx) })

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "ok", string(body))

	s.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, s.Addr())
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, s.Addr())
}
