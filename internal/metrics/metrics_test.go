package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"castbot/internal/dispatch/ratelimit"
	kit "castbot/internal/transport"
)

func TestLimiterObserver(t *testing.T) {
	m, err := New(map[string]string{"instance": "test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	obs := m.Limiter()
	d := ratelimit.Destination{ChatID: -1, Kind: kit.ChatGroup}
	obs.Admitted(d, time.Now())
	obs.Admitted(d, time.Now())
	obs.Retried(d, 3*time.Second)
	obs.Finished(d, nil)
	obs.Finished(d, errors.New("x"))
	obs.QueueDepth(4)

	if got := testutil.ToFloat64(m.admitted.WithLabelValues("group")); got != 2 {
		t.Fatalf("admitted: %v", got)
	}
	if got := testutil.ToFloat64(m.finished.WithLabelValues("group", "error")); got != 1 {
		t.Fatalf("finished error: %v", got)
	}
	if got := testutil.ToFloat64(m.queue); got != 4 {
		t.Fatalf("queue: %v", got)
	}
}

func TestBroadcastFinishedAndHandler(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m.BroadcastFinished(2, 1, time.Second)
	m.BroadcastFinished(0, 3, time.Second)
	m.ActivityOp("delete", 2, 0)

	if got := testutil.ToFloat64(m.broadcasts.WithLabelValues("partial")); got != 1 {
		t.Fatalf("partial: %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("error")); got != 4 {
		t.Fatalf("delivery errors: %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "castbot_broadcast_total") {
		t.Fatalf("exposition missing broadcast counter")
	}
}
