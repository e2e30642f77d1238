// Package metrics exposes dispatcher and broadcast counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"castbot/internal/dispatch/ratelimit"
	kit "castbot/internal/transport"
)

const namespace = "castbot"

type Metrics struct {
	reg *prometheus.Registry

	admitted  *prometheus.CounterVec
	retried   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	retryWait prometheus.Histogram
	queue     prometheus.Gauge

	broadcasts   *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	broadcastDur prometheus.Histogram
	activityOps  *prometheus.CounterVec
}

// New builds collectors on a private registry. constLabels are attached to
// every series (instance, env).
func New(constLabels map[string]string) (*Metrics, error) {
	labels := prometheus.Labels(constLabels)
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "admitted_total",
			Help: "Tasks admitted by the rate limiter.", ConstLabels: labels,
		}, []string{"kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "retried_total",
			Help: "Tasks requeued after a rate-limit rejection.", ConstLabels: labels,
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "finished_total",
			Help: "Tasks finished, by outcome.", ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		retryWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "retry_after_seconds",
			Help: "Retry-after pauses imposed by the platform.", ConstLabels: labels,
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "queue_depth",
			Help: "Tasks waiting for admission.", ConstLabels: labels,
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "total",
			Help: "Finished broadcasts, by result.", ConstLabels: labels,
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "deliveries_total",
			Help: "Per-destination broadcast outcomes.", ConstLabels: labels,
		}, []string{"outcome"}),
		broadcastDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "duration_seconds",
			Help: "Wall time from confirm to final summary.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		activityOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "activity", Name: "operations_total",
			Help: "Delete and edit operations on stored activities.", ConstLabels: labels,
		}, []string{"op", "outcome"}),
	}

	cs := []prometheus.Collector{
		m.admitted, m.retried, m.finished, m.retryWait, m.queue,
		m.broadcasts, m.deliveries, m.broadcastDur, m.activityOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	var errs []error
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return m, errors.Join(errs...)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func kindLabel(k kit.ChatKind) string {
	if k == "" {
		return "unknown"
	}
	return string(k)
}

// Limiter adapts Metrics to the rate limiter observer hook.
func (m *Metrics) Limiter() ratelimit.Observer { return limiterObserver{m} }

type limiterObserver struct{ m *Metrics }

func (o limiterObserver) Admitted(d ratelimit.Destination, _ time.Time) {
	o.m.admitted.WithLabelValues(kindLabel(d.Kind)).Inc()
}

func (o limiterObserver) Retried(d ratelimit.Destination, after time.Duration) {
	o.m.retried.WithLabelValues(kindLabel(d.Kind)).Inc()
	o.m.retryWait.Observe(after.Seconds())
}

func (o limiterObserver) Finished(d ratelimit.Destination, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.m.finished.WithLabelValues(kindLabel(d.Kind), outcome).Inc()
}

func (o limiterObserver) QueueDepth(n int) { o.m.queue.Set(float64(n)) }

// BroadcastFinished records one broadcast outcome.
func (m *Metrics) BroadcastFinished(success, failed int, took time.Duration) {
	result := "ok"
	switch {
	case success == 0:
		result = "failed"
	case failed > 0:
		result = "partial"
	}
	m.broadcasts.WithLabelValues(result).Inc()
	m.deliveries.WithLabelValues("ok").Add(float64(success))
	m.deliveries.WithLabelValues("error").Add(float64(failed))
	m.broadcastDur.Observe(took.Seconds())
}

// ActivityOp records a delete or edit fan-out.
func (m *Metrics) ActivityOp(op string, ok, failed int) {
	m.activityOps.WithLabelValues(op, "ok").Add(float64(ok))
	m.activityOps.WithLabelValues(op, "error").Add(float64(failed))
}
