// Package metrics exports Prometheus counters fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushworker/internal/click"
	"pushworker/internal/eventbus"
	"pushworker/internal/host"
	"pushworker/internal/notifications"
	"pushworker/internal/transport/web"
	logx "pushworker/pkg/logx"
)

const namespace = "pushworker"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	push          *prometheus.CounterVec
	clicks        *prometheus.CounterVec
	events        *prometheus.CounterVec
	eventDuration *prometheus.HistogramVec
	windows       prometheus.Gauge
	shown         prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log,
		push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Push events by outcome.",
		}, []string{"outcome"}),
		clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_total",
			Help:      "Notification clicks by routing outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Settled event tasks by kind and result.",
		}, []string{"kind", "result"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time from task start to settlement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "windows",
			Help:      "Connected application windows.",
		}),
		shown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_shown",
			Help:      "Notifications currently on display.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.reg.MustRegister(
		m.push, m.clicks, m.events, m.eventDuration, m.windows, m.shown,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveHTTP implements web.RequestObserver.
func (m *Metrics) ObserveHTTP(route, method string, status int, took time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(took.Seconds())
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	m.log.Debug("metrics collector started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one bus event to the collectors.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypePushRelayed:
		m.push.WithLabelValues("relayed").Inc()
	case eventbus.TypePushDisplayed:
		m.push.WithLabelValues("displayed").Inc()
	case eventbus.TypePushFailed:
		m.push.WithLabelValues("failed").Inc()
	case eventbus.TypeClickRouted:
		if r, ok := ev.Data.(click.Result); ok {
			m.clicks.WithLabelValues(string(r.Outcome)).Inc()
		}
	case eventbus.TypeClickFailed:
		m.clicks.WithLabelValues("failed").Inc()
	case eventbus.TypeEventSettled:
		s, ok := ev.Data.(host.Settled)
		if !ok {
			return
		}
		result := "ok"
		if s.Error != "" {
			result = "error"
		}
		m.events.WithLabelValues(string(s.Kind), result).Inc()
		m.eventDuration.WithLabelValues(string(s.Kind)).Observe(s.Duration.Seconds())
	case eventbus.TypeWindowConnected, eventbus.TypeWindowGone:
		if w, ok := ev.Data.(web.WindowEvent); ok {
			m.windows.Set(float64(w.Count))
		}
	case eventbus.TypeNotificationShown, eventbus.TypeNotificationClosed:
		if n, ok := ev.Data.(notifications.Shown); ok {
			m.shown.Set(float64(n.Active))
		}
	}
}
