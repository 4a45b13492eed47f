package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pushworker/internal/click"
	"pushworker/internal/eventbus"
	"pushworker/internal/host"
	"pushworker/internal/notifications"
	"pushworker/internal/transport/web"
	"pushworker/internal/worker"
	logx "pushworker/pkg/logx"
)

func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case metric.Counter != nil:
				return metric.GetCounter().GetValue()
			case metric.Gauge != nil:
				return metric.GetGauge().GetValue()
			case metric.Histogram != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserveMapsBusEvents(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	now := time.Now()
	for _, ev := range []eventbus.Event{
		{Type: eventbus.TypePushDisplayed, Time: now},
		{Type: eventbus.TypePushDisplayed, Time: now},
		{Type: eventbus.TypePushRelayed, Time: now},
		{Type: eventbus.TypePushFailed, Time: now},
		{Type: eventbus.TypeClickRouted, Time: now, Data: click.Result{Outcome: click.OutcomeFocusedPrefix}},
		{Type: eventbus.TypeClickFailed, Time: now},
		{Type: eventbus.TypeEventSettled, Time: now, Data: host.Settled{Kind: worker.KindPush, Duration: time.Millisecond}},
		{Type: eventbus.TypeEventSettled, Time: now, Data: host.Settled{Kind: worker.KindPush, Error: "boom"}},
		{Type: eventbus.TypeWindowConnected, Time: now, Data: web.WindowEvent{Count: 3}},
		{Type: eventbus.TypeNotificationShown, Time: now, Data: notifications.Shown{Active: 2}},
	} {
		m.Observe(ev)
	}

	reg := m.Registry()
	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"pushworker_push_total", map[string]string{"outcome": "displayed"}, 2},
		{"pushworker_push_total", map[string]string{"outcome": "relayed"}, 1},
		{"pushworker_push_total", map[string]string{"outcome": "failed"}, 1},
		{"pushworker_click_total", map[string]string{"outcome": "focused_prefix"}, 1},
		{"pushworker_click_total", map[string]string{"outcome": "failed"}, 1},
		{"pushworker_events_total", map[string]string{"kind": "push", "result": "ok"}, 1},
		{"pushworker_events_total", map[string]string{"kind": "push", "result": "error"}, 1},
		{"pushworker_event_duration_seconds", map[string]string{"kind": "push"}, 2},
		{"pushworker_windows", nil, 3},
		{"pushworker_notifications_shown", nil, 2},
	}
	for _, c := range checks {
		if got := value(t, reg, c.name, c.labels); got != c.want {
			t.Fatalf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for value(t, m.Registry(), "pushworker_push_total", map[string]string{"outcome": "displayed"}) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bus event not observed")
		}
		eventbus.Publish(bus, eventbus.TypePushDisplayed, nil)
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	m.ObserveHTTP("/push", "POST", 202, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `pushworker_http_requests_total{method="POST",route="/push",status="202"} 1`) {
		t.Fatalf("metrics output missing http counter:\n%s", body)
	}
}
