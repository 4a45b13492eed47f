package config

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	logx "pushworker/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
worker:
  script_url: https://app.example.com/static/sw.js
  options:
    title: Inbox
    message: You have mail
    messageUrl: /api/messages
    clickUrl: /inbox
    useCredentials: true
  credentials:
    authorization: Bearer secret-token
host:
  queue_size: 16
  event_timeout: 5s
http:
  addr: 127.0.0.1:0
  rate_per_sec: 2
  burst: 4
schedule:
  enabled: true
  timezone: UTC
  pushes:
    - name: hourly
      spec: "@every 1h"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadYAMLKeepsOptionOrder(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if cfg.Host.QueueSize != 16 || cfg.Host.EventTimeoutDuration() != 5*time.Second {
		t.Fatalf("host = %+v", cfg.Host)
	}

	raw, err := cfg.Worker.ScriptURLWithOptions()
	if err != nil {
		t.Fatalf("ScriptURLWithOptions: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	query, err := url.PathUnescape(u.RawQuery)
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	order := []string{`"title"`, `"message"`, `"messageUrl"`, `"clickUrl"`, `"useCredentials"`}
	last := -1
	for _, k := range order {
		i := strings.Index(query, k)
		if i <= last {
			t.Fatalf("option %s out of order in %s", k, query)
		}
		last = i
	}

	boot, err := cfg.Worker.BootConfig()
	if err != nil {
		t.Fatalf("BootConfig: %v", err)
	}
	if boot.MessageURL != "https://app.example.com/api/messages" || !boot.UseCredentials {
		t.Fatalf("boot = %+v", boot)
	}
	if boot.Scope != "https://app.example.com/static/" {
		t.Fatalf("scope = %q", boot.Scope)
	}
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"worker":{"script_url":"https://a.example/sw.js?%7B%7D"},"bogus":1}`))
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()
	body := `{"worker":{"script_url":"https://a.example/sw.js?%7B%7D"}}{}`
	if _, err := NewManager(writeConfig(t, "config.json", body)).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{Worker: WorkerConfig{
			ScriptURL: "https://a.example/sw.js",
			Options:   []byte(`{"title":"x"}`),
		}}
	}
	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing script url", func(c *Config) { c.Worker.ScriptURL = "" }, "worker.script_url"},
		{"no options", func(c *Config) { c.Worker.Options = nil }, "worker"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file without path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
		{"bad timeout", func(c *Config) { c.Host.EventTimeout = "soon" }, "host.event_timeout"},
		{"negative queue", func(c *Config) { c.Host.QueueSize = -1 }, "host.queue_size"},
		{"bad http timeout", func(c *Config) { c.HTTP.IdleTimeout = "-1s" }, "http.idle_timeout"},
		{"telegram without token", func(c *Config) { c.Telegram = &TelegramConfig{Enabled: true, ChatID: 1} }, "telegram.token"},
		{"bad timezone", func(c *Config) {
			c.Schedule = &ScheduleConfig{Enabled: true, Timezone: "Mars/Olympus"}
		}, "schedule.timezone"},
		{"duplicate push", func(c *Config) {
			c.Schedule = &ScheduleConfig{Enabled: true, Pushes: []ScheduledPush{
				{Name: "a", Spec: "@hourly"}, {Name: "a", Spec: "@daily"},
			}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := Validate(c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDisabledSectionsAreNotValidated(t *testing.T) {
	t.Parallel()
	c := &Config{
		Worker:   WorkerConfig{ScriptURL: "https://a.example/sw.js?%7B%7D"},
		Telegram: &TelegramConfig{Enabled: false},
		Schedule: &ScheduleConfig{Enabled: false, Timezone: "Mars/Olympus"},
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	off := false
	w := WorkerConfig{Capabilities: &CapabilitiesConfig{ClientFocus: &off}}

	caps := w.Capabilities(true)
	if caps.ClientFocus || !caps.NotificationData || !caps.OpenWindow || !caps.ClientEnumeration {
		t.Fatalf("caps = %+v", caps)
	}
	if w.Capabilities(false).OpenWindow {
		t.Fatalf("open window offered without an opener")
	}
}

func TestEffectiveScope(t *testing.T) {
	t.Parallel()
	w := WorkerConfig{ScriptURL: "https://a.example/app/sw.js?%7B%7D#x"}
	if got := w.EffectiveScope(); got != "https://a.example/app/" {
		t.Fatalf("default scope = %q", got)
	}
	w.Scope = "https://a.example/"
	if got := w.EffectiveScope(); got != "https://a.example/" {
		t.Fatalf("explicit scope = %q", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	base := Config{
		Worker: WorkerConfig{ScriptURL: "https://a.example/sw.js", Options: []byte(`{"a":1,"b":2}`)},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:8088", RatePerSec: 1, Burst: 1},
	}

	same := base
	same.Worker.Options = []byte(`{ "b": 2, "a": 1 }`)
	if ch := SummarizeChange(&base, &same); !ch.Empty() {
		t.Fatalf("reformatted options reported as change: %v", ch.Sections)
	}

	limits := base
	limits.HTTP.RatePerSec = 5
	ch := SummarizeChange(&base, &limits)
	if !reflect.DeepEqual(ch.Sections, []string{"http"}) || len(ch.Restart) != 0 {
		t.Fatalf("limits change = %+v", ch)
	}

	moved := base
	moved.HTTP.Addr = "127.0.0.1:9000"
	moved.Worker.Credentials.Authorization = "Bearer hunter2"
	moved.Telegram = &TelegramConfig{Enabled: true, Token: "123:abc", ChatID: 9}
	ch = SummarizeChange(&base, &moved)
	if !reflect.DeepEqual(ch.Restart, []string{"http", "telegram", "worker"}) {
		t.Fatalf("restart = %v", ch.Restart)
	}
	if !ch.Has("worker") || ch.Has("logging") {
		t.Fatalf("sections = %v", ch.Sections)
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", ch.Fields...)
	out := buf.String()
	for _, secret := range []string{"hunter2", "123:abc"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked into log: %s", secret, out)
		}
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleYAML, "queue_size: 16", "queue_size: 32", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case up := <-ch:
		if up.Config.Host.QueueSize != 32 {
			t.Fatalf("queue_size = %d", up.Config.Host.QueueSize)
		}
		if !up.Change.Has("host") || up.BootChanged {
			t.Fatalf("change = %+v boot_changed = %v", up.Change.Sections, up.BootChanged)
		}
		if m.Get().Host.QueueSize != 32 {
			t.Fatalf("Get not updated")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	t.Run("unchanged file is not published", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", sampleYAML)
		m := NewManager(path)
		if _, err := m.Load(); err != nil {
			t.Fatalf("Load: %v", err)
		}
		ch := m.Subscribe(1)
		if err := m.Reload(context.Background()); err != nil {
			t.Fatalf("Reload: %v", err)
		}
		select {
		case up := <-ch:
			t.Fatalf("unexpected update %+v", up.Change.Sections)
		default:
		}
	})

	t.Run("options change derives a new worker configuration", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", sampleYAML)
		m := NewManager(path)
		if _, err := m.Load(); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if m.Boot().Title != "Inbox" {
			t.Fatalf("boot title = %q", m.Boot().Title)
		}
		ch := m.Subscribe(1)
		updated := strings.Replace(sampleYAML, "title: Inbox", "title: Outbox", 1)
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		if err := m.Reload(context.Background()); err != nil {
			t.Fatalf("Reload: %v", err)
		}
		up := <-ch
		if !up.BootChanged || up.Boot.Title != "Outbox" || m.Boot().Title != "Outbox" {
			t.Fatalf("boot_changed=%v boot title=%q", up.BootChanged, up.Boot.Title)
		}
		if len(up.Change.Restart) != 1 || up.Change.Restart[0] != "worker" {
			t.Fatalf("restart = %v", up.Change.Restart)
		}
	})

	t.Run("validator rejection keeps previous", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", sampleYAML)
		m := NewManager(path)
		prev, err := m.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
		ch := m.Subscribe(1)
		updated := strings.Replace(sampleYAML, "queue_size: 16", "queue_size: 8", 1)
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		if err := m.Reload(context.Background()); err == nil {
			t.Fatal("Reload accepted a rejected config")
		}
		if m.Get() != prev {
			t.Fatal("rejected config was committed")
		}
		select {
		case <-ch:
			t.Fatal("rejected config was published")
		default:
		}
	})

	t.Run("invalid file keeps previous", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", sampleYAML)
		m := NewManager(path)
		prev, err := m.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := os.WriteFile(path, []byte("worker: [\n"), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		if err := m.Reload(context.Background()); err == nil {
			t.Fatal("Reload accepted broken YAML")
		}
		if m.Get() != prev {
			t.Fatal("broken config was committed")
		}
	})
}
