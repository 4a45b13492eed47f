package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pushworker/internal/bootcfg"
	"pushworker/internal/platform"
)

const (
	DefaultQueueSize   = 64
	DefaultHistorySize = 100
	DefaultHTTPAddr    = "127.0.0.1:8088"
)

// Validate checks the parts of cfg that can be checked without side effects.
// The worker options are decoded the same way registration does, so a bad
// script URL is rejected before it reaches the runtime.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	if strings.TrimSpace(cfg.Worker.ScriptURL) == "" {
		errs = append(errs, errors.New("worker.script_url: required"))
	} else if _, err := cfg.Worker.BootConfig(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}

	if cfg.Host.QueueSize < 0 {
		errs = append(errs, errors.New("host.queue_size: must be >= 0"))
	}
	if cfg.Host.HistorySize < 0 {
		errs = append(errs, errors.New("host.history_size: must be >= 0"))
	}
	if _, err := ParseDurationField("host.event_timeout", cfg.Host.EventTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.HTTP.RatePerSec < 0 {
		errs = append(errs, errors.New("http.rate_per_sec: must be >= 0"))
	}
	if cfg.HTTP.Burst < 0 {
		errs = append(errs, errors.New("http.burst: must be >= 0"))
	}
	if _, err := cfg.HTTP.Timeouts(); err != nil {
		errs = append(errs, err)
	}

	if t := cfg.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required when enabled"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id: required when enabled"))
		}
		if _, err := ParseDurationField("telegram.poll_timeout", t.PollTimeout); err != nil {
			errs = append(errs, err)
		}
		if t.RatePerSec < 0 {
			errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
		}
	}

	if s := cfg.Schedule; s != nil && s.Enabled {
		if _, err := s.Location(); err != nil {
			errs = append(errs, err)
		}
		seen := map[string]struct{}{}
		for i, p := range s.Pushes {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				errs = append(errs, fmt.Errorf("schedule.pushes[%d].name: required", i))
			} else if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("schedule.pushes[%d].name: duplicate %q", i, name))
			}
			seen[name] = struct{}{}
			if strings.TrimSpace(p.Spec) == "" {
				errs = append(errs, fmt.Errorf("schedule.pushes[%d].spec: required", i))
			}
		}
	}

	return errors.Join(errs...)
}

// ScriptURLWithOptions returns the script URL with Options encoded as its
// query. Without Options the URL is returned as written.
func (w WorkerConfig) ScriptURLWithOptions() (string, error) {
	raw := strings.TrimSpace(w.ScriptURL)
	if len(w.Options) == 0 || string(w.Options) == "null" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("script_url: %w", err)
	}
	q, err := bootcfg.EncodeQuery(w.Options)
	if err != nil {
		return "", err
	}
	u.RawQuery = q
	return u.String(), nil
}

// EffectiveScope is the configured scope, or the directory of the script URL.
func (w WorkerConfig) EffectiveScope() string {
	if s := strings.TrimSpace(w.Scope); s != "" {
		return s
	}
	u, err := url.Parse(strings.TrimSpace(w.ScriptURL))
	if err != nil {
		return ""
	}
	u.RawQuery, u.Fragment = "", ""
	return u.ResolveReference(&url.URL{Path: "./"}).String()
}

// BootConfig decodes the registration the way the worker does at startup.
func (w WorkerConfig) BootConfig() (bootcfg.Config, error) {
	scriptURL, err := w.ScriptURLWithOptions()
	if err != nil {
		return bootcfg.Config{}, err
	}
	return bootcfg.FromScriptURL(scriptURL, w.EffectiveScope())
}

// Capabilities applies the overrides to a full capability set. OpenWindow
// is further limited by whether the host can launch windows at all.
func (w WorkerConfig) Capabilities(canOpen bool) platform.Capabilities {
	caps := platform.FullCapabilities()
	if o := w.Capabilities; o != nil {
		caps.NotificationData = boolOr(o.NotificationData, caps.NotificationData)
		caps.ClientFocus = boolOr(o.ClientFocus, caps.ClientFocus)
		caps.OpenWindow = boolOr(o.OpenWindow, caps.OpenWindow)
		caps.ClientEnumeration = boolOr(o.ClientEnumeration, caps.ClientEnumeration)
	}
	caps.OpenWindow = caps.OpenWindow && canOpen
	return caps
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Location resolves the schedule timezone; empty means local time.
func (s ScheduleConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}
