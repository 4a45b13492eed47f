package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero.
// path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// HTTPTimeouts are the parsed server timeouts. Zero fields keep the server defaults.
type HTTPTimeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

func (h HTTPConfig) Timeouts() (HTTPTimeouts, error) {
	var (
		out HTTPTimeouts
		err error
	)
	if out.Read, err = ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return HTTPTimeouts{}, err
	}
	if out.Write, err = ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return HTTPTimeouts{}, err
	}
	if out.Idle, err = ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		return HTTPTimeouts{}, err
	}
	return out, nil
}

// EventTimeoutDuration returns the per-event bound; zero means unbounded.
// Validate has already rejected malformed values.
func (h HostConfig) EventTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("host.event_timeout", h.EventTimeout)
	return d
}

// PollTimeoutDuration defaults to 10s.
func (t TelegramConfig) PollTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	return d
}
