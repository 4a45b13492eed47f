package config

import (
	"encoding/json"

	logx "pushworker/pkg/logx"
)

// Config is the host process configuration. The worker Configuration proper
// lives in the script URL built from Worker; see bootcfg.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Worker   WorkerConfig    `json:"worker"`
	Host     HostConfig      `json:"host"`
	HTTP     HTTPConfig      `json:"http"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WorkerConfig describes the worker registration.
//
// ScriptURL may already carry the percent-encoded options query. When Options
// is set it replaces that query.
//
// Example:
//
//	"worker": {
//	  "script_url": "https://app.example.com/sw.js",
//	  "options": { "messageUrl": "/api/notifications", "clickUrl": "/inbox", "useCredentials": true },
//	  "credentials": { "authorization": "Bearer ..." }
//	}
type WorkerConfig struct {
	ScriptURL    string              `json:"script_url"`
	Scope        string              `json:"scope,omitempty"`
	Options      json.RawMessage     `json:"options,omitempty"`
	Capabilities *CapabilitiesConfig `json:"capabilities,omitempty"`
	Credentials  CredentialsConfig   `json:"credentials,omitempty"`
}

// CapabilitiesConfig overrides what the host offers the engine. Omitted
// fields default to enabled; open_window additionally needs host.open_command.
type CapabilitiesConfig struct {
	NotificationData  *bool `json:"notification_data,omitempty"`
	ClientFocus       *bool `json:"client_focus,omitempty"`
	OpenWindow        *bool `json:"open_window,omitempty"`
	ClientEnumeration *bool `json:"client_enumeration,omitempty"`
}

// CredentialsConfig is sent with remote message fetches when the worker
// options set useCredentials. Never logged.
type CredentialsConfig struct {
	Authorization string            `json:"authorization,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty"`
}

// HostConfig controls the event loop.
//
// Defaults: queue_size 64, event_timeout "0s" (unbounded), history_size 100.
type HostConfig struct {
	QueueSize int `json:"queue_size,omitempty"`
	// EventTimeout is a Go duration string applied to every event task.
	EventTimeout string `json:"event_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
	// OpenCommand launches a window, e.g. "xdg-open". The URL is appended.
	OpenCommand string `json:"open_command,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8088"
	// RatePerSec limits POST injection routes; 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/. Keep addr on loopback when set.
	Pprof bool `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string  `json:"poll_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
}

// ScheduleConfig delivers payload-less push events on cron specs.
type ScheduleConfig struct {
	Enabled  bool            `json:"enabled"`
	Timezone string          `json:"timezone,omitempty"`
	Pushes   []ScheduledPush `json:"pushes,omitempty"`
}

type ScheduledPush struct {
	Name string `json:"name"`
	// Spec is a cron expression with optional seconds, or a descriptor like "@every 1h".
	Spec string `json:"spec"`
}

// Logx converts the section into the logging service config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
