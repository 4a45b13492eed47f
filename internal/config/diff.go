package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pushworker/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Fields are safe structured attrs for logging (never secrets).
	Fields []logx.Field
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs. logging, http limits and schedule are
// applied live; worker, host, http listener settings and telegram need a restart.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Credentials are compared but only reported as set/unset.
	ow, nw := oldCfg.Worker, newCfg.Worker
	if strings.TrimSpace(ow.ScriptURL) != strings.TrimSpace(nw.ScriptURL) ||
		strings.TrimSpace(ow.Scope) != strings.TrimSpace(nw.Scope) ||
		canonicalHashJSON(ow.Options) != canonicalHashJSON(nw.Options) ||
		!reflect.DeepEqual(ow.Capabilities, nw.Capabilities) ||
		!reflect.DeepEqual(ow.Credentials, nw.Credentials) {
		mark("worker", true,
			logx.String("worker.scope", nw.EffectiveScope()),
			logx.Bool("worker.options_set", len(nw.Options) > 0),
			logx.Bool("worker.authorization_set", strings.TrimSpace(nw.Credentials.Authorization) != ""),
			logx.Int("worker.cookie_count", len(nw.Credentials.Cookies)),
		)
	}

	if oldCfg.Host != newCfg.Host {
		mark("host", true,
			logx.Int("host.queue_size", newCfg.Host.QueueSize),
			logx.String("host.event_timeout", strings.TrimSpace(newCfg.Host.EventTimeout)),
			logx.Int("host.history_size", newCfg.Host.HistorySize),
			logx.Bool("host.open_command_set", strings.TrimSpace(newCfg.Host.OpenCommand) != ""),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	listenerChanged := strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.ReadTimeout != nh.ReadTimeout || oh.WriteTimeout != nh.WriteTimeout || oh.IdleTimeout != nh.IdleTimeout ||
		oh.Pprof != nh.Pprof
	if listenerChanged || oh.RatePerSec != nh.RatePerSec || oh.Burst != nh.Burst {
		mark("http", listenerChanged,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Float64("http.rate_per_sec", nh.RatePerSec),
			logx.Int("http.burst", nh.Burst),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	// Telegram (never log token)
	ot, nt := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if ot != nt {
		mark("telegram", true,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	oldSched, ns := derefSchedule(oldCfg.Schedule), derefSchedule(newCfg.Schedule)
	if !reflect.DeepEqual(oldSched, ns) {
		mark("schedule", false,
			logx.Bool("schedule.enabled", ns.Enabled),
			logx.String("schedule.timezone", strings.TrimSpace(ns.Timezone)),
			logx.Int("schedule.push_count", len(ns.Pushes)),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefSchedule(s *ScheduleConfig) ScheduleConfig {
	if s == nil {
		return ScheduleConfig{}
	}
	return *s
}
