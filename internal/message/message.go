// Package message defines the per-event Message value and the resolver that
// produces one for every push.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"pushworker/internal/bootcfg"
)

// JSON keys of the known fields.
const (
	keyTitle = "title"
	keyBody  = "body"
	keyTag   = "tag"
	keyIcon  = "iconUrl"
	keySound = "soundUrl"
	keyClick = "clickUrl"
)

// Alternate keys named after the worker Configuration field of the same
// purpose. They are read but never written. When both keys are present the
// primary one wins and the alias stays in Extra.
var keyAliases = map[string]string{
	"message": keyBody,
	"sound":   keySound,
}

// Message describes one notification occurrence. Unknown JSON fields are kept
// verbatim in Extra so a Message survives a round trip through a notification.
type Message struct {
	Title    string
	Body     string
	Tag      string
	IconURL  string
	SoundURL string
	ClickURL string

	// Extra holds compacted JSON values keyed by their original field name.
	Extra map[string]json.RawMessage
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	for _, f := range []struct {
		key, val string
	}{
		{keyTitle, m.Title},
		{keyBody, m.Body},
		{keyTag, m.Tag},
		{keyIcon, m.IconURL},
		{keySound, m.SoundURL},
		{keyClick, m.ClickURL},
	} {
		if f.val == "" {
			continue
		}
		b, err := json.Marshal(f.val)
		if err != nil {
			return nil, err
		}
		out[f.key] = b
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	*m = Message{}
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	known := map[string]*string{
		keyTitle: &m.Title,
		keyBody:  &m.Body,
		keyTag:   &m.Tag,
		keyIcon:  &m.IconURL,
		keySound: &m.SoundURL,
		keyClick: &m.ClickURL,
	}
	for k, v := range raw {
		key := k
		if primary, ok := keyAliases[k]; ok {
			if _, shadowed := raw[primary]; !shadowed {
				key = primary
			}
		}
		if dst, ok := known[key]; ok {
			if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				continue
			}
			if err := json.Unmarshal(v, dst); err != nil {
				return fmt.Errorf("field %q: %w", k, err)
			}
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage, len(raw))
		}
		m.Extra[k] = buf.Bytes()
	}
	return nil
}

// WithDefaults fills absent fields from the Configuration field of the same
// purpose and makes every URL absolute against baseUrl.
func (m Message) WithDefaults(cfg bootcfg.Config) Message {
	m.Title = firstNonEmpty(m.Title, cfg.Title)
	m.Body = firstNonEmpty(m.Body, cfg.Message)
	m.Tag = firstNonEmpty(m.Tag, cfg.Tag)
	m.IconURL = cfg.ResolveURL(firstNonEmpty(m.IconURL, cfg.IconURL))
	m.SoundURL = cfg.ResolveURL(firstNonEmpty(m.SoundURL, cfg.Sound))
	m.ClickURL = cfg.ResolveURL(firstNonEmpty(m.ClickURL, cfg.ClickURL))
	return m
}

// TargetURL is the absolute click target: Message.clickUrl, then Configuration.clickUrl.
func (m Message) TargetURL(cfg bootcfg.Config) string {
	return cfg.ResolveURL(firstNonEmpty(m.ClickURL, cfg.ClickURL))
}

// DisplayTag is the deduplication key used for display: Message.tag,
// then Configuration.tag, then the worker scope.
func (m Message) DisplayTag(cfg bootcfg.Config) string {
	return firstNonEmpty(m.Tag, cfg.Tag, cfg.Scope)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
