// Package codec attaches a Message to a platform notification and reads it back.
//
// When the platform supports attaching data to a notification the Message is
// stored natively. Otherwise it travels as the percent-encoded JSON fragment of
// the icon URL. Which path is used is fixed when the Codec is built, so encode
// and decode always agree.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pushworker/internal/bootcfg"
	"pushworker/internal/message"
	"pushworker/internal/platform"
)

var (
	ErrNoPayload = errors.New("codec: notification carries no message")
	ErrMalformed = errors.New("codec: malformed notification payload")
)

// blankIcon carries the fragment when no icon is configured.
const blankIcon = "about:blank"

type Codec struct {
	native bool
}

func New(caps platform.Capabilities) *Codec {
	return &Codec{native: caps.NotificationData}
}

// Native reports whether messages are attached as notification data rather
// than carried in the icon fragment. It never changes after New.
func (c *Codec) Native() bool { return c.native }

// Encode builds the display request for m.
func (c *Codec) Encode(m message.Message, cfg bootcfg.Config) (platform.DisplayRequest, error) {
	req := platform.DisplayRequest{
		Title:   m.Title,
		Body:    m.Body,
		Tag:     m.DisplayTag(cfg),
		Icon:    cfg.ResolveURL(m.IconURL),
		Sound:   cfg.ResolveURL(m.SoundURL),
		Options: cfg.DisplayOptions,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return platform.DisplayRequest{}, fmt.Errorf("codec: encode message: %w", err)
	}
	if c.native {
		req.Data = data
		return req, nil
	}
	req.Icon = FragmentURL(req.Icon, data)
	return req, nil
}

// Decode recovers the Message attached by Encode.
func (c *Codec) Decode(n platform.Notification) (message.Message, error) {
	if n == nil {
		return message.Message{}, ErrNoPayload
	}
	var raw []byte
	if c.native {
		data, ok := n.Data()
		if !ok {
			return message.Message{}, ErrNoPayload
		}
		raw = data
	} else {
		frag, err := fragment(n.Icon())
		if err != nil {
			return message.Message{}, err
		}
		raw = frag
	}
	var m message.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// FragmentURL replaces any fragment of icon (or about:blank when empty) with
// the percent-encoded data.
func FragmentURL(icon string, data []byte) string {
	base := strings.TrimSpace(icon)
	if i := strings.IndexByte(base, '#'); i >= 0 {
		base = base[:i]
	}
	if base == "" {
		base = blankIcon
	}
	return base + "#" + url.PathEscape(string(data))
}

func fragment(icon string) ([]byte, error) {
	i := strings.IndexByte(icon, '#')
	if i < 0 || i == len(icon)-1 {
		return nil, ErrNoPayload
	}
	s, err := url.PathUnescape(icon[i+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []byte(s), nil
}
