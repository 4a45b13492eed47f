// Package bootcfg holds the worker Configuration: the immutable record a worker
// receives once, percent-encoded as JSON in the query string of its script URL.
package bootcfg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrNoOptions = errors.New("bootcfg: script url carries no options")

// Config is established once at worker startup and never mutated afterwards.
// All URL fields are absolute after FromScriptURL.
type Config struct {
	Title          string `json:"title,omitempty"`
	Message        string `json:"message,omitempty"`
	Tag            string `json:"tag,omitempty"`
	IconURL        string `json:"iconUrl,omitempty"`
	Sound          string `json:"sound,omitempty"`
	ClickURL       string `json:"clickUrl,omitempty"`
	FocusURL       string `json:"focusUrl,omitempty"`
	MessageURL     string `json:"messageUrl,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty"`
	UseCredentials bool   `json:"useCredentials,omitempty"`

	DisplayOptions

	// Scope identifies the worker registration. It is supplied by the host, not the query.
	Scope string `json:"-"`
}

// DisplayOptions is the fixed allow-list of options passed through to the platform
// display request untouched.
type DisplayOptions struct {
	Dir      string         `json:"dir,omitempty"`
	Lang     string         `json:"lang,omitempty"`
	NoScreen bool           `json:"noscreen,omitempty"`
	Renotify bool           `json:"renotify,omitempty"`
	Silent   bool           `json:"silent,omitempty"`
	Sticky   bool           `json:"sticky,omitempty"`
	Vibrate  VibratePattern `json:"vibrate,omitempty"`
}

// VibratePattern accepts either a single duration (ms) or a list of durations.
type VibratePattern []int

func (v *VibratePattern) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = nil
		return nil
	}
	if len(b) > 0 && b[0] != '[' {
		var one int
		if err := json.Unmarshal(b, &one); err != nil {
			return fmt.Errorf("vibrate: %w", err)
		}
		*v = VibratePattern{one}
		return nil
	}
	var many []int
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("vibrate: %w", err)
	}
	*v = many
	return nil
}

// FromScriptURL parses the options embedded in the worker script URL and resolves
// every URL field against baseUrl (which itself defaults to the script URL).
func FromScriptURL(scriptURL, scope string) (Config, error) {
	u, err := url.Parse(strings.TrimSpace(scriptURL))
	if err != nil {
		return Config{}, fmt.Errorf("bootcfg: script url: %w", err)
	}
	if u.RawQuery == "" {
		return Config{}, ErrNoOptions
	}
	cfg, err := Parse(u.RawQuery)
	if err != nil {
		return Config{}, err
	}
	cfg.Scope = strings.TrimSpace(scope)
	return cfg.resolve(u)
}

// Parse decodes a percent-encoded JSON options object. A leading '?' is ignored.
// Unknown keys are ignored.
func Parse(rawQuery string) (Config, error) {
	raw := strings.TrimPrefix(rawQuery, "?")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return Config{}, fmt.Errorf("bootcfg: percent-decode: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(decoded), &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: decode options: %w", err)
	}
	return cfg, nil
}

// EncodeQuery is the inverse of Parse for any JSON-serializable options value.
func EncodeQuery(options any) (string, error) {
	b, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("bootcfg: encode options: %w", err)
	}
	return url.PathEscape(string(b)), nil
}

func (c Config) resolve(script *url.URL) (Config, error) {
	stripped := *script
	stripped.RawQuery, stripped.Fragment = "", ""
	base := &stripped
	if strings.TrimSpace(c.BaseURL) != "" {
		ref, err := url.Parse(strings.TrimSpace(c.BaseURL))
		if err != nil {
			return Config{}, fmt.Errorf("bootcfg: baseUrl: %w", err)
		}
		base = stripped.ResolveReference(ref)
	}
	c.BaseURL = base.String()

	for _, f := range []*string{&c.IconURL, &c.Sound, &c.ClickURL, &c.FocusURL, &c.MessageURL} {
		abs, err := resolveAgainst(base, *f)
		if err != nil {
			return Config{}, err
		}
		*f = abs
	}
	return c, nil
}

// ResolveURL makes ref absolute against the configured baseUrl.
// Empty stays empty; unparsable refs are returned unchanged.
func (c Config) ResolveURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return ref
	}
	abs, err := resolveAgainst(base, ref)
	if err != nil {
		return ref
	}
	return abs
}

func resolveAgainst(base *url.URL, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("bootcfg: url %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}
