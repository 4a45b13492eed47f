package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"pushworker/internal/bootcfg"
	logx "pushworker/pkg/logx"
)

var (
	ErrFetch = errors.New("message: remote fetch failed")
	ErrParse = errors.New("message: parse failed")
)

const maxResponseBytes = 1 << 20

// Credentials are attached to the remote fetch only when the Configuration
// sets useCredentials.
type Credentials struct {
	Authorization string
	Cookies       map[string]string
}

func (c Credentials) apply(req *http.Request) {
	if v := strings.TrimSpace(c.Authorization); v != "" {
		req.Header.Set("Authorization", v)
	}
	for name, value := range c.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

// Resolver produces exactly one Message per push event.
type Resolver struct {
	cfg   bootcfg.Config
	http  *http.Client
	creds Credentials
	log   logx.Logger
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		if c != nil {
			r.http = c
		}
	}
}

func WithCredentials(c Credentials) Option { return func(r *Resolver) { r.creds = c } }

func WithLogger(l logx.Logger) Option { return func(r *Resolver) { r.log = l } }

// NewResolver builds a resolver. The default HTTP client has no timeout; the
// host bounds each event task instead.
func NewResolver(cfg bootcfg.Config, opts ...Option) *Resolver {
	r := &Resolver{cfg: cfg, http: &http.Client{}}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Resolve fetches from messageUrl when one is configured, otherwise decodes the
// inline push payload (absent payload = empty Message). Configuration defaults
// are applied either way.
func (r *Resolver) Resolve(ctx context.Context, payload []byte) (Message, error) {
	if r.cfg.MessageURL != "" {
		m, err := r.fetch(ctx)
		if err != nil {
			return Message{}, err
		}
		return m.WithDefaults(r.cfg), nil
	}
	return r.ResolveInline(payload)
}

// ResolveInline decodes payload as the Message and applies Configuration defaults.
func (r *Resolver) ResolveInline(payload []byte) (Message, error) {
	var m Message
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return Message{}, fmt.Errorf("%w: push payload: %v", ErrParse, err)
		}
	}
	return m.WithDefaults(r.cfg), nil
}

func (r *Resolver) fetch(ctx context.Context) (Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.MessageURL, http.NoBody)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.cfg.UseCredentials {
		r.creds.apply(req)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Message{}, fmt.Errorf("%w: %s: status %d", ErrFetch, r.cfg.MessageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Message{}, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if len(body) > maxResponseBytes {
		return Message{}, fmt.Errorf("%w: response exceeds %d bytes", ErrParse, maxResponseBytes)
	}

	m, key, err := SelectFirst(body)
	if err != nil {
		return Message{}, err
	}
	r.log.Debug("remote message selected", logx.String("key", key), logx.String("url", r.cfg.MessageURL))
	return m, nil
}

// SelectFirst decodes a JSON object of candidate messages and returns the one
// stored under the first inserted key. An empty object yields an empty Message.
//
// Taking the first entry is the selection policy of the remote endpoint
// contract; other candidates are ignored on purpose.
func SelectFirst(body []byte) (Message, string, error) {
	candidates := orderedmap.New[string, json.RawMessage]()
	if err := candidates.UnmarshalJSON(body); err != nil {
		return Message{}, "", fmt.Errorf("%w: remote response: %v", ErrParse, err)
	}
	first := candidates.Oldest()
	if first == nil {
		return Message{}, "", nil
	}
	var m Message
	if err := json.Unmarshal(first.Value, &m); err != nil {
		return Message{}, "", fmt.Errorf("%w: candidate %q: %v", ErrParse, first.Key, err)
	}
	return m, first.Key, nil
}
