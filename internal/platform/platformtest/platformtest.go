// Package platformtest provides recording in-memory fakes of the platform boundary.
package platformtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pushworker/internal/platform"
)

// Client is a fake window handle that records focus calls and posted messages.
type Client struct {
	IDValue   string
	URLValue  string
	IsFocused bool
	Vis       platform.Visibility
	FocusErr  error
	PostErr   error

	mu      sync.Mutex
	focuses int
	posted  []any
}

func (c *Client) ID() string                      { return c.IDValue }
func (c *Client) URL() string                     { return c.URLValue }
func (c *Client) Focused() bool                   { return c.IsFocused }
func (c *Client) Visibility() platform.Visibility { return c.Vis }

func (c *Client) Focus(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focuses++
	return c.FocusErr
}

func (c *Client) PostMessage(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PostErr != nil {
		return c.PostErr
	}
	c.posted = append(c.posted, v)
	return nil
}

func (c *Client) Focuses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focuses
}

func (c *Client) Posted() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.posted...)
}

// Visible returns a focused, visible window at url.
func Visible(id, url string) *Client {
	return &Client{IDValue: id, URLValue: url, IsFocused: true, Vis: platform.VisibilityVisible}
}

// Background returns an unfocused, hidden window at url.
func Background(id, url string) *Client {
	return &Client{IDValue: id, URLValue: url, Vis: platform.VisibilityHidden}
}

// Clients is a fake registry. Windows are returned in slice order.
type Clients struct {
	mu      sync.Mutex
	Windows []*Client
	ListErr error
	OpenErr error
	// Opened, when set, is returned from OpenWindow.
	Opened *Client

	lastOpts platform.MatchOptions
	opens    []string
}

func (c *Clients) MatchAll(_ context.Context, opts platform.MatchOptions) ([]platform.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOpts = opts
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]platform.Client, 0, len(c.Windows))
	for _, w := range c.Windows {
		out = append(out, w)
	}
	return out, nil
}

func (c *Clients) OpenWindow(_ context.Context, url string) (platform.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	c.opens = append(c.opens, url)
	if c.Opened == nil {
		return nil, nil
	}
	return c.Opened, nil
}

func (c *Clients) Opens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opens...)
}

func (c *Clients) LastMatchOptions() platform.MatchOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpts
}

// Display records every display request.
type Display struct {
	mu       sync.Mutex
	Err      error
	requests []platform.DisplayRequest
}

func (d *Display) Show(_ context.Context, req platform.DisplayRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.requests = append(d.requests, req)
	return nil
}

func (d *Display) Requests() []platform.DisplayRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]platform.DisplayRequest(nil), d.requests...)
}

// Notification is a fake shown notification.
type Notification struct {
	TitleValue string
	BodyValue  string
	TagValue   string
	IconValue  string
	DataValue  json.RawMessage
	CloseErr   error

	mu     sync.Mutex
	closes int
}

// NotificationFrom builds the notification a platform would show for req.
func NotificationFrom(req platform.DisplayRequest) *Notification {
	return &Notification{
		TitleValue: req.Title,
		BodyValue:  req.Body,
		TagValue:   req.Tag,
		IconValue:  req.Icon,
		DataValue:  req.Data,
	}
}

func (n *Notification) Title() string { return n.TitleValue }
func (n *Notification) Body() string  { return n.BodyValue }
func (n *Notification) Tag() string   { return n.TagValue }
func (n *Notification) Icon() string  { return n.IconValue }

func (n *Notification) Data() (json.RawMessage, bool) {
	return n.DataValue, len(n.DataValue) > 0
}

func (n *Notification) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closes++
	return n.CloseErr
}

func (n *Notification) Closes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closes
}

// ErrBoom is a generic failure for tests.
var ErrBoom = errors.New("platformtest: boom")
