// Package notifications is the host's display service: it keeps the currently
// shown notifications, one per tag.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushworker/internal/bootcfg"
	"pushworker/internal/eventbus"
	"pushworker/internal/platform"
	logx "pushworker/pkg/logx"
)

var ErrNotFound = errors.New("notifications: not found")

// Shown is the bus payload for notification.shown and notification.closed.
// Replaced is set on a shown event that evicted an older notification with the
// same tag. Active is the number of notifications on display afterwards.
type Shown struct {
	ID       string
	Tag      string
	Title    string
	Body     string
	Replaced string
	Active   int
}

// Notification is a notification currently or formerly on display.
type Notification struct {
	center *Center

	id      string
	title   string
	body    string
	tag     string
	icon    string
	sound   string
	data    json.RawMessage
	options bootcfg.DisplayOptions
	shownAt time.Time
}

func (n *Notification) ID() string                      { return n.id }
func (n *Notification) Title() string                   { return n.title }
func (n *Notification) Body() string                    { return n.body }
func (n *Notification) Tag() string                     { return n.tag }
func (n *Notification) Icon() string                    { return n.icon }
func (n *Notification) Sound() string                   { return n.sound }
func (n *Notification) Options() bootcfg.DisplayOptions { return n.options }
func (n *Notification) ShownAt() time.Time              { return n.shownAt }

func (n *Notification) Data() (json.RawMessage, bool) {
	return n.data, len(n.data) > 0
}

// Close removes the notification from display if it is still the one shown
// under its tag.
func (n *Notification) Close() error {
	if n.center == nil {
		return nil
	}
	n.center.close(n)
	return nil
}

// View is the JSON form served to operators.
type View struct {
	ID      string                 `json:"id"`
	Title   string                 `json:"title"`
	Body    string                 `json:"body,omitempty"`
	Tag     string                 `json:"tag"`
	Icon    string                 `json:"icon,omitempty"`
	Sound   string                 `json:"sound,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
	Options bootcfg.DisplayOptions `json:"options"`
	ShownAt time.Time              `json:"shown_at"`
}

func (n *Notification) View() View {
	return View{
		ID:      n.id,
		Title:   n.title,
		Body:    n.body,
		Tag:     n.tag,
		Icon:    n.icon,
		Sound:   n.sound,
		Data:    n.data,
		Options: n.options,
		ShownAt: n.shownAt,
	}
}

// Center implements platform.Display.
type Center struct {
	native bool
	bus    eventbus.Bus
	log    logx.Logger

	mu    sync.Mutex
	byTag map[string]*Notification
}

// New builds a center. When native is false, data attached to display
// requests is dropped, like on a platform without notification data.
func New(native bool, bus eventbus.Bus, log logx.Logger) *Center {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Center{native: native, bus: bus, log: log, byTag: map[string]*Notification{}}
}

func (c *Center) Show(ctx context.Context, req platform.DisplayRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The tag is the identity the encoded message carries, so it is kept verbatim.
	tag := req.Tag
	if tag == "" {
		return errors.New("notifications: empty tag")
	}
	n := &Notification{
		center:  c,
		id:      uuid.NewString(),
		title:   req.Title,
		body:    req.Body,
		tag:     tag,
		icon:    req.Icon,
		sound:   req.Sound,
		options: req.Options,
		shownAt: time.Now(),
	}
	if c.native && len(req.Data) > 0 {
		n.data = append(json.RawMessage(nil), req.Data...)
	}

	c.mu.Lock()
	prev := c.byTag[tag]
	c.byTag[tag] = n
	active := len(c.byTag)
	c.mu.Unlock()

	ev := Shown{ID: n.id, Tag: tag, Title: n.title, Body: n.body, Active: active}
	if prev != nil {
		ev.Replaced = prev.id
		c.log.Debug("notification replaced", logx.String("tag", tag), logx.String("old", prev.id), logx.String("new", n.id))
	} else {
		c.log.Debug("notification shown", logx.String("tag", tag), logx.String("id", n.id))
	}
	eventbus.Publish(c.bus, eventbus.TypeNotificationShown, ev)
	return nil
}

// Get returns the notification currently shown under tag.
func (c *Center) Get(tag string) (*Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byTag[tag]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// List returns shown notifications, oldest first.
func (c *Center) List() []*Notification {
	c.mu.Lock()
	out := make([]*Notification, 0, len(c.byTag))
	for _, n := range c.byTag {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].shownAt.Equal(out[j].shownAt) {
			return out[i].shownAt.Before(out[j].shownAt)
		}
		return out[i].tag < out[j].tag
	})
	return out
}

func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTag)
}

func (c *Center) close(n *Notification) {
	c.mu.Lock()
	cur, ok := c.byTag[n.tag]
	if !ok || cur != n {
		c.mu.Unlock()
		return
	}
	delete(c.byTag, n.tag)
	active := len(c.byTag)
	c.mu.Unlock()

	c.log.Debug("notification closed", logx.String("tag", n.tag), logx.String("id", n.id))
	eventbus.Publish(c.bus, eventbus.TypeNotificationClosed, Shown{ID: n.id, Tag: n.tag, Title: n.title, Body: n.body, Active: active})
}
