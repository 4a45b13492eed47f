// Package dispatch decides, per resolved push, between relaying to an attentive
// window and asking the platform to display a notification.
package dispatch

import (
	"context"
	"fmt"

	"pushworker/internal/bootcfg"
	"pushworker/internal/codec"
	"pushworker/internal/eventbus"
	"pushworker/internal/message"
	"pushworker/internal/platform"
	logx "pushworker/pkg/logx"
)

type Outcome string

const (
	OutcomeRelayed   Outcome = "relayed"
	OutcomeDisplayed Outcome = "displayed"
)

// Lister enumerates window clients; see clients.Registry.
type Lister interface {
	List(ctx context.Context) []platform.Client
}

type Engine struct {
	cfg     bootcfg.Config
	clients Lister
	codec   *codec.Codec
	display platform.Display
	bus     eventbus.Bus
	log     logx.Logger
}

// Result is published on the bus for every dispatched push.
type Result struct {
	Outcome  Outcome
	Tag      string
	ClientID string
}

func New(cfg bootcfg.Config, clients Lister, c *codec.Codec, display platform.Display, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, clients: clients, codec: c, display: display, bus: bus, log: log}
}

// Dispatch delivers m. A focused, visible window already showing the click
// target receives a push relay and no notification is displayed. Display
// failures fail the dispatch; relay failures are logged only.
func (e *Engine) Dispatch(ctx context.Context, m message.Message) (Outcome, error) {
	target := m.TargetURL(e.cfg)

	if c := e.attentive(ctx, target); c != nil {
		relay := message.Relay{Source: e.cfg.Scope, Message: m, Type: message.RelayPush}
		if err := c.PostMessage(ctx, relay); err != nil {
			e.log.Warn("push relay failed", logx.String("client", c.ID()), logx.Err(err))
		}
		e.log.Debug("push relayed to attentive window", logx.String("client", c.ID()), logx.String("url", target))
		eventbus.Publish(e.bus, eventbus.TypePushRelayed, Result{Outcome: OutcomeRelayed, Tag: m.DisplayTag(e.cfg), ClientID: c.ID()})
		return OutcomeRelayed, nil
	}

	req, err := e.codec.Encode(m, e.cfg)
	if err != nil {
		return "", err
	}
	if err := e.display.Show(ctx, req); err != nil {
		return "", fmt.Errorf("dispatch: display %q: %w", req.Tag, err)
	}
	e.log.Debug("notification displayed", logx.String("tag", req.Tag))
	eventbus.Publish(e.bus, eventbus.TypePushDisplayed, Result{Outcome: OutcomeDisplayed, Tag: req.Tag})
	return OutcomeDisplayed, nil
}

// attentive returns the first enumerated window at target that is focused and
// visible. Enumeration order decides between several such windows.
func (e *Engine) attentive(ctx context.Context, target string) platform.Client {
	if target == "" || e.clients == nil {
		return nil
	}
	for _, c := range e.clients.List(ctx) {
		if c.URL() == target && c.Focused() && c.Visibility() == platform.VisibilityVisible {
			return c
		}
	}
	return nil
}
