// Package click routes notification clicks to an application window.
package click

import (
	"context"
	"fmt"
	"strings"

	"pushworker/internal/bootcfg"
	"pushworker/internal/codec"
	"pushworker/internal/eventbus"
	"pushworker/internal/message"
	"pushworker/internal/platform"
	logx "pushworker/pkg/logx"
)

type Outcome string

const (
	OutcomeFocusedExact  Outcome = "focused_exact"
	OutcomeFocusedPrefix Outcome = "focused_prefix"
	OutcomeOpened        Outcome = "opened"
	OutcomeIgnored       Outcome = "ignored"
)

type Lister interface {
	List(ctx context.Context) []platform.Client
}

// Result is published on the bus for every routed click.
type Result struct {
	Outcome  Outcome
	Tag      string
	Target   string
	ClientID string
}

type Router struct {
	cfg     bootcfg.Config
	clients Lister
	opener  platform.Clients
	codec   *codec.Codec
	caps    platform.Capabilities
	bus     eventbus.Bus
	log     logx.Logger
}

func New(cfg bootcfg.Config, clients Lister, opener platform.Clients, c *codec.Codec, caps platform.Capabilities, bus eventbus.Bus, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg, clients: clients, opener: opener, codec: c, caps: caps, bus: bus, log: log}
}

// Route handles one click on n.
//
// Match order: a window exactly at the target URL (only when windows can be
// focused), then the first window under focusUrl, then a new window at the
// target. Focused windows get a click relay; a newly opened window does not.
func (r *Router) Route(ctx context.Context, n platform.Notification) (Outcome, error) {
	if n != nil {
		if err := n.Close(); err != nil {
			r.log.Debug("notification close failed", logx.String("tag", n.Tag()), logx.Err(err))
		}
	}

	m, err := r.codec.Decode(n)
	if err != nil {
		return "", fmt.Errorf("click: decode: %w", err)
	}

	target := m.TargetURL(r.cfg)
	if target == "" {
		r.log.Debug("click without target url ignored", logx.String("tag", n.Tag()))
		return r.done(OutcomeIgnored, n, target, nil), nil
	}

	list := r.clients.List(ctx)

	if r.caps.ClientFocus {
		for _, c := range list {
			if c.URL() == target {
				r.focusAndRelay(ctx, c, m)
				return r.done(OutcomeFocusedExact, n, target, c), nil
			}
		}
	}

	if focusURL := r.cfg.FocusURL; focusURL != "" {
		for _, c := range list {
			if strings.HasPrefix(c.URL(), focusURL) {
				r.focusAndRelay(ctx, c, m)
				return r.done(OutcomeFocusedPrefix, n, target, c), nil
			}
		}
	}

	if !r.caps.OpenWindow || r.opener == nil {
		r.log.Debug("no window to route click to and opening windows is unsupported", logx.String("url", target))
		return r.done(OutcomeIgnored, n, target, nil), nil
	}
	c, err := r.opener.OpenWindow(ctx, target)
	if err != nil {
		return "", fmt.Errorf("click: open window %s: %w", target, err)
	}
	return r.done(OutcomeOpened, n, target, c), nil
}

func (r *Router) focusAndRelay(ctx context.Context, c platform.Client, m message.Message) {
	if r.caps.ClientFocus {
		if err := c.Focus(ctx); err != nil {
			r.log.Warn("window focus failed", logx.String("client", c.ID()), logx.Err(err))
		}
	}
	relay := message.Relay{Source: r.cfg.Scope, Message: m, Type: message.RelayClick}
	if err := c.PostMessage(ctx, relay); err != nil {
		r.log.Warn("click relay failed", logx.String("client", c.ID()), logx.Err(err))
	}
}

func (r *Router) done(out Outcome, n platform.Notification, target string, c platform.Client) Outcome {
	res := Result{Outcome: out, Target: target}
	if n != nil {
		res.Tag = n.Tag()
	}
	if c != nil {
		res.ClientID = c.ID()
	}
	r.log.Debug("click routed", logx.String("outcome", string(out)), logx.String("url", target), logx.String("client", res.ClientID))
	eventbus.Publish(r.bus, eventbus.TypeClickRouted, res)
	return out
}
