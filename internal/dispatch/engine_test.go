package dispatch

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"pushworker/internal/bootcfg"
	"pushworker/internal/clients"
	"pushworker/internal/codec"
	"pushworker/internal/eventbus"
	"pushworker/internal/message"
	"pushworker/internal/platform"
	"pushworker/internal/platform/platformtest"
	logx "pushworker/pkg/logx"
)

const target = "https://example.com/app/inbox"

var cfg = bootcfg.Config{
	Tag:     "cfg-tag",
	BaseURL: "https://example.com/app/",
	Scope:   "https://example.com/",
}

type fixture struct {
	windows *platformtest.Clients
	display *platformtest.Display
	bus     eventbus.Bus
	engine  *Engine
}

func newFixture(caps platform.Capabilities, windows ...*platformtest.Client) *fixture {
	f := &fixture{
		windows: &platformtest.Clients{Windows: windows},
		display: &platformtest.Display{},
		bus:     eventbus.New(),
	}
	reg := clients.New(f.windows, caps, logx.Nop())
	f.engine = New(cfg, reg, codec.New(caps), f.display, f.bus, logx.Nop())
	return f
}

func TestDispatchRelaysToAttentiveWindow(t *testing.T) {
	t.Parallel()
	w := platformtest.Visible("w1", target)
	f := newFixture(platform.FullCapabilities(), w)
	m := message.Message{Title: "Hi", ClickURL: target}

	out, err := f.engine.Dispatch(context.Background(), m)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != OutcomeRelayed {
		t.Fatalf("outcome = %q, want relayed", out)
	}
	if n := len(f.display.Requests()); n != 0 {
		t.Fatalf("display requests = %d, want 0", n)
	}
	want := message.Relay{Source: cfg.Scope, Message: m, Type: message.RelayPush}
	posted := w.Posted()
	if len(posted) != 1 || !reflect.DeepEqual(posted[0], want) {
		t.Fatalf("posted = %+v, want [%+v]", posted, want)
	}
}

func TestDispatchDisplaysWithoutAttentiveWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		windows []*platformtest.Client
	}{
		{name: "no windows"},
		{name: "hidden", windows: []*platformtest.Client{{IDValue: "1", URLValue: target, IsFocused: true, Vis: platform.VisibilityHidden}}},
		{name: "unfocused", windows: []*platformtest.Client{{IDValue: "1", URLValue: target, Vis: platform.VisibilityVisible}}},
		{name: "other url", windows: []*platformtest.Client{platformtest.Visible("1", target+"/other")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(platform.FullCapabilities(), tt.windows...)
			m := message.Message{Title: "Hi", Body: "b", ClickURL: target}

			out, err := f.engine.Dispatch(context.Background(), m)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if out != OutcomeDisplayed {
				t.Fatalf("outcome = %q, want displayed", out)
			}
			reqs := f.display.Requests()
			if len(reqs) != 1 {
				t.Fatalf("display requests = %d, want 1", len(reqs))
			}
			if reqs[0].Tag != "cfg-tag" {
				t.Fatalf("tag = %q, want cfg-tag", reqs[0].Tag)
			}
			got, err := codec.New(platform.FullCapabilities()).Decode(platformtest.NotificationFrom(reqs[0]))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Fatalf("attached message = %+v, want %+v", got, m)
			}
			for _, w := range tt.windows {
				if len(w.Posted()) != 0 {
					t.Fatalf("window %s received a relay", w.ID())
				}
			}
		})
	}
}

func TestDispatchDisplayTagFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(platform.Capabilities{})

	if _, err := f.engine.Dispatch(context.Background(), message.Message{Tag: "own"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	reqs := f.display.Requests()
	if len(reqs) != 1 || reqs[0].Tag != "own" {
		t.Fatalf("requests = %+v, want tag own", reqs)
	}
	got, err := codec.New(platform.Capabilities{}).Decode(platformtest.NotificationFrom(reqs[0]))
	if err != nil || got.Tag != "own" {
		t.Fatalf("fallback payload = %+v, %v", got, err)
	}
}

// Several windows may satisfy the attentive predicate; enumeration order picks
// the first one. This is accepted nondeterminism of the platform.
func TestDispatchFirstAttentiveWindowWins(t *testing.T) {
	t.Parallel()
	first := platformtest.Visible("first", target)
	second := platformtest.Visible("second", target)
	f := newFixture(platform.FullCapabilities(), platformtest.Background("bg", target), first, second)

	if _, err := f.engine.Dispatch(context.Background(), message.Message{ClickURL: target}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(first.Posted()) != 1 || len(second.Posted()) != 0 {
		t.Fatalf("first=%d second=%d relays, want 1/0", len(first.Posted()), len(second.Posted()))
	}
}

func TestDispatchEnumerationFailureDisplays(t *testing.T) {
	t.Parallel()
	f := newFixture(platform.FullCapabilities())
	f.windows.ListErr = platformtest.ErrBoom

	out, err := f.engine.Dispatch(context.Background(), message.Message{ClickURL: target})
	if err != nil || out != OutcomeDisplayed {
		t.Fatalf("Dispatch = %q, %v; want displayed", out, err)
	}
}

func TestDispatchDisplayErrorFails(t *testing.T) {
	t.Parallel()
	f := newFixture(platform.FullCapabilities())
	f.display.Err = platformtest.ErrBoom

	if _, err := f.engine.Dispatch(context.Background(), message.Message{}); !errors.Is(err, platformtest.ErrBoom) {
		t.Fatalf("err = %v, want ErrBoom", err)
	}
}

func TestDispatchRelayErrorIsBestEffort(t *testing.T) {
	t.Parallel()
	w := platformtest.Visible("w1", target)
	w.PostErr = platformtest.ErrBoom
	f := newFixture(platform.FullCapabilities(), w)

	out, err := f.engine.Dispatch(context.Background(), message.Message{ClickURL: target})
	if err != nil || out != OutcomeRelayed {
		t.Fatalf("Dispatch = %q, %v; want relayed without error", out, err)
	}
	if n := len(f.display.Requests()); n != 0 {
		t.Fatalf("display requests = %d, want 0", n)
	}
}

func TestDispatchPublishesResult(t *testing.T) {
	t.Parallel()
	f := newFixture(platform.FullCapabilities())
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	if _, err := f.engine.Dispatch(context.Background(), message.Message{Tag: "t"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ev := <-ch
	res, ok := ev.Data.(Result)
	if ev.Type != eventbus.TypePushDisplayed || !ok || res.Tag != "t" {
		t.Fatalf("event = %+v", ev)
	}
}
