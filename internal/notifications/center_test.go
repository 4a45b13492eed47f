package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"pushworker/internal/eventbus"
	"pushworker/internal/platform"
	logx "pushworker/pkg/logx"
)

func TestShowReplacesByTag(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	c := New(true, bus, logx.Nop())
	ctx := context.Background()

	if err := c.Show(ctx, platform.DisplayRequest{Title: "one", Tag: "t"}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	first, _ := c.Get("t")
	if err := c.Show(ctx, platform.DisplayRequest{Title: "two", Tag: "t"}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if err := c.Show(ctx, platform.DisplayRequest{Title: "other", Tag: "u"}); err != nil {
		t.Fatalf("Show: %v", err)
	}

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	cur, err := c.Get("t")
	if err != nil || cur.Title() != "two" {
		t.Fatalf("Get(t) = %v, %v", cur, err)
	}
	list := c.List()
	if len(list) != 2 || list[0].Tag() != "t" || list[1].Tag() != "u" {
		t.Fatalf("List order = %v", list)
	}

	<-ch
	second := (<-ch).Data.(Shown)
	if second.Replaced != first.ID() {
		t.Fatalf("replaced = %q, want %q", second.Replaced, first.ID())
	}
}

func TestCloseIsIdempotentAndIgnoresReplaced(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := New(true, bus, logx.Nop())
	ctx := context.Background()

	_ = c.Show(ctx, platform.DisplayRequest{Title: "one", Tag: "t"})
	old, _ := c.Get("t")
	_ = c.Show(ctx, platform.DisplayRequest{Title: "two", Tag: "t"})

	if err := old.Close(); err != nil {
		t.Fatalf("Close replaced: %v", err)
	}
	if _, err := c.Get("t"); err != nil {
		t.Fatalf("closing a replaced notification removed the current one: %v", err)
	}

	ch, unsub := bus.Subscribe(8)
	defer unsub()
	cur, _ := c.Get("t")
	for i := 0; i < 3; i++ {
		if err := cur.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if _, err := c.Get("t"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after close = %v, want ErrNotFound", err)
	}
	if ev := <-ch; ev.Type != eventbus.TypeNotificationClosed {
		t.Fatalf("event = %q", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
}

func TestNativeDataCapability(t *testing.T) {
	t.Parallel()
	req := platform.DisplayRequest{Title: "x", Tag: "t", Data: json.RawMessage(`{"title":"x"}`)}

	native := New(true, nil, logx.Nop())
	_ = native.Show(context.Background(), req)
	n, _ := native.Get("t")
	if data, ok := n.Data(); !ok || string(data) != `{"title":"x"}` {
		t.Fatalf("native data = %s, %v", data, ok)
	}

	plain := New(false, nil, logx.Nop())
	_ = plain.Show(context.Background(), req)
	n, _ = plain.Get("t")
	if _, ok := n.Data(); ok {
		t.Fatal("center without native data kept attached data")
	}
}

func TestShowRejectsEmptyTag(t *testing.T) {
	t.Parallel()
	c := New(true, nil, logx.Nop())
	if err := c.Show(context.Background(), platform.DisplayRequest{Title: "x"}); err == nil {
		t.Fatal("expected error for empty tag")
	}
}

func TestShowKeepsTagVerbatim(t *testing.T) {
	t.Parallel()
	c := New(true, nil, logx.Nop())
	req := platform.DisplayRequest{Title: "x", Tag: " inbox "}
	if err := c.Show(context.Background(), req); err != nil {
		t.Fatalf("Show: %v", err)
	}
	n, err := c.Get(" inbox ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n.Tag() != req.Tag || n.View().Tag != req.Tag {
		t.Fatalf("tag = %q, want %q", n.Tag(), req.Tag)
	}
	if _, err := c.Get("inbox"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(trimmed) err = %v, want ErrNotFound", err)
	}
}
