package clients

import (
	"context"
	"testing"

	"pushworker/internal/platform"
	"pushworker/internal/platform/platformtest"
	logx "pushworker/pkg/logx"
)

func TestListPreservesOrderAndOptions(t *testing.T) {
	t.Parallel()
	fake := &platformtest.Clients{Windows: []*platformtest.Client{
		platformtest.Background("1", "https://a/"),
		platformtest.Visible("2", "https://b/"),
	}}
	r := New(fake, platform.FullCapabilities(), logx.Nop())

	got := r.List(context.Background())
	if len(got) != 2 || got[0].ID() != "1" || got[1].ID() != "2" {
		t.Fatalf("List = %v", got)
	}
	opts := fake.LastMatchOptions()
	if opts.Type != platform.ClientTypeWindow || !opts.IncludeUncontrolled {
		t.Fatalf("match options = %+v", opts)
	}
}

func TestListSoftFails(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		reg  *Registry
	}{
		{name: "platform error", reg: New(&platformtest.Clients{ListErr: platformtest.ErrBoom}, platform.FullCapabilities(), logx.Nop())},
		{name: "unsupported", reg: New(&platformtest.Clients{Windows: []*platformtest.Client{platformtest.Visible("1", "u")}}, platform.Capabilities{}, logx.Nop())},
		{name: "no platform", reg: New(nil, platform.FullCapabilities(), logx.Nop())},
		{name: "nil registry", reg: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.reg.List(context.Background()); len(got) != 0 {
				t.Fatalf("List = %v, want empty", got)
			}
		})
	}
}
