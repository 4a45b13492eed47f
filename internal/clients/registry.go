// Package clients enumerates the live window instances of the application.
package clients

import (
	"context"

	"pushworker/internal/platform"
	logx "pushworker/pkg/logx"
)

// Registry is the read side of the window registry. Enumeration never fails:
// an unsupported or failing platform yields an empty list.
type Registry struct {
	clients platform.Clients
	enabled bool
	log     logx.Logger
}

func New(c platform.Clients, caps platform.Capabilities, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{clients: c, enabled: caps.ClientEnumeration && c != nil, log: log}
}

// List returns window clients in platform enumeration order, including windows
// not yet controlled by the worker.
func (r *Registry) List(ctx context.Context) []platform.Client {
	if r == nil || !r.enabled {
		return nil
	}
	list, err := r.clients.MatchAll(ctx, platform.MatchOptions{
		Type:                platform.ClientTypeWindow,
		IncludeUncontrolled: true,
	})
	if err != nil {
		r.log.Warn("client enumeration failed; treating as no clients", logx.Err(err))
		return nil
	}
	out := list[:0:0]
	for _, c := range list {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
