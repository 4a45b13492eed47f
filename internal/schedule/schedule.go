// Package schedule delivers payload-less push events on cron specs, the same
// event a push service sends when it only wants the worker to fetch from
// messageUrl.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pushworker/internal/worker"
	logx "pushworker/pkg/logx"
)

type Push struct {
	Name string
	Spec string
}

type Config struct {
	Location *time.Location // nil means time.Local
	Pushes   []Push
}

type Injector interface {
	Deliver(ev worker.Event) (<-chan error, error)
}

// Entry is a registered push with its next activation.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec accepts cron expressions (seconds optional), descriptors such as
// "@hourly" or "@every 15m", and bare durations like "15m".
func ParseSpec(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, errors.New("schedule: empty spec")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("schedule: interval %s below 1s", d)
		}
		return cron.Every(d), nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("schedule: %q: %w", spec, err)
	}
	return sched, nil
}

type Service struct {
	inj Injector
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	ids     map[string]cron.EntryID
	specs   map[string]string
	running bool
	ctx     context.Context
}

func New(inj Injector, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{inj: inj, log: log, ctx: context.Background()}
}

// Apply validates every spec first and then replaces the registered pushes.
// A running service keeps running on the new set.
func (s *Service) Apply(cfg Config) error {
	seen := map[string]struct{}{}
	for _, p := range cfg.Pushes {
		if strings.TrimSpace(p.Name) == "" {
			return errors.New("schedule: push name required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("schedule: duplicate push %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if _, err := ParseSpec(p.Spec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c != nil {
		s.c.Stop()
	}
	s.rebuildLocked()
	if s.running {
		s.c.Start()
	}
	s.log.Info("schedule applied", logx.Int("pushes", len(cfg.Pushes)), logx.String("tz", s.location().String()))
	return nil
}

func (s *Service) location() *time.Location {
	if s.cfg.Location == nil {
		return time.Local
	}
	return s.cfg.Location
}

func (s *Service) rebuildLocked() {
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.location()))
	s.ids = make(map[string]cron.EntryID, len(s.cfg.Pushes))
	s.specs = make(map[string]string, len(s.cfg.Pushes))
	for _, p := range s.cfg.Pushes {
		sched, err := ParseSpec(p.Spec)
		if err != nil {
			continue
		}
		name := p.Name
		s.ids[name] = s.c.Schedule(sched, cron.FuncJob(func() { s.Fire(name) }))
		s.specs[name] = p.Spec
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", p.Spec))
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if ctx != nil {
		s.ctx = ctx
	}
	if s.c == nil {
		s.rebuildLocked()
	}
	s.running = true
	s.c.Start()
	s.log.Info("schedule started", logx.Int("pushes", len(s.ids)))
}

// Stop halts activations. Fire never blocks, so there is nothing to drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire delivers one push event for the named entry.
func (s *Service) Fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := s.inj.Deliver(worker.PushEvent{}); err != nil {
		s.log.Warn("scheduled push rejected", logx.String("name", name), logx.Err(err))
		return
	}
	s.log.Debug("scheduled push delivered", logx.String("name", name))
}

// Entries lists registered pushes by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.ids))
	for name, id := range s.ids {
		e := s.c.Entry(id)
		out = append(out, Entry{Name: name, Spec: s.specs[name], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
