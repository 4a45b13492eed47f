// Package host runs the worker's event loop.
//
// Events are handled one at a time: the loop asks the handler for the event's
// task and waits for that task to settle before taking the next event. Stop
// closes intake and keeps the loop alive until every accepted event settled.
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pushworker/internal/eventbus"
	"pushworker/internal/worker"
	logx "pushworker/pkg/logx"
)

var (
	ErrStopped   = errors.New("host: stopped")
	ErrQueueFull = errors.New("host: queue full")
)

type Config struct {
	QueueSize int
	// EventTimeout bounds each task. Zero means unbounded.
	EventTimeout time.Duration
	HistorySize  int
}

// Settled describes the outcome of one event task.
type Settled struct {
	ID       string        `json:"id"`
	Kind     worker.Kind   `json:"kind"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	QueueLen int       `json:"queue_len"`
	QueueCap int       `json:"queue_cap"`
	Dropped  uint64    `json:"dropped"`
	Handled  uint64    `json:"handled"`
	Stopping bool      `json:"stopping"`
	History  []Settled `json:"history"`
}

type queued struct {
	id   string
	ev   worker.Event
	done chan error
}

type Host struct {
	cfg     Config
	handler worker.Handler
	bus     eventbus.Bus
	log     logx.Logger

	mu       sync.Mutex
	queue    chan queued
	stopping bool
	started  bool
	done     chan struct{}

	hmu     sync.Mutex
	history []Settled

	dropped atomic.Uint64
	handled atomic.Uint64
}

func New(cfg Config, handler worker.Handler, bus eventbus.Bus, log logx.Logger) *Host {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		log:     log,
		queue:   make(chan queued, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Run is the event loop. It returns nil once Stop was called and the queue is
// drained, or ctx.Err() if ctx ends first; events still queued then settle
// with ErrStopped.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("host: already running")
	}
	h.started = true
	h.mu.Unlock()
	defer close(h.done)

	h.log.Info("event loop started", logx.Int("queue_size", h.cfg.QueueSize), logx.Duration("event_timeout", h.cfg.EventTimeout))
	for {
		select {
		case q, ok := <-h.queue:
			if !ok {
				h.log.Info("event loop drained")
				return nil
			}
			h.exec(ctx, q)
		case <-ctx.Done():
			h.abandon()
			return ctx.Err()
		}
	}
}

// Deliver accepts ev without blocking. The returned channel receives the
// task's result exactly once.
func (h *Host) Deliver(ev worker.Event) (<-chan error, error) {
	if ev == nil {
		return nil, errors.New("host: nil event")
	}
	q := queued{id: uuid.NewString(), ev: ev, done: make(chan error, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return nil, ErrStopped
	}
	select {
	case h.queue <- q:
		h.log.Debug("event accepted", logx.String("id", q.id), logx.String("kind", string(ev.Kind())))
		return q.done, nil
	default:
		h.dropped.Add(1)
		h.log.Warn("event queue full; dropping event", logx.String("kind", string(ev.Kind())), logx.Int("queue_cap", cap(h.queue)))
		return nil, ErrQueueFull
	}
}

// Dispatch delivers ev and waits for its task to settle.
func (h *Host) Dispatch(ctx context.Context, ev worker.Event) error {
	done, err := h.Deliver(ev)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes intake and waits until every accepted event has settled or ctx ends.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.stopping {
		h.stopping = true
		close(h.queue)
	}
	started := h.started
	h.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	snap := Snapshot{QueueLen: len(h.queue), QueueCap: cap(h.queue), Stopping: h.stopping}
	h.mu.Unlock()
	snap.Dropped = h.dropped.Load()
	snap.Handled = h.handled.Load()

	h.hmu.Lock()
	snap.History = append([]Settled(nil), h.history...)
	h.hmu.Unlock()
	return snap
}

func (h *Host) exec(ctx context.Context, q queued) {
	start := time.Now()
	kind := q.ev.Kind()

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if h.cfg.EventTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.cfg.EventTimeout)
	}
	err := h.run(runCtx, q.ev)
	cancel()

	dur := time.Since(start)
	s := Settled{ID: q.id, Kind: kind, Started: start, Duration: dur}
	if err != nil {
		s.Error = err.Error()
		h.log.Warn("event task failed", logx.String("id", q.id), logx.String("kind", string(kind)), logx.Duration("dur", dur), logx.Err(err))
	} else {
		h.log.Debug("event task settled", logx.String("id", q.id), logx.String("kind", string(kind)), logx.Duration("dur", dur))
	}
	h.record(s)
	h.handled.Add(1)
	eventbus.Publish(h.bus, eventbus.TypeEventSettled, s)
	q.done <- err
}

func (h *Host) run(ctx context.Context, ev worker.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("host: task panic: %v", r)
		}
	}()
	task := h.handler.Handle(ev)
	if task == nil {
		return nil
	}
	return task(ctx)
}

func (h *Host) record(s Settled) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.history = append(h.history, s)
	if len(h.history) > h.cfg.HistorySize {
		h.history = h.history[len(h.history)-h.cfg.HistorySize:]
	}
}

// abandon settles whatever is still queued after the loop context ended.
func (h *Host) abandon() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
	for {
		select {
		case q, ok := <-h.queue:
			if !ok {
				return
			}
			q.done <- ErrStopped
		default:
			return
		}
	}
}
