// Package worker turns host events into tasks: push events are resolved and
// dispatched, clicks are routed, and test-push messages are handled like pushes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"pushworker/internal/click"
	"pushworker/internal/dispatch"
	"pushworker/internal/eventbus"
	"pushworker/internal/message"
	logx "pushworker/pkg/logx"
)

// Task is the asynchronous work started for one event. The host keeps the
// worker alive until it returns.
type Task func(ctx context.Context) error

// Handler produces the task for an event.
type Handler interface {
	Handle(ev Event) Task
}

// Failure is published on the bus when a push or click task fails.
type Failure struct {
	Kind Kind
	Err  error
}

type Worker struct {
	resolver *message.Resolver
	engine   *dispatch.Engine
	router   *click.Router
	bus      eventbus.Bus
	log      logx.Logger
}

func New(resolver *message.Resolver, engine *dispatch.Engine, router *click.Router, bus eventbus.Bus, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{resolver: resolver, engine: engine, router: router, bus: bus, log: log}
}

func (w *Worker) Handle(ev Event) Task {
	switch e := ev.(type) {
	case PushEvent:
		return func(ctx context.Context) error {
			return w.push(ctx, func(ctx context.Context) (message.Message, error) {
				return w.resolver.Resolve(ctx, e.Payload)
			})
		}
	case NotificationClickEvent:
		return func(ctx context.Context) error {
			if _, err := w.router.Route(ctx, e.Notification); err != nil {
				eventbus.Publish(w.bus, eventbus.TypeClickFailed, Failure{Kind: KindNotificationClick, Err: err})
				return err
			}
			return nil
		}
	case MessageEvent:
		return func(ctx context.Context) error { return w.message(ctx, e.Data) }
	default:
		return func(context.Context) error {
			return fmt.Errorf("worker: unsupported event %T", ev)
		}
	}
}

func (w *Worker) push(ctx context.Context, resolve func(context.Context) (message.Message, error)) error {
	m, err := resolve(ctx)
	if err == nil {
		_, err = w.engine.Dispatch(ctx, m)
	}
	if err != nil {
		eventbus.Publish(w.bus, eventbus.TypePushFailed, Failure{Kind: KindPush, Err: err})
		return err
	}
	return nil
}

// message handles inbound worker messages. Only test-push is understood; its
// inline message is used as the push payload even when messageUrl is set.
func (w *Worker) message(ctx context.Context, data json.RawMessage) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("worker: inbound message: %w", err)
	}
	if env.Type != MessageTypeTestPush {
		w.log.Debug("inbound message ignored", logx.String("type", env.Type))
		return nil
	}
	w.log.Info("test push received")
	return w.push(ctx, func(context.Context) (message.Message, error) {
		return w.resolver.ResolveInline(env.Message)
	})
}
