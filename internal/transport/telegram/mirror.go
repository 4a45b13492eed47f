// Package telegram mirrors shown notifications into a Telegram chat. Each
// mirrored message carries an "Open" button that clicks the notification.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pushworker/internal/eventbus"
	"pushworker/internal/notifications"
	rtsup "pushworker/internal/runtime/supervisor"
	"pushworker/internal/worker"
	logx "pushworker/pkg/logx"
)

const (
	openUnique = "open"
	textLimit  = 4000
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	// RatePerSec bounds outgoing API calls; 0 means unlimited.
	RatePerSec float64
}

// Bot is the part of *tele.Bot the mirror uses.
type Bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
	Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
	Start()
	Stop()
}

type Notifications interface {
	Get(tag string) (*notifications.Notification, error)
}

type Injector interface {
	Deliver(ev worker.Event) (<-chan error, error)
}

// NewBot connects a long-polling bot.
func NewBot(cfg Config) (*tele.Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
}

type mirrored struct {
	notificationID string
	msg            *tele.Message
}

type Mirror struct {
	cfg     Config
	bot     Bot
	center  Notifications
	inj     Injector
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	sent map[string]mirrored // by tag
	keys map[string]string   // callback key -> tag

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, bot Bot, center Notifications, inj Injector, bus eventbus.Bus, log logx.Logger) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	m := &Mirror{
		cfg:     cfg,
		bot:     bot,
		center:  center,
		inj:     inj,
		bus:     bus,
		log:     log,
		limiter: lim,
		sent:    map[string]mirrored{},
		keys:    map[string]string{},
	}
	bot.Handle(&tele.Btn{Unique: openUnique}, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		return c.Respond(&tele.CallbackResponse{Text: m.open(cb.Data)})
	})
	return m
}

// CallbackKey is the button payload for tag. Telegram caps callback data at
// 64 bytes, so tags are hashed.
func CallbackKey(tag string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tag))
	return fmt.Sprintf("%08x", h.Sum32())
}

// FormatText renders a notification as message text.
func FormatText(title, body string) string {
	text := strings.TrimSpace(title)
	if b := strings.TrimSpace(body); b != "" {
		if text != "" {
			text += "\n"
		}
		text += b
	}
	if text == "" {
		text = "(notification)"
	}
	if rs := []rune(text); len(rs) > textLimit {
		text = string(rs[:textLimit-1]) + "…"
	}
	return text
}

func (m *Mirror) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	if m.sup != nil {
		m.runMu.Unlock()
		return
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.mirror"))),
		rtsup.WithCancelOnError(false),
	)
	m.sup = sup
	m.runMu.Unlock()

	events, unsubscribe := m.bus.Subscribe(64)
	sup.Go0("mirror.events", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.handle(c, ev)
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		m.bot.Stop()
	})

	sup.GoRestart0("telebot.poll", func(c context.Context) {
		m.log.Info("polling started")
		m.bot.Start()
		m.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop never blocks shutdown for long on the Telegram long-poll.
func (m *Mirror) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	m.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		m.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (m *Mirror) handle(ctx context.Context, ev eventbus.Event) {
	shown, ok := ev.Data.(notifications.Shown)
	if !ok {
		return
	}
	switch ev.Type {
	case eventbus.TypeNotificationShown:
		m.onShown(ctx, shown)
	case eventbus.TypeNotificationClosed:
		m.onClosed(ctx, shown)
	}
}

func (m *Mirror) onShown(ctx context.Context, s notifications.Shown) {
	m.mu.Lock()
	prev, had := m.sent[s.Tag]
	delete(m.sent, s.Tag)
	m.mu.Unlock()
	if had {
		m.remove(ctx, prev.msg)
	}

	key := CallbackKey(s.Tag)
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data("Open", openUnique, key)))

	if err := m.limiter.Wait(ctx); err != nil {
		return
	}
	msg, err := m.bot.Send(tele.ChatID(m.cfg.ChatID), FormatText(s.Title, s.Body), &tele.SendOptions{
		ReplyMarkup:           rm,
		ThreadID:              m.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		m.log.Warn("mirror send failed", logx.String("tag", s.Tag), logx.Err(err))
		return
	}

	m.mu.Lock()
	m.sent[s.Tag] = mirrored{notificationID: s.ID, msg: msg}
	m.keys[key] = s.Tag
	m.mu.Unlock()
}

func (m *Mirror) onClosed(ctx context.Context, s notifications.Shown) {
	m.mu.Lock()
	cur, ok := m.sent[s.Tag]
	if !ok || cur.notificationID != s.ID {
		m.mu.Unlock()
		return
	}
	delete(m.sent, s.Tag)
	delete(m.keys, CallbackKey(s.Tag))
	m.mu.Unlock()
	m.remove(ctx, cur.msg)
}

func (m *Mirror) remove(ctx context.Context, msg *tele.Message) {
	if msg == nil {
		return
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}
	if err := m.bot.Delete(msg); err != nil {
		m.log.Debug("mirror delete failed", logx.Int("message_id", msg.ID), logx.Err(err))
	}
}

// open clicks the notification behind key and returns the callback answer.
func (m *Mirror) open(key string) string {
	m.mu.Lock()
	tag, ok := m.keys[key]
	m.mu.Unlock()
	if !ok {
		return "Notification is no longer available"
	}
	n, err := m.center.Get(tag)
	if err != nil {
		return "Notification is no longer available"
	}
	if _, err := m.inj.Deliver(worker.NotificationClickEvent{Notification: n}); err != nil {
		m.log.Warn("mirror click rejected", logx.String("tag", tag), logx.Err(err))
		return "Busy, try again"
	}
	return "Opening"
}
