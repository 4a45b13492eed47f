package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pushworker/internal/eventbus"
	"pushworker/internal/platform"
	logx "pushworker/pkg/logx"
)

const writeWait = 5 * time.Second

// Frame is one JSON websocket frame in either direction.
type Frame struct {
	Type       string              `json:"type"`
	URL        string              `json:"url,omitempty"`
	Focused    bool                `json:"focused,omitempty"`
	Visibility platform.Visibility `json:"visibility,omitempty"`
	Data       any                 `json:"data,omitempty"`
}

const (
	FrameState   = "state"
	FrameFocus   = "focus"
	FrameMessage = "message"
)

// WindowEvent is published on window.connected and window.disconnected.
type WindowEvent struct {
	ID    string
	URL   string
	Count int
}

// WindowView is the JSON form of a connected window.
type WindowView struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	Focused     bool                `json:"focused"`
	Visibility  platform.Visibility `json:"visibility"`
	ConnectedAt time.Time           `json:"connected_at"`
}

// window is a connected application window. It implements platform.Client.
type window struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	mu         sync.RWMutex
	url        string
	focused    bool
	visibility platform.Visibility

	wmu sync.Mutex
}

func (w *window) ID() string { return w.id }

func (w *window) URL() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.url
}

func (w *window) Focused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.focused
}

func (w *window) Visibility() platform.Visibility {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.visibility
}

func (w *window) Focus(ctx context.Context) error {
	return w.send(ctx, Frame{Type: FrameFocus})
}

func (w *window) PostMessage(ctx context.Context, v any) error {
	return w.send(ctx, Frame{Type: FrameMessage, Data: v})
}

func (w *window) apply(f Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.url = f.URL
	w.focused = f.Focused
	w.visibility = f.Visibility
	if w.visibility == "" {
		w.visibility = platform.VisibilityVisible
	}
}

func (w *window) view() WindowView {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WindowView{ID: w.id, URL: w.url, Focused: w.focused, Visibility: w.visibility, ConnectedAt: w.connectedAt}
}

func (w *window) send(ctx context.Context, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("web: encode %s frame: %w", f.Type, err)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *window) ping() error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Windows tracks connected windows in connection order and implements
// platform.Clients.
type Windows struct {
	openCommand []string
	bus         eventbus.Bus
	log         logx.Logger

	mu      sync.RWMutex
	windows []*window
	inbox   func(data json.RawMessage)
}

// NewWindows builds the registry. openCommand is split on whitespace; the
// target URL is appended as the last argument. Empty disables OpenWindow.
func NewWindows(openCommand string, bus eventbus.Bus, log logx.Logger) *Windows {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Windows{openCommand: strings.Fields(openCommand), bus: bus, log: log}
}

// SetInbox installs the receiver for window message frames.
func (ws *Windows) SetInbox(fn func(data json.RawMessage)) {
	ws.mu.Lock()
	ws.inbox = fn
	ws.mu.Unlock()
}

func (ws *Windows) receive(w *window, data any) {
	ws.mu.RLock()
	fn := ws.inbox
	ws.mu.RUnlock()
	if fn == nil || data == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		ws.log.Debug("window message dropped", logx.String("id", w.id), logx.Err(err))
		return
	}
	fn(b)
}

// CanOpen reports whether OpenWindow is available.
func (ws *Windows) CanOpen() bool { return len(ws.openCommand) > 0 }

func (ws *Windows) MatchAll(_ context.Context, opts platform.MatchOptions) ([]platform.Client, error) {
	if opts.Type != "" && opts.Type != platform.ClientTypeWindow && opts.Type != "all" {
		return nil, nil
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]platform.Client, 0, len(ws.windows))
	for _, w := range ws.windows {
		out = append(out, w)
	}
	return out, nil
}

// OpenWindow launches the open command. The new window has no handle until
// it connects, so the returned Client is always nil.
func (ws *Windows) OpenWindow(_ context.Context, url string) (platform.Client, error) {
	if !ws.CanOpen() {
		return nil, platform.ErrUnsupported
	}
	args := append(append([]string(nil), ws.openCommand[1:]...), url)
	cmd := exec.Command(ws.openCommand[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("web: open window: %w", err)
	}
	ws.log.Info("window open requested", logx.String("url", url), logx.Int("pid", cmd.Process.Pid))
	go func() {
		if err := cmd.Wait(); err != nil {
			ws.log.Warn("open command failed", logx.String("url", url), logx.Err(err))
		}
	}()
	return nil, nil
}

func (ws *Windows) Len() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.windows)
}

func (ws *Windows) Views() []WindowView {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]WindowView, 0, len(ws.windows))
	for _, w := range ws.windows {
		out = append(out, w.view())
	}
	return out
}

func (ws *Windows) add(w *window) {
	ws.mu.Lock()
	ws.windows = append(ws.windows, w)
	n := len(ws.windows)
	ws.mu.Unlock()
	ws.log.Debug("window connected", logx.String("id", w.id), logx.String("url", w.URL()), logx.Int("windows", n))
	eventbus.Publish(ws.bus, eventbus.TypeWindowConnected, WindowEvent{ID: w.id, URL: w.URL(), Count: n})
}

func (ws *Windows) remove(w *window) {
	ws.mu.Lock()
	found := false
	for i, cur := range ws.windows {
		if cur == w {
			ws.windows = append(ws.windows[:i], ws.windows[i+1:]...)
			found = true
			break
		}
	}
	n := len(ws.windows)
	ws.mu.Unlock()
	if !found {
		return
	}
	ws.log.Debug("window disconnected", logx.String("id", w.id), logx.Int("windows", n))
	eventbus.Publish(ws.bus, eventbus.TypeWindowGone, WindowEvent{ID: w.id, URL: w.URL(), Count: n})
}

var errNoState = errors.New("web: first frame must be a state frame")

// serve runs one window connection until it closes or ctx ends.
func (ws *Windows) serve(ctx context.Context, conn *websocket.Conn, pingEvery time.Duration) error {
	defer conn.Close()

	readWait := 2 * pingEvery
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		return fmt.Errorf("web: read state: %w", err)
	}
	if first.Type != FrameState {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "state frame required"), time.Now().Add(writeWait))
		return errNoState
	}

	w := &window{id: uuid.NewString(), conn: conn, connectedAt: time.Now()}
	w.apply(first)
	ws.add(w)
	defer ws.remove(w)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := w.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Debug("window read ended", logx.String("id", w.id), logx.Err(err))
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		switch f.Type {
		case FrameState:
			w.apply(f)
		case FrameMessage:
			ws.receive(w, f.Data)
		}
	}
}
