// Package platform declares the boundary between the push engine and the
// environment that hosts it: window clients, the notification display service,
// and the notifications it hands back on click.
package platform

import (
	"context"
	"encoding/json"
	"errors"

	"pushworker/internal/bootcfg"
)

// ErrUnsupported is returned by platform operations the host cannot perform.
var ErrUnsupported = errors.New("platform: unsupported")

type Visibility string

const (
	VisibilityVisible   Visibility = "visible"
	VisibilityHidden    Visibility = "hidden"
	VisibilityPrerender Visibility = "prerender"
	VisibilityUnloaded  Visibility = "unloaded"
)

// ClientTypeWindow is the only client type the engine enumerates.
const ClientTypeWindow = "window"

// Client is a live window instance. Handles are obtained fresh for every event
// and must not be cached. Focus and PostMessage are best-effort.
type Client interface {
	ID() string
	URL() string
	Focused() bool
	Visibility() Visibility
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, v any) error
}

type MatchOptions struct {
	Type                string
	IncludeUncontrolled bool
}

// Clients enumerates and opens window instances.
type Clients interface {
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
	// OpenWindow may return a nil Client with a nil error when the platform
	// opened a window but has no handle for it yet.
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// DisplayRequest is what the engine asks the display service to show.
// Data is nil unless the notification carries natively attached data.
type DisplayRequest struct {
	Title   string                 `json:"title"`
	Body    string                 `json:"body,omitempty"`
	Tag     string                 `json:"tag"`
	Icon    string                 `json:"icon,omitempty"`
	Sound   string                 `json:"sound,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
	Options bootcfg.DisplayOptions `json:"options"`
}

type Display interface {
	Show(ctx context.Context, req DisplayRequest) error
}

// Notification is a shown notification as handed back by a click event.
type Notification interface {
	Title() string
	Body() string
	Tag() string
	Icon() string
	// Data reports natively attached data, if any.
	Data() (json.RawMessage, bool)
	// Close dismisses the notification. Closing twice is not an error.
	Close() error
}

// Capabilities is negotiated once at startup and passed to the components that
// branch on it. Nothing probes the platform per event.
type Capabilities struct {
	NotificationData  bool `json:"notification_data"`
	ClientFocus       bool `json:"client_focus"`
	OpenWindow        bool `json:"open_window"`
	ClientEnumeration bool `json:"client_enumeration"`
}

// FullCapabilities is what a complete host offers.
func FullCapabilities() Capabilities {
	return Capabilities{
		NotificationData:  true,
		ClientFocus:       true,
		OpenWindow:        true,
		ClientEnumeration: true,
	}
}
