package worker

import (
	"encoding/json"

	"pushworker/internal/platform"
)

type Kind string

const (
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindMessage           Kind = "message"
)

// Event is anything the host delivers to the worker.
type Event interface {
	Kind() Kind
}

// PushEvent is a server push. Payload is nil when the push carried none.
type PushEvent struct {
	Payload []byte
}

func (PushEvent) Kind() Kind { return KindPush }

// NotificationClickEvent carries the notification the user activated.
type NotificationClickEvent struct {
	Notification platform.Notification
}

func (NotificationClickEvent) Kind() Kind { return KindNotificationClick }

// MessageEvent is an inbound message posted to the worker.
type MessageEvent struct {
	Data json.RawMessage
}

func (MessageEvent) Kind() Kind { return KindMessage }

// MessageTypeTestPush marks an inbound message whose "message" is handled as a push payload.
const MessageTypeTestPush = "test-push"

// Envelope is the shape of inbound worker messages.
type Envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}
