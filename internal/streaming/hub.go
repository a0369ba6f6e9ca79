package streaming

import (
	"context"
	"time"
)

// Notification is a real-time lifecycle event of an invocation.
type Notification struct {
	InvocationID string    `json:"invocation_id"`
	HandlerID    string    `json:"handler_id,omitempty"`
	Step         string    `json:"step,omitempty"`
	Type         string    `json:"type"`
	Attempt      int       `json:"attempt,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Filter specifies which notifications a subscriber wants to receive.
type Filter struct {
	InvocationID string   `json:"invocation_id,omitempty"`
	HandlerID    string   `json:"handler_id,omitempty"`
	Types        []string `json:"types,omitempty"`
}

// Hub provides pub/sub for invocation lifecycle notifications.
type Hub interface {
	Publish(ctx context.Context, n Notification) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error)
}
