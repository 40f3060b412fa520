// Package transport defines the delivery adapters the notifier sends
// through. Adapters only move bytes; queueing, dedup and retry live in the
// notifier.
package transport

import (
	"context"

	"vlogd/internal/model"
)

type Kind string

const (
	KindRecordRequest Kind = "record_request"
	KindAlert         Kind = "alert"
)

// Message is one outbound notification.
type Message struct {
	Kind   Kind
	UserID string
	// Address is the user's transport address. Empty means the adapter's
	// default destination (operator chat, default endpoint).
	Address string
	Text    string
	Request *model.RecordRequest
}

type Adapter interface {
	Name() string
	Send(ctx context.Context, m Message) error
}
