// Package transport executes the actual email delivery for a sending
// account. The dispatch engine only sees the Transport interface.
package transport

import (
	"context"

	"github.com/foxzi/drip/internal/store"
)

// BounceKind classifies a transport-reported delivery rejection
type BounceKind string

const (
	BounceHard BounceKind = "hard"
	BounceSoft BounceKind = "soft"
)

// Bounce is a transport-reported signal that the recipient rejected delivery
type Bounce struct {
	Kind   BounceKind
	Reason string
}

// Message is one outgoing email
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	Body     string

	// ThreadID correlates follow-up steps into one conversation; it is
	// set as In-Reply-To/References when present.
	ThreadID string
}

// Result is the outcome of a send attempt that reached the provider
type Result struct {
	ProviderMessageID string
	ThreadID          string

	// Bounce is non-nil when the provider accepted the conversation but
	// rejected the recipient
	Bounce *Bounce
}

// SendError is a delivery error with retryability information
type SendError struct {
	Temporary bool
	Message   string
}

func (e *SendError) Error() string {
	return e.Message
}

// Transport sends one message through one account
type Transport interface {
	Send(ctx context.Context, account *store.EmailAccount, msg *Message) (*Result, error)
}
