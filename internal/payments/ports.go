package payments

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable = errors.New("authorization provider is not available")
	ErrNoPendingPayment    = errors.New("no pending payment")
	ErrAlreadyPending      = errors.New("payment is already pending")
	ErrChoiceUnavailable   = errors.New("choice not available for this payment")
)

// EventHandler receives provider callbacks.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// Provider abstracts the third-party authorization provider.
type Provider interface {
	// Initialize must be safe to call repeatedly.
	Initialize(ctx context.Context, version string, sandbox bool) error
	// StartPayment returns once the provider accepted the intent; the
	// lifecycle continues through h on the provider's own schedule.
	StartPayment(ctx context.Context, intent PaymentIntent, h EventHandler) error
}

// Abandoner is implemented by providers that track an open payment of their
// own. Abandon drops the open payment if it is id, or whichever payment is
// open when id is empty, and reports the id it dropped.
type Abandoner interface {
	Abandon(ctx context.Context, id string) (string, bool)
}

// Gateway is the backend that owns approve/complete/cancel bookkeeping.
type Gateway interface {
	Approve(ctx context.Context, paymentID, accessToken string) error
	Complete(ctx context.Context, paymentID, txID string) error
	Cancel(ctx context.Context, paymentID string) error
}

// SessionStore returns the current access token, or "" when signed out.
type SessionStore interface {
	AccessToken() string
}

// Sink receives presentation intents. Implementations must not call back
// into the Engine synchronously.
type Sink interface {
	SetStatus(text string)
	SetButtonEnabled(enabled bool)
	ShowPendingPaymentChoice(choice PendingChoice)
	// Alert is a blocking notice; it is only used ahead of RequestReload.
	Alert(text string)
	RequestReload()
}

// GatewayError is an explicit rejection returned by the backend.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s rejected (%d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Message)
}
