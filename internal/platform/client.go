// Package platform talks to the payment platform's server API on behalf of
// the gateway.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnauthorized = errors.New("platform rejected both Bearer and Key authorization")

// Client is the subset of the platform API the gateway uses. App-key calls
// act on payments; token calls act on behalf of a signed-in user.
type Client interface {
	Approve(ctx context.Context, paymentID string) (Payment, error)
	Complete(ctx context.Context, paymentID, txID string) (Payment, error)
	Cancel(ctx context.Context, paymentID string) (Payment, error)
	Incomplete(ctx context.Context, accessToken string) ([]Payment, error)
	Me(ctx context.Context, accessToken string) (User, error)
	Wallet(ctx context.Context, accessToken string) (Wallet, error)
	Ping(ctx context.Context) error
}

type Payment struct {
	Identifier  string          `json:"identifier"`
	UserUID     string          `json:"user_uid,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Status      PaymentStatus   `json:"status"`
	Transaction *Transaction    `json:"transaction"`
}

type PaymentStatus struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

// State collapses the status flags into the single word clients expect.
func (s PaymentStatus) State() string {
	switch {
	case s.Cancelled || s.UserCancelled:
		return "cancelled"
	case s.DeveloperCompleted:
		return "completed"
	case s.DeveloperApproved:
		return "approved"
	default:
		return "pending"
	}
}

type Transaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
	Link     string `json:"_link,omitempty"`
}

type User struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

type Wallet struct {
	Address string          `json:"address,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable reports whether err may succeed on another attempt: transport
// failures and 5xx/429 answers are, authorization and other 4xx are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return true
}
