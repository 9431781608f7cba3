package payments

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentIntent is the request handed to the authorization provider.
type PaymentIntent struct {
	ID       string
	Amount   decimal.Decimal
	Memo     string
	Metadata map[string]any
}

func (i PaymentIntent) validate() error {
	if !i.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", i.Amount.String())
	}
	return nil
}

// withID returns a copy carrying id both as ID and in metadata. The caller's
// metadata map is never mutated.
func (i PaymentIntent) withID(id string) PaymentIntent {
	meta := make(map[string]any, len(i.Metadata)+1)
	for k, v := range i.Metadata {
		meta[k] = v
	}
	meta["paymentId"] = id
	i.ID = id
	i.Metadata = meta
	return i
}

type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAwaitingApproval   Phase = "awaiting_approval"
	PhaseAwaitingCompletion Phase = "awaiting_completion"
)

// PendingPayment is the single in-flight payment tracked by an Engine.
type PendingPayment struct {
	ID        string
	Phase     Phase
	TxID      string
	Recovered bool

	// completing is set while a completion request is in flight so a
	// duplicate ReadyForCompletion does not issue a second call.
	completing bool
}

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the terminal classification of a payment.
type Outcome struct {
	PaymentID string
	Kind      OutcomeKind
	TxID      string
	Reason    error
	ErrorKind ErrorKind
}

func (o Outcome) String() string {
	if o.Kind == OutcomeFailed && o.Reason != nil {
		return fmt.Sprintf("%s %s: %v", o.PaymentID, o.Kind, o.Reason)
	}
	return fmt.Sprintf("%s %s", o.PaymentID, o.Kind)
}

// IncompletePayment is a payment left unresolved by an earlier session and
// reported by the provider during authentication.
type IncompletePayment struct {
	ID          string
	Status      string
	Transaction *TransactionRef
}

const StatusCompleted = "completed"

type TransactionRef struct {
	TxID string
}

func (p IncompletePayment) txID() string {
	if p.Transaction == nil {
		return ""
	}
	return p.Transaction.TxID
}

type Choice string

const (
	ChoiceCancel   Choice = "cancel"
	ChoiceComplete Choice = "complete"
)

// PendingChoice asks the user how to resolve a recovered payment.
type PendingChoice struct {
	PaymentID   string
	CanComplete bool
	TxID        string
}

// Choices lists the options the user may pick, cancel first.
func (c PendingChoice) Choices() []Choice {
	if c.CanComplete {
		return []Choice{ChoiceCancel, ChoiceComplete}
	}
	return []Choice{ChoiceCancel}
}
