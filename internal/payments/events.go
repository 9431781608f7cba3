package payments

import "fmt"

type EventKind int

const (
	EventReadyForApproval EventKind = iota + 1
	EventReadyForCompletion
	EventCancelled
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventReadyForApproval:
		return "ready_for_approval"
	case EventReadyForCompletion:
		return "ready_for_completion"
	case EventCancelled:
		return "cancelled"
	case EventErrored:
		return "errored"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a provider callback. TxID is only meaningful for
// EventReadyForCompletion and Err only for EventErrored.
type Event struct {
	Kind      EventKind
	PaymentID string
	TxID      string
	Err       error
}

func ReadyForApproval(paymentID string) Event {
	return Event{Kind: EventReadyForApproval, PaymentID: paymentID}
}

func ReadyForCompletion(paymentID, txID string) Event {
	return Event{Kind: EventReadyForCompletion, PaymentID: paymentID, TxID: txID}
}

func Cancelled(paymentID string) Event {
	return Event{Kind: EventCancelled, PaymentID: paymentID}
}

func Errored(err error, paymentID string) Event {
	return Event{Kind: EventErrored, PaymentID: paymentID, Err: err}
}
