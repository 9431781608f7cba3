package payments

import (
	"errors"
	"strings"
)

type ErrorKind string

const (
	KindNone                      ErrorKind = ""
	KindProviderUnavailable       ErrorKind = "provider_unavailable"
	KindNotInitialized            ErrorKind = "not_initialized"
	KindConflictingPendingPayment ErrorKind = "conflicting_pending_payment"
	KindGatewayRejected           ErrorKind = "gateway_rejected"
	KindUnknown                   ErrorKind = "unknown"
)

// Substring rules applied to error messages. These are heuristics matching
// what the provider SDK reports; a gateway message that happens to contain
// "pending payment" is classified as a conflict too.
const (
	notInitializedMarker = "not initialized"
	pendingPaymentMarker = "pending payment"
)

// Classify maps a raw failure onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return KindProviderUnavailable
	}

	msg := err.Error()
	if strings.Contains(msg, notInitializedMarker) {
		return KindNotInitialized
	}
	if strings.Contains(msg, pendingPaymentMarker) {
		return KindConflictingPendingPayment
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return KindGatewayRejected
	}
	return KindUnknown
}

// statusFor renders the user-facing status line for a classified failure.
func statusFor(kind ErrorKind, err error) string {
	switch kind {
	case KindProviderUnavailable:
		return "Error: payment provider is not available"
	case KindNotInitialized:
		return "Error: payment provider not initialized"
	case KindConflictingPendingPayment:
		return "Error: a pending payment must be resolved before creating a new one"
	case KindGatewayRejected:
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			return "Error: " + gwErr.Message
		}
	}
	if err == nil {
		return "Error: unknown error"
	}
	return "Error: " + err.Error()
}
