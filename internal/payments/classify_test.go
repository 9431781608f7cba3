package payments

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	gwErr := &GatewayError{Op: "complete", StatusCode: 502, Message: "upstream unavailable"}

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"provider unavailable", ErrProviderUnavailable, KindProviderUnavailable},
		{"wrapped provider unavailable", fmt.Errorf("create: %w", ErrProviderUnavailable), KindProviderUnavailable},
		{"not initialized", errors.New("Pi SDK was not initialized"), KindNotInitialized},
		{"pending payment", errors.New("A pending payment needs to be handled"), KindConflictingPendingPayment},
		{"gateway rejection", gwErr, KindGatewayRejected},
		{"wrapped gateway rejection", fmt.Errorf("approve payment: %w", gwErr), KindGatewayRejected},
		// Substring rules win over the error's type.
		{"gateway mentioning pending payment", &GatewayError{Op: "approve", Message: "pending payment exists"}, KindConflictingPendingPayment},
		{"unknown", errors.New("connection reset"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, "Error: upstream unavailable",
		statusFor(KindGatewayRejected, &GatewayError{Op: "complete", Message: "upstream unavailable"}))
	require.Equal(t, "Error: connection reset", statusFor(KindUnknown, errors.New("connection reset")))
	require.Equal(t, "Error: payment provider not initialized", statusFor(KindNotInitialized, errors.New("x")))
}
