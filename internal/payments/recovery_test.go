package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoverWithTransactionThenComplete(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	err := h.engine.RecoverIncomplete(ctx, IncompletePayment{
		ID:          "old",
		Status:      "pending",
		Transaction: &TransactionRef{TxID: "T"},
	})
	require.NoError(t, err)

	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, PhaseAwaitingCompletion, p.Phase)
	require.True(t, p.Recovered)

	require.Len(t, h.sink.choices, 1)
	require.Equal(t, []Choice{ChoiceCancel, ChoiceComplete}, h.sink.choices[0].Choices())

	require.NoError(t, h.engine.ResolveIncomplete(ctx, "old", ChoiceComplete))
	require.Equal(t, []gatewayCall{{Op: "complete", PaymentID: "old", Arg: "T"}}, h.gateway.Calls())

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeCompleted, outcomes[0].Kind)
	require.Equal(t, statusRecoveredDone, h.sink.lastStatus())
}

func TestRecoverWithoutTransactionOffersCancelOnly(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	require.NoError(t, h.engine.RecoverIncomplete(ctx, IncompletePayment{ID: "old", Status: "pending"}))

	require.Len(t, h.sink.choices, 1)
	require.Equal(t, []Choice{ChoiceCancel}, h.sink.choices[0].Choices())
	require.ErrorIs(t, h.engine.ResolveIncomplete(ctx, "old", ChoiceComplete), ErrChoiceUnavailable)

	require.NoError(t, h.engine.ResolveIncomplete(ctx, "old", ChoiceCancel))
	require.Equal(t, []gatewayCall{{Op: "cancel", PaymentID: "old"}}, h.gateway.Calls())
	_, ok := h.engine.Pending()
	require.False(t, ok)
	require.Equal(t, statusRecoveredCancel, h.sink.lastStatus())
}

func TestRecoverPreemptsCurrentPayment(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	require.NoError(t, h.engine.RecoverIncomplete(ctx, IncompletePayment{ID: "old", Status: "pending"}))

	require.Equal(t, []gatewayCall{{Op: "cancel", PaymentID: "p1"}}, h.gateway.Calls())
	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "old", p.ID)

	h.engine.HandleEvent(ctx, ReadyForApproval("p1"))
	require.Len(t, h.gateway.Calls(), 1)
}

func TestRecoverCompletedLeavesOtherPaymentAlone(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	require.NoError(t, h.engine.RecoverIncomplete(ctx, IncompletePayment{ID: "old", Status: StatusCompleted}))

	require.Empty(t, h.gateway.Calls())
	require.Empty(t, h.sink.choices)
	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "p1", p.ID)
}

func TestRecoverCompletedClearsMatchingPayment(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	require.NoError(t, h.engine.RecoverIncomplete(ctx, IncompletePayment{ID: "p1", Status: StatusCompleted}))

	require.Empty(t, h.gateway.Calls())
	_, ok := h.engine.Pending()
	require.False(t, ok)
}

func TestResolveUnknownPayment(t *testing.T) {
	h := newHarness("p1")
	err := h.engine.ResolveIncomplete(context.Background(), "ghost", ChoiceCancel)
	require.ErrorIs(t, err, ErrNoPendingPayment)
	require.Empty(t, h.gateway.Calls())
}

func TestRecoverRequiresID(t *testing.T) {
	h := newHarness("p1")
	require.Error(t, h.engine.RecoverIncomplete(context.Background(), IncompletePayment{Status: "pending"}))
}
