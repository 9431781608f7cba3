package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func donation(id string) PaymentIntent {
	return PaymentIntent{
		ID:       id,
		Amount:   decimal.NewFromInt(1),
		Memo:     "Donación",
		Metadata: map[string]any{"source": "test"},
	}
}

func TestDonationCompletes(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	intent, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	require.Equal(t, "p1", intent.ID)
	require.Equal(t, "p1", intent.Metadata["paymentId"])
	require.Equal(t, "test", intent.Metadata["source"])
	require.Equal(t, "Donación", intent.Memo)

	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, PhaseAwaitingApproval, p.Phase)

	h.engine.HandleEvent(ctx, ReadyForApproval("p1"))
	h.engine.HandleEvent(ctx, ReadyForCompletion("p1", "tx1"))

	require.Equal(t, []gatewayCall{
		{Op: "approve", PaymentID: "p1", Arg: "token-1"},
		{Op: "complete", PaymentID: "p1", Arg: "tx1"},
	}, h.gateway.Calls())

	_, ok = h.engine.Pending()
	require.False(t, ok)

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeCompleted, outcomes[0].Kind)
	require.Equal(t, "tx1", outcomes[0].TxID)
	require.Equal(t, statusCompleted, h.sink.lastStatus())
}

func TestCreateDoesNotMutateCallerMetadata(t *testing.T) {
	h := newHarness("p1")
	meta := map[string]any{"k": "v"}
	in := PaymentIntent{Amount: decimal.NewFromInt(2), Metadata: meta}

	_, err := h.engine.CreatePayment(context.Background(), in)
	require.NoError(t, err)
	require.NotContains(t, meta, "paymentId")
}

func TestCreatePreemptsPreviousPayment(t *testing.T) {
	h := newHarness("p1", "p2")
	ctx := context.Background()

	var cancelsAtStart []int
	h.provider.onStarted = func(PaymentIntent, EventHandler) {
		cancelsAtStart = append(cancelsAtStart, h.gateway.count("cancel"))
	}

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	_, err = h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)

	require.Equal(t, []gatewayCall{{Op: "cancel", PaymentID: "p1"}}, h.gateway.Calls())
	require.Equal(t, []int{0, 1}, cancelsAtStart)

	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "p2", p.ID)
	require.Equal(t, PhaseAwaitingApproval, p.Phase)

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, "p1", outcomes[0].PaymentID)
	require.Equal(t, OutcomeCancelled, outcomes[0].Kind)
}

func TestPreemptionToleratesCancelFailure(t *testing.T) {
	h := newHarness("p1", "p2")
	h.gateway.cancelErr = errors.New("backend down")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	_, err = h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)

	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "p2", p.ID)
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	h := newHarness("p1", "p2")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	_, err = h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	before := h.gateway.Calls()

	h.engine.HandleEvent(ctx, ReadyForApproval("p1"))
	h.engine.HandleEvent(ctx, ReadyForCompletion("p1", "tx1"))
	h.engine.HandleEvent(ctx, Cancelled("p1"))
	h.engine.HandleEvent(ctx, Errored(errors.New("boom"), "p1"))

	require.Equal(t, before, h.gateway.Calls())
	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "p2", p.ID)
	require.Equal(t, PhaseAwaitingApproval, p.Phase)
	require.Len(t, h.outcomes.all(), 1)
}

func TestCompletionAfterCompletedIsNoop(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, ReadyForCompletion("p1", "tx1"))
	h.engine.HandleEvent(ctx, ReadyForCompletion("p1", "tx1"))

	require.Equal(t, 1, h.gateway.count("complete"))
	require.Len(t, h.outcomes.all(), 1)
}

func TestDuplicateCompletionInFlightIsDropped(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	h.gateway.onComplete = func(id string) {
		h.engine.HandleEvent(ctx, ReadyForCompletion(id, "tx1"))
	}

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, ReadyForCompletion("p1", "tx1"))

	require.Equal(t, 1, h.gateway.count("complete"))
	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeCompleted, outcomes[0].Kind)
}

func TestCompletionWithoutTxFails(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, ReadyForCompletion("p1", ""))

	require.Zero(t, h.gateway.count("complete"))
	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeFailed, outcomes[0].Kind)
}

func TestSupersededApprovalResponseIsDropped(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()
	h.gateway.approveErr = &GatewayError{Op: "approve", StatusCode: 502, Message: "late"}
	h.gateway.onApprove = func(id string) {
		h.engine.HandleEvent(ctx, Cancelled(id))
	}

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, ReadyForApproval("p1"))

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeCancelled, outcomes[0].Kind)
	require.Equal(t, statusCancelled, h.sink.lastStatus())
}

func TestApprovalRejectedFailsPayment(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()
	h.gateway.approveErr = &GatewayError{Op: "approve", StatusCode: 401, Message: "Invalid API key"}

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, ReadyForApproval("p1"))

	_, ok := h.engine.Pending()
	require.False(t, ok)

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeFailed, outcomes[0].Kind)
	require.Equal(t, KindGatewayRejected, outcomes[0].ErrorKind)
	require.Equal(t, "Error: Invalid API key", h.sink.lastStatus())
	require.True(t, h.sink.button[len(h.sink.button)-1])
}

func TestCancelClearsSlotEvenWhenGatewayFails(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()
	h.gateway.cancelErr = &GatewayError{Op: "cancel", StatusCode: 500, Message: "nope"}

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, Cancelled("p1"))

	_, ok := h.engine.Pending()
	require.False(t, ok)
	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeCancelled, outcomes[0].Kind)
	require.Equal(t, KindGatewayRejected, outcomes[0].ErrorKind)
	require.Equal(t, "Error: nope", h.sink.lastStatus())
}

func TestSameIDCreateIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation("fixed"))
	require.NoError(t, err)
	_, err = h.engine.CreatePayment(ctx, donation("fixed"))
	require.ErrorIs(t, err, ErrAlreadyPending)
	require.Empty(t, h.gateway.Calls())
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	h := newHarness("p1")
	_, err := h.engine.CreatePayment(context.Background(), PaymentIntent{Amount: decimal.Zero})
	require.Error(t, err)
	require.Zero(t, h.provider.Inits())
	_, ok := h.engine.Pending()
	require.False(t, ok)
}

func TestCreateWithoutProvider(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(Deps{Gateway: &stubGateway{}, Sink: sink})

	_, err := e.CreatePayment(context.Background(), donation("p1"))
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, "Error: payment provider is not available", sink.lastStatus())
}

func TestStartConflictCancelsProviderHeldPayment(t *testing.T) {
	h := newHarness("p2")
	h.provider.open = "p1"
	h.provider.startErrs = []error{errors.New("a pending payment needs to be handled")}

	created, err := h.engine.CreatePayment(context.Background(), donation(""))
	require.NoError(t, err)
	require.Equal(t, "p2", created.ID)

	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "p2", p.ID)
	require.Equal(t, PhaseAwaitingApproval, p.Phase)

	require.Equal(t, []gatewayCall{{Op: "cancel", PaymentID: "p1"}}, h.gateway.Calls())
	require.Len(t, h.provider.started, 2)

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, "p1", outcomes[0].PaymentID)
	require.Equal(t, OutcomeCancelled, outcomes[0].Kind)
	require.False(t, h.sink.button[len(h.sink.button)-1])
	require.Zero(t, h.sink.reloads)
}

func TestPersistentStartConflictFailsWithoutReload(t *testing.T) {
	h := newHarness("p1")
	h.provider.startErr = errors.New("a pending payment needs to be handled")

	_, err := h.engine.CreatePayment(context.Background(), donation(""))
	require.Error(t, err)

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, KindConflictingPendingPayment, outcomes[0].ErrorKind)
	require.Zero(t, h.sink.reloads)
	require.True(t, h.sink.button[len(h.sink.button)-1])
}

func TestPreemptionAbandonsProviderPayment(t *testing.T) {
	h := newHarness("p1", "p2")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	_, err = h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)

	require.Equal(t, []string{"p1"}, h.provider.Abandoned())
	p, ok := h.engine.Pending()
	require.True(t, ok)
	require.Equal(t, "p2", p.ID)
}

func TestNotInitializedReinitializesOnce(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, Errored(errors.New("Pi SDK not initialized"), "p1"))

	require.Equal(t, 2, h.provider.Inits())
	require.Zero(t, h.sink.reloads)
	require.Empty(t, h.sink.alerts)
	require.Equal(t, statusReinitialized, h.sink.lastStatus())

	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, KindNotInitialized, outcomes[0].ErrorKind)
}

func TestNotInitializedRequestsReloadWhenReinitFails(t *testing.T) {
	h := newHarness("p1")
	h.provider.initErrs = []error{nil, errors.New("sdk script missing")}
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, Errored(errors.New("not initialized"), "p1"))

	require.Equal(t, 2, h.provider.Inits())
	require.Equal(t, []string{alertReload}, h.sink.alerts)
	require.Equal(t, 1, h.sink.reloads)
}

func TestErrorWithoutIDAppliesToPending(t *testing.T) {
	h := newHarness("p1")
	ctx := context.Background()

	_, err := h.engine.CreatePayment(ctx, donation(""))
	require.NoError(t, err)
	h.engine.HandleEvent(ctx, Errored(errors.New("wallet closed"), ""))

	_, ok := h.engine.Pending()
	require.False(t, ok)
	outcomes := h.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, "p1", outcomes[0].PaymentID)
	require.Equal(t, KindUnknown, outcomes[0].ErrorKind)
}

func TestConcurrentCreatesKeepSingleSlot(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			_, err := h.engine.CreatePayment(ctx, donation(id))
			if err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			h.engine.HandleEvent(ctx, ReadyForApproval(id))
		}(i)
	}
	wg.Wait()

	require.Equal(t, n-1, h.gateway.count("cancel"))
	_, ok := h.engine.Pending()
	require.True(t, ok)

	cancelled := map[string]bool{}
	for _, o := range h.outcomes.all() {
		require.Equal(t, OutcomeCancelled, o.Kind)
		require.False(t, cancelled[o.PaymentID], "payment %s cancelled twice", o.PaymentID)
		cancelled[o.PaymentID] = true
	}
	require.Len(t, cancelled, n-1)
}
