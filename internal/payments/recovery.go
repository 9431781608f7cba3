package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RecoverIncomplete adopts a payment the provider reported as unresolved.
// A payment already completed upstream is only cleared locally. Otherwise it
// becomes the pending payment, superseding any other, and the user is asked
// to cancel or complete it.
func (e *Engine) RecoverIncomplete(ctx context.Context, p IncompletePayment) error {
	if p.ID == "" {
		return errors.New("incomplete payment without id")
	}

	if p.Status == StatusCompleted {
		if _, ok := e.clearIfCurrent(p.ID); ok {
			e.sink.SetButtonEnabled(true)
		}
		e.logger.InfoContext(ctx, "incomplete payment already completed upstream", slog.String("payment_id", p.ID))
		return nil
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	txID := p.txID()
	phase := PhaseAwaitingApproval
	if txID != "" {
		phase = PhaseAwaitingCompletion
	}

	e.mu.Lock()
	old := e.pending
	if old != nil && old.ID == p.ID {
		old.Recovered = true
		if txID != "" && old.TxID == "" {
			old.TxID = txID
			old.Phase = PhaseAwaitingCompletion
		}
		txID = old.TxID
		e.mu.Unlock()
		e.offerChoice(ctx, p.ID, txID)
		return nil
	}
	e.pending = nil
	e.mu.Unlock()

	if old != nil {
		e.preempt(ctx, old.ID)
	}

	e.mu.Lock()
	e.pending = &PendingPayment{ID: p.ID, Phase: phase, TxID: txID, Recovered: true}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "recovered incomplete payment",
		slog.String("payment_id", p.ID),
		slog.String("status", p.Status),
		slog.Bool("has_tx", txID != ""),
	)
	e.offerChoice(ctx, p.ID, txID)
	return nil
}

func (e *Engine) offerChoice(_ context.Context, id, txID string) {
	e.sink.SetButtonEnabled(false)
	e.sink.SetStatus(statusRecoveredFound)
	e.sink.ShowPendingPaymentChoice(PendingChoice{
		PaymentID:   id,
		CanComplete: txID != "",
		TxID:        txID,
	})
}

// ResolveIncomplete applies the user's choice to the recovered payment id.
func (e *Engine) ResolveIncomplete(ctx context.Context, id string, choice Choice) error {
	e.mu.Lock()
	p := e.pending
	if p == nil || p.ID != id {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingPayment, id)
	}
	txID := p.TxID
	e.mu.Unlock()

	switch choice {
	case ChoiceCancel:
		return e.cancel(ctx, id)
	case ChoiceComplete:
		if txID == "" {
			return fmt.Errorf("%w: %s has no transaction", ErrChoiceUnavailable, id)
		}
		return e.complete(ctx, id, txID)
	default:
		return fmt.Errorf("%w: %q", ErrChoiceUnavailable, choice)
	}
}
