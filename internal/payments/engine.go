// Package payments coordinates a provider-mediated payment lifecycle with the
// backend gateway. An Engine tracks at most one pending payment; provider
// callbacks referring to any other payment id are dropped.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultSDKVersion = "2.0"

	statusStarting        = "Starting payment..."
	statusAwaitApproval   = "Waiting for server approval..."
	statusApproved        = "Payment approved, waiting for confirmation..."
	statusCompleting      = "Completing payment..."
	statusCompleted       = "Payment completed - thank you for your donation!"
	statusCancelling      = "Cancelling payment..."
	statusCancelled       = "Cancelled by the user"
	statusPreempting      = "Cancelling previous pending payment..."
	statusReinitialized   = "Payment provider re-initialized, please try again"
	alertReload           = "The payment provider is not initialized correctly. The page will reload to try to fix the problem."
	statusRecoveredFound  = "Pending payment found"
	statusRecoveredDone   = "Pending payment completed"
	statusRecoveredCancel = "Pending payment cancelled"
)

type Deps struct {
	Provider Provider
	Gateway  Gateway
	Sessions SessionStore
	Sink     Sink
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIDGenerator replaces the payment id source. Generated ids must be
// unique for the lifetime of the process.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithOutcomeHandler registers fn to receive each terminal outcome once.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(e *Engine) { e.onOutcome = fn }
}

func WithSDKVersion(version string, sandbox bool) Option {
	return func(e *Engine) {
		if version != "" {
			e.sdkVersion = version
		}
		e.sandbox = sandbox
	}
}

type Engine struct {
	provider  Provider
	gateway   Gateway
	sessions  SessionStore
	sink      Sink
	logger    *slog.Logger
	newID     func() string
	onOutcome func(Outcome)

	sdkVersion string
	sandbox    bool

	// createMu serializes CreatePayment and RecoverIncomplete so that
	// pre-emption and admission of the next payment happen as one step.
	createMu sync.Mutex

	// mu guards pending. It is never held across provider, gateway or sink calls.
	mu      sync.Mutex
	pending *PendingPayment
}

func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		provider:   deps.Provider,
		gateway:    deps.Gateway,
		sessions:   deps.Sessions,
		sink:       deps.Sink,
		logger:     slog.Default(),
		newID:      newPaymentID,
		sdkVersion: DefaultSDKVersion,
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "payments"))
	return e
}

func newPaymentID() string {
	return "payment_" + uuid.Must(uuid.NewV7()).String()
}

// Pending returns a snapshot of the pending payment, if any.
func (e *Engine) Pending() (PendingPayment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return PendingPayment{}, false
	}
	return *e.pending, true
}

// CreatePayment submits intent to the provider. A payment already pending
// under another id is cancelled against the gateway first. An empty
// intent.ID is replaced by a generated one; the returned intent carries it.
func (e *Engine) CreatePayment(ctx context.Context, intent PaymentIntent) (PaymentIntent, error) {
	if err := intent.validate(); err != nil {
		return PaymentIntent{}, err
	}
	if e.provider == nil {
		e.surface(ctx, ErrProviderUnavailable)
		return PaymentIntent{}, ErrProviderUnavailable
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	id := intent.ID
	if id == "" {
		id = e.newID()
	}
	intent = intent.withID(id)

	e.logger.InfoContext(ctx, "creating payment",
		slog.String("payment_id", id),
		slog.String("amount", intent.Amount.String()),
	)

	if err := e.provider.Initialize(ctx, e.sdkVersion, e.sandbox); err != nil {
		err = fmt.Errorf("initialize provider: %w", err)
		e.surface(ctx, err)
		return PaymentIntent{}, err
	}

	e.mu.Lock()
	old := e.pending
	if old != nil && old.ID == id {
		e.mu.Unlock()
		return PaymentIntent{}, fmt.Errorf("%w: %s", ErrAlreadyPending, id)
	}
	e.pending = nil
	e.mu.Unlock()

	if old != nil {
		e.preempt(ctx, old.ID)
	}

	e.mu.Lock()
	e.pending = &PendingPayment{ID: id, Phase: PhaseAwaitingApproval}
	e.mu.Unlock()

	e.sink.SetButtonEnabled(false)
	e.sink.SetStatus(statusStarting)

	err := e.provider.StartPayment(ctx, intent, e)
	if err != nil && Classify(err) == KindConflictingPendingPayment {
		err = e.retryAfterConflict(ctx, intent, err)
	}
	if err != nil {
		err = fmt.Errorf("start payment: %w", err)
		e.fail(ctx, id, err)
		return PaymentIntent{}, err
	}

	e.logger.InfoContext(ctx, "payment submitted to provider", slog.String("payment_id", id))
	return intent, nil
}

// retryAfterConflict drops the payment the provider still holds open,
// cancels it against the gateway and starts intent once more.
func (e *Engine) retryAfterConflict(ctx context.Context, intent PaymentIntent, cause error) error {
	ab, ok := e.provider.(Abandoner)
	if !ok {
		return cause
	}
	stale, ok := ab.Abandon(ctx, "")
	if !ok {
		return cause
	}
	e.logger.InfoContext(ctx, "provider held another payment open",
		slog.String("payment_id", intent.ID),
		slog.String("stale_payment_id", stale),
	)
	if stale != intent.ID {
		e.preempt(ctx, stale)
		e.sink.SetButtonEnabled(false)
		e.sink.SetStatus(statusStarting)
	}
	return e.provider.StartPayment(ctx, intent, e)
}

// HandleEvent is the single entry point for provider callbacks.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	var err error
	switch ev.Kind {
	case EventReadyForApproval:
		err = e.approve(ctx, ev.PaymentID)
	case EventReadyForCompletion:
		err = e.complete(ctx, ev.PaymentID, ev.TxID)
	case EventCancelled:
		err = e.cancel(ctx, ev.PaymentID)
	case EventErrored:
		e.providerError(ctx, ev.Err, ev.PaymentID)
	default:
		e.logger.WarnContext(ctx, "unknown provider event", slog.String("kind", ev.Kind.String()))
	}
	if err != nil {
		e.logger.DebugContext(ctx, "event handled with error",
			slog.String("kind", ev.Kind.String()),
			slog.String("payment_id", ev.PaymentID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) approve(ctx context.Context, id string) error {
	e.mu.Lock()
	p := e.pending
	if p == nil || p.ID != id {
		e.mu.Unlock()
		e.discard(ctx, EventReadyForApproval, id)
		return nil
	}
	if p.Phase != PhaseAwaitingApproval {
		e.mu.Unlock()
		e.logger.WarnContext(ctx, "approval requested after completion started", slog.String("payment_id", id))
		return nil
	}
	e.mu.Unlock()

	e.sink.SetStatus(statusAwaitApproval)
	err := e.gateway.Approve(ctx, id, e.accessToken())

	e.mu.Lock()
	current := e.pending != nil && e.pending.ID == id
	stillApproving := current && e.pending.Phase == PhaseAwaitingApproval
	e.mu.Unlock()
	if !current {
		e.logger.InfoContext(ctx, "dropping approval response for superseded payment", slog.String("payment_id", id))
		return nil
	}

	if err != nil {
		err = fmt.Errorf("approve payment: %w", err)
		e.fail(ctx, id, err)
		return err
	}
	e.logger.InfoContext(ctx, "payment approved by gateway", slog.String("payment_id", id))
	if stillApproving {
		e.sink.SetStatus(statusApproved)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, id, txID string) error {
	e.mu.Lock()
	p := e.pending
	if p == nil || p.ID != id {
		e.mu.Unlock()
		e.discard(ctx, EventReadyForCompletion, id)
		return nil
	}
	if p.completing {
		e.mu.Unlock()
		e.logger.InfoContext(ctx, "completion already in flight", slog.String("payment_id", id))
		return nil
	}
	if txID == "" {
		e.mu.Unlock()
		err := fmt.Errorf("complete payment %s: missing transaction id", id)
		e.fail(ctx, id, err)
		return err
	}
	p.Phase = PhaseAwaitingCompletion
	p.TxID = txID
	p.completing = true
	recovered := p.Recovered
	e.mu.Unlock()

	e.sink.SetStatus(statusCompleting)
	err := e.gateway.Complete(ctx, id, txID)

	e.mu.Lock()
	if e.pending == nil || e.pending.ID != id {
		e.mu.Unlock()
		e.logger.InfoContext(ctx, "dropping completion response for superseded payment", slog.String("payment_id", id))
		return nil
	}
	if err != nil {
		e.pending.completing = false
		e.mu.Unlock()
		err = fmt.Errorf("complete payment: %w", err)
		e.fail(ctx, id, err)
		return err
	}
	e.pending = nil
	e.mu.Unlock()

	if recovered {
		e.sink.SetStatus(statusRecoveredDone)
	} else {
		e.sink.SetStatus(statusCompleted)
	}
	e.finish(ctx, Outcome{PaymentID: id, Kind: OutcomeCompleted, TxID: txID})
	return nil
}

// cancel moves the payment to Cancelled before the gateway answers: the
// user's intent stands even if the backend call fails.
func (e *Engine) cancel(ctx context.Context, id string) error {
	p, ok := e.clearIfCurrent(id)
	if !ok {
		e.discard(ctx, EventCancelled, id)
		return nil
	}

	e.sink.SetStatus(statusCancelling)
	err := e.gateway.Cancel(ctx, id)
	e.finish(ctx, Outcome{PaymentID: id, Kind: OutcomeCancelled, Reason: err, ErrorKind: Classify(err)})

	if err != nil {
		err = fmt.Errorf("cancel payment: %w", err)
		e.logger.WarnContext(ctx, "gateway cancel failed", slog.String("payment_id", id), slog.Any("error", err))
		e.surface(ctx, err)
		return err
	}
	if p.Recovered {
		e.sink.SetStatus(statusRecoveredCancel)
	} else {
		e.sink.SetStatus(statusCancelled)
	}
	return nil
}

func (e *Engine) providerError(ctx context.Context, err error, id string) {
	if err == nil {
		err = errors.New("unknown provider error")
	}
	if id == "" {
		e.mu.Lock()
		if e.pending != nil {
			id = e.pending.ID
		}
		e.mu.Unlock()
	}
	if id == "" {
		e.logger.ErrorContext(ctx, "provider error without payment", slog.Any("error", err))
		e.surface(ctx, err)
		return
	}
	e.fail(ctx, id, err)
}

// preempt cancels a superseded payment. Its slot has already been released.
func (e *Engine) preempt(ctx context.Context, id string) {
	e.logger.InfoContext(ctx, "cancelling previous pending payment", slog.String("payment_id", id))
	e.sink.SetStatus(statusPreempting)

	err := e.gateway.Cancel(ctx, id)
	if err != nil {
		e.logger.WarnContext(ctx, "gateway cancel of superseded payment failed",
			slog.String("payment_id", id),
			slog.Any("error", err),
		)
	}
	if ab, ok := e.provider.(Abandoner); ok {
		ab.Abandon(ctx, id)
	}
	e.finish(ctx, Outcome{PaymentID: id, Kind: OutcomeCancelled, Reason: err, ErrorKind: Classify(err)})
}

// fail records Failed for id if it is still the pending payment.
func (e *Engine) fail(ctx context.Context, id string, err error) {
	if _, ok := e.clearIfCurrent(id); !ok {
		e.logger.InfoContext(ctx, "dropping failure for superseded payment",
			slog.String("payment_id", id),
			slog.Any("error", err),
		)
		return
	}
	kind := Classify(err)
	e.logger.ErrorContext(ctx, "payment failed",
		slog.String("payment_id", id),
		slog.String("kind", string(kind)),
		slog.Any("error", err),
	)
	e.finish(ctx, Outcome{PaymentID: id, Kind: OutcomeFailed, Reason: err, ErrorKind: kind})
	e.surface(ctx, err)
}

// surface reports a classified error to the sink. NotInitialized gets one
// re-initialization attempt; if that fails the reload is announced and requested.
func (e *Engine) surface(ctx context.Context, err error) {
	kind := Classify(err)
	e.sink.SetStatus(statusFor(kind, err))
	e.sink.SetButtonEnabled(true)

	if kind != KindNotInitialized {
		return
	}
	if e.provider == nil {
		e.sink.SetStatus(statusFor(KindProviderUnavailable, ErrProviderUnavailable))
		return
	}

	e.logger.InfoContext(ctx, "re-initializing provider")
	if rerr := e.provider.Initialize(ctx, e.sdkVersion, e.sandbox); rerr != nil {
		e.logger.ErrorContext(ctx, "provider re-initialization failed, requesting reload", slog.Any("error", rerr))
		e.sink.Alert(alertReload)
		e.sink.RequestReload()
		return
	}
	e.sink.SetStatus(statusReinitialized)
}

func (e *Engine) finish(ctx context.Context, o Outcome) {
	e.logger.InfoContext(ctx, "payment finished",
		slog.String("payment_id", o.PaymentID),
		slog.String("outcome", string(o.Kind)),
	)
	e.sink.SetButtonEnabled(true)
	if e.onOutcome != nil {
		e.onOutcome(o)
	}
}

func (e *Engine) clearIfCurrent(id string) (PendingPayment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || e.pending.ID != id {
		return PendingPayment{}, false
	}
	p := *e.pending
	e.pending = nil
	return p, true
}

func (e *Engine) discard(ctx context.Context, kind EventKind, id string) {
	e.logger.InfoContext(ctx, "discarding callback for non-current payment",
		slog.String("kind", kind.String()),
		slog.String("payment_id", id),
	)
}

func (e *Engine) accessToken() string {
	if e.sessions == nil {
		return ""
	}
	return e.sessions.AccessToken()
}

type discardSink struct{}

func (discardSink) SetStatus(string)                       {}
func (discardSink) SetButtonEnabled(bool)                  {}
func (discardSink) ShowPendingPaymentChoice(PendingChoice) {}
func (discardSink) Alert(string)                           {}
func (discardSink) RequestReload()                         {}
