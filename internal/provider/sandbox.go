// Package provider holds the authorization provider adapters. Sandbox is a
// scripted stand-in for the wallet SDK: it emits the same callbacks in the
// same order without a browser or a real wallet.
package provider

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"pipay/internal/payments"
	"pipay/internal/session"
	"pipay/internal/txref"
)

// Script selects how a sandbox payment ends.
type Script string

const (
	// ScriptComplete approves, signs and reports the transaction.
	ScriptComplete Script = "complete"
	// ScriptCancel approves, then the user cancels.
	ScriptCancel Script = "cancel"
	// ScriptError approves, then the provider reports an error.
	ScriptError Script = "error"
	// ScriptAbandon signs the transaction but never reports it, leaving an
	// incomplete payment for the next authentication.
	ScriptAbandon Script = "abandon"
)

func ParseScript(s string) (Script, error) {
	switch Script(s) {
	case ScriptComplete, ScriptCancel, ScriptError, ScriptAbandon:
		return Script(s), nil
	}
	return "", fmt.Errorf("unknown sandbox script %q", s)
}

var (
	errNotInitialized = errors.New("sdk not initialized: call Initialize before using the provider")
	errPendingPayment = errors.New("a pending payment needs to be handled before creating a new one")
	errUnsupported    = errors.New("unsupported SDK version")
)

type Option func(*Sandbox)

func WithScript(s Script) Option { return func(sb *Sandbox) { sb.script = s } }

// WithDelay spaces the emitted callbacks.
func WithDelay(d time.Duration) Option { return func(sb *Sandbox) { sb.delay = d } }

func WithLogger(l *slog.Logger) Option {
	return func(sb *Sandbox) {
		if l != nil {
			sb.logger = l
		}
	}
}

// WithUser fixes the identity returned by Authenticate.
func WithUser(u session.User) Option { return func(sb *Sandbox) { sb.user = u } }

// WithIncomplete seeds a payment left over from an earlier session.
func WithIncomplete(p payments.IncompletePayment) Option {
	return func(sb *Sandbox) { sb.incomplete = append(sb.incomplete, p) }
}

type Sandbox struct {
	mu          sync.Mutex
	initialized bool
	version     string
	sandbox     bool
	open        string
	abandoned   map[string]struct{}
	incomplete  []payments.IncompletePayment

	script Script
	delay  time.Duration
	user   session.User
	logger *slog.Logger
	wg     sync.WaitGroup
}

var _ payments.Provider = (*Sandbox)(nil)
var _ payments.Abandoner = (*Sandbox)(nil)
var _ session.Authenticator = (*Sandbox)(nil)

func NewSandbox(opts ...Option) *Sandbox {
	sb := &Sandbox{
		script:    ScriptComplete,
		abandoned: make(map[string]struct{}),
		delay:     10 * time.Millisecond,
		user:      session.User{UID: "sandbox-uid", Username: "sandbox"},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(sb)
	}
	sb.logger = sb.logger.With(slog.String("component", "sandbox-provider"))
	return sb
}

func (s *Sandbox) Initialize(ctx context.Context, version string, sandbox bool) error {
	if version == "" {
		return errUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.version != version || s.sandbox != sandbox {
		s.logger.DebugContext(ctx, "sdk initialized", slog.String("version", version), slog.Bool("sandbox", sandbox))
	}
	s.initialized = true
	s.version = version
	s.sandbox = sandbox
	return nil
}

// Reset drops initialization, as a page reload would.
func (s *Sandbox) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
}

func (s *Sandbox) Authenticate(ctx context.Context, scopes []string, onIncomplete func(payments.IncompletePayment)) (session.AuthResult, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return session.AuthResult{}, errNotInitialized
	}
	// One incomplete payment per authentication; the rest wait for the next.
	var pending *payments.IncompletePayment
	if len(s.incomplete) > 0 {
		p := s.incomplete[0]
		pending = &p
		s.incomplete = s.incomplete[1:]
	}
	user := s.user
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "authenticated", slog.Any("scopes", scopes), slog.Bool("incomplete", pending != nil))
	if onIncomplete != nil && pending != nil {
		onIncomplete(*pending)
	}
	return session.AuthResult{
		AccessToken: "sandbox_" + uuid.NewString(),
		User:        user,
	}, nil
}

func (s *Sandbox) StartPayment(ctx context.Context, intent payments.PaymentIntent, h payments.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	if s.open != "" {
		return errPendingPayment
	}
	s.open = intent.ID

	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx), intent.ID, s.script, h)
	return nil
}

// Abandon forgets the open payment, as the wallet does when its dialog is
// dismissed. Callbacks already scheduled for it still fire.
func (s *Sandbox) Abandon(ctx context.Context, id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == "" || (id != "" && s.open != id) {
		return "", false
	}
	dropped := s.open
	s.open = ""
	s.abandoned[dropped] = struct{}{}
	s.logger.InfoContext(ctx, "open payment abandoned", slog.String("payment_id", dropped))
	return dropped, true
}

// Wait blocks until every scripted payment has delivered its last callback.
func (s *Sandbox) Wait() {
	s.wg.Wait()
}

func (s *Sandbox) run(ctx context.Context, id string, script Script, h payments.EventHandler) {
	defer s.wg.Done()

	s.pause()
	h.HandleEvent(ctx, payments.ReadyForApproval(id))
	s.pause()

	switch script {
	case ScriptCancel:
		s.close(id)
		h.HandleEvent(ctx, payments.Cancelled(id))
	case ScriptError:
		s.close(id)
		h.HandleEvent(ctx, payments.Errored(errors.New("payment expired before the user signed it"), id))
	case ScriptAbandon:
		tx := newTxID()
		s.mu.Lock()
		if s.open == id {
			s.open = ""
		}
		if _, dropped := s.abandoned[id]; !dropped {
			s.incomplete = append(s.incomplete, payments.IncompletePayment{
				ID:          id,
				Status:      "pending",
				Transaction: &payments.TransactionRef{TxID: tx},
			})
		}
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "payment abandoned after signing", slog.String("payment_id", id))
	default:
		tx := newTxID()
		s.close(id)
		h.HandleEvent(ctx, payments.ReadyForCompletion(id, tx))
	}
}

func (s *Sandbox) close(id string) {
	s.mu.Lock()
	if s.open == id {
		s.open = ""
	}
	s.mu.Unlock()
}

func (s *Sandbox) pause() {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

func newTxID() string {
	var b [common.HashLength]byte
	_, _ = rand.Read(b[:])
	return txref.Format(common.BytesToHash(b[:]))
}
