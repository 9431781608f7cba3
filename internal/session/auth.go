package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"pipay/internal/payments"
)

var (
	LoginScopes   = []string{"username", "payments", "wallet_address"}
	RefreshScopes = []string{"username", "payments"}

	ErrNoSession = errors.New("no stored session")
)

type User struct {
	UID      string
	Username string
}

type AuthResult struct {
	AccessToken string
	User        User
}

// Authenticator signs the user in with the provider. onIncomplete is called
// for each payment the provider still considers unresolved.
type Authenticator interface {
	Authenticate(ctx context.Context, scopes []string, onIncomplete func(payments.IncompletePayment)) (AuthResult, error)
}

// Recoverer adopts incomplete payments. *payments.Engine implements it.
type Recoverer interface {
	RecoverIncomplete(ctx context.Context, p payments.IncompletePayment) error
}

type initializer interface {
	Initialize(ctx context.Context, version string, sandbox bool) error
}

type Manager struct {
	auth      Authenticator
	store     Store
	recoverer Recoverer
	logger    *slog.Logger
	now       func() time.Time

	SDKVersion string
	Sandbox    bool
}

func NewManager(auth Authenticator, store Store, recoverer Recoverer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		auth:       auth,
		store:      store,
		recoverer:  recoverer,
		logger:     logger.With(slog.String("component", "session")),
		now:        time.Now,
		SDKVersion: payments.DefaultSDKVersion,
	}
}

// Login authenticates with the full scope set and replaces the stored session.
func (m *Manager) Login(ctx context.Context) (Session, error) {
	if err := m.initialize(ctx); err != nil {
		return Session{}, err
	}
	res, err := m.auth.Authenticate(ctx, LoginScopes, m.onIncomplete(ctx))
	if err != nil {
		return Session{}, fmt.Errorf("authenticate: %w", err)
	}
	s := Session{
		AccessToken:   res.AccessToken,
		Username:      res.User.Username,
		UID:           res.User.UID,
		CachedBalance: decimal.Zero,
		UpdatedAt:     m.now(),
	}
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	m.logger.InfoContext(ctx, "signed in", slog.String("username", s.Username))
	return s, nil
}

// Reauthenticate refreshes a stored session. A failed refresh keeps the
// existing session. Token and username are only rewritten when the token changed.
func (m *Manager) Reauthenticate(ctx context.Context) (Session, error) {
	cur, ok, err := m.store.Load(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok || cur.AccessToken == "" {
		return Session{}, ErrNoSession
	}

	if err := m.initialize(ctx); err != nil {
		m.logger.WarnContext(ctx, "re-authentication skipped", slog.Any("error", err))
		return cur, nil
	}
	res, err := m.auth.Authenticate(ctx, RefreshScopes, m.onIncomplete(ctx))
	if err != nil {
		m.logger.WarnContext(ctx, "re-authentication failed, keeping existing token", slog.Any("error", err))
		return cur, nil
	}

	if res.AccessToken != cur.AccessToken {
		cur.AccessToken = res.AccessToken
		if res.User.Username != "" {
			cur.Username = res.User.Username
		}
		cur.UpdatedAt = m.now()
		if err := m.store.Save(ctx, cur); err != nil {
			return cur, fmt.Errorf("save session: %w", err)
		}
		m.logger.InfoContext(ctx, "access token refreshed", slog.String("username", cur.Username))
	}
	return cur, nil
}

func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Clear(ctx)
}

func (m *Manager) initialize(ctx context.Context) error {
	p, ok := m.auth.(initializer)
	if !ok {
		return nil
	}
	if err := p.Initialize(ctx, m.SDKVersion, m.Sandbox); err != nil {
		return fmt.Errorf("initialize provider: %w", err)
	}
	return nil
}

func (m *Manager) onIncomplete(ctx context.Context) func(payments.IncompletePayment) {
	return func(p payments.IncompletePayment) {
		m.logger.InfoContext(ctx, "incomplete payment reported", slog.String("payment_id", p.ID))
		if m.recoverer == nil {
			return
		}
		if err := m.recoverer.RecoverIncomplete(ctx, p); err != nil {
			m.logger.ErrorContext(ctx, "recover incomplete payment", slog.String("payment_id", p.ID), slog.Any("error", err))
		}
	}
}
