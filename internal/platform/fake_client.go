package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FakeClient keeps payments in memory. The gateway uses it when no API key
// is configured so the full flow can be exercised locally.
type FakeClient struct {
	mu       sync.Mutex
	payments map[string]*Payment
	users    map[string]User

	// CompleteErrs are returned, in order, by successive Complete calls.
	CompleteErrs []error
	calls        map[string]int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		payments: make(map[string]*Payment),
		users:    make(map[string]User),
		calls:    make(map[string]int),
	}
}

// AddUser makes accessToken resolve to user.
func (f *FakeClient) AddUser(accessToken string, user User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[accessToken] = user
}

// Seed registers a payment, e.g. an incomplete one left from a prior session.
func (f *FakeClient) Seed(p Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.payments[p.Identifier] = &cp
}

func (f *FakeClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeClient) payment(id string) *Payment {
	p, ok := f.payments[id]
	if !ok {
		p = &Payment{Identifier: id, Amount: decimal.Zero}
		f.payments[id] = p
	}
	return p
}

func (f *FakeClient) Approve(_ context.Context, paymentID string) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["approve"]++
	p := f.payment(paymentID)
	if p.Status.Cancelled {
		return Payment{}, &APIError{Op: "approve", StatusCode: 400, Body: "payment already cancelled"}
	}
	p.Status.DeveloperApproved = true
	return *p, nil
}

func (f *FakeClient) Complete(_ context.Context, paymentID, txID string) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["complete"]++
	if len(f.CompleteErrs) > 0 {
		err := f.CompleteErrs[0]
		f.CompleteErrs = f.CompleteErrs[1:]
		if err != nil {
			return Payment{}, err
		}
	}
	p := f.payment(paymentID)
	if p.Status.Cancelled {
		return Payment{}, &APIError{Op: "complete", StatusCode: 400, Body: "payment already cancelled"}
	}
	p.Status.DeveloperApproved = true
	p.Status.TransactionVerified = true
	p.Status.DeveloperCompleted = true
	p.Transaction = &Transaction{TxID: txID, Verified: true}
	return *p, nil
}

func (f *FakeClient) Cancel(_ context.Context, paymentID string) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["cancel"]++
	p := f.payment(paymentID)
	if p.Status.DeveloperCompleted {
		return Payment{}, &APIError{Op: "cancel", StatusCode: 400, Body: "payment already completed"}
	}
	p.Status.Cancelled = true
	return *p, nil
}

func (f *FakeClient) Incomplete(_ context.Context, accessToken string) ([]Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[accessToken]
	if !ok {
		return nil, &APIError{Op: "incomplete", StatusCode: 401, Body: "invalid access token"}
	}
	var out []Payment
	for _, p := range f.payments {
		if p.UserUID != user.UID {
			continue
		}
		if p.Status.DeveloperCompleted || p.Status.Cancelled || p.Status.UserCancelled {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (f *FakeClient) Me(_ context.Context, accessToken string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[accessToken]
	if !ok {
		return User{}, &APIError{Op: "me", StatusCode: 401, Body: "invalid access token"}
	}
	return user, nil
}

func (f *FakeClient) Wallet(ctx context.Context, accessToken string) (Wallet, error) {
	user, err := f.Me(ctx, accessToken)
	if err != nil {
		return Wallet{}, fmt.Errorf("wallet: %w", err)
	}
	if user.UID == "" {
		return Wallet{}, errors.New("wallet: user without uid")
	}
	return Wallet{Address: "G" + user.UID, Balance: decimal.Zero}, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }
