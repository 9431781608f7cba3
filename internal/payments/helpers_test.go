package payments

import (
	"context"
	"sync"
)

type gatewayCall struct {
	Op        string
	PaymentID string
	Arg       string
}

type stubGateway struct {
	mu    sync.Mutex
	calls []gatewayCall

	approveErr  error
	completeErr error
	cancelErr   error

	// onComplete runs before Complete returns, with no engine lock held.
	onComplete func(id string)
	onApprove  func(id string)
}

func (g *stubGateway) record(c gatewayCall) {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	g.mu.Unlock()
}

func (g *stubGateway) Approve(_ context.Context, id, token string) error {
	g.record(gatewayCall{Op: "approve", PaymentID: id, Arg: token})
	if g.onApprove != nil {
		g.onApprove(id)
	}
	return g.approveErr
}

func (g *stubGateway) Complete(_ context.Context, id, txID string) error {
	g.record(gatewayCall{Op: "complete", PaymentID: id, Arg: txID})
	if g.onComplete != nil {
		g.onComplete(id)
	}
	return g.completeErr
}

func (g *stubGateway) Cancel(_ context.Context, id string) error {
	g.record(gatewayCall{Op: "cancel", PaymentID: id})
	return g.cancelErr
}

func (g *stubGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

func (g *stubGateway) count(op string) int {
	n := 0
	for _, c := range g.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

type stubProvider struct {
	mu        sync.Mutex
	inits     int
	initErrs  []error
	started   []PaymentIntent
	startErr  error
	startErrs []error
	onStarted func(intent PaymentIntent, h EventHandler)

	// open is returned by Abandon(""); abandoned records every call.
	open      string
	abandoned []string
}

func (p *stubProvider) Initialize(context.Context, string, bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	if len(p.initErrs) == 0 {
		return nil
	}
	err := p.initErrs[0]
	p.initErrs = p.initErrs[1:]
	return err
}

func (p *stubProvider) StartPayment(_ context.Context, intent PaymentIntent, h EventHandler) error {
	p.mu.Lock()
	p.started = append(p.started, intent)
	fn := p.onStarted
	err := p.startErr
	if len(p.startErrs) > 0 {
		err = p.startErrs[0]
		p.startErrs = p.startErrs[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(intent, h)
	}
	return nil
}

func (p *stubProvider) Abandon(_ context.Context, id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = append(p.abandoned, id)
	if id != "" {
		return id, true
	}
	if p.open == "" {
		return "", false
	}
	dropped := p.open
	p.open = ""
	return dropped, true
}

func (p *stubProvider) Abandoned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.abandoned...)
}

func (p *stubProvider) Inits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []string
	button   []bool
	choices  []PendingChoice
	alerts   []string
	reloads  int
}

func (s *recordingSink) SetStatus(text string) {
	s.mu.Lock()
	s.statuses = append(s.statuses, text)
	s.mu.Unlock()
}

func (s *recordingSink) SetButtonEnabled(enabled bool) {
	s.mu.Lock()
	s.button = append(s.button, enabled)
	s.mu.Unlock()
}

func (s *recordingSink) ShowPendingPaymentChoice(c PendingChoice) {
	s.mu.Lock()
	s.choices = append(s.choices, c)
	s.mu.Unlock()
}

func (s *recordingSink) Alert(text string) {
	s.mu.Lock()
	s.alerts = append(s.alerts, text)
	s.mu.Unlock()
}

func (s *recordingSink) RequestReload() {
	s.mu.Lock()
	s.reloads++
	s.mu.Unlock()
}

func (s *recordingSink) lastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

type staticSession string

func (s staticSession) AccessToken() string { return string(s) }

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (l *outcomeLog) add(o Outcome) {
	l.mu.Lock()
	l.outcomes = append(l.outcomes, o)
	l.mu.Unlock()
}

func (l *outcomeLog) all() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.outcomes...)
}

type harness struct {
	engine   *Engine
	gateway  *stubGateway
	provider *stubProvider
	sink     *recordingSink
	outcomes *outcomeLog
}

func newHarness(ids ...string) *harness {
	h := &harness{
		gateway:  &stubGateway{},
		provider: &stubProvider{},
		sink:     &recordingSink{},
		outcomes: &outcomeLog{},
	}
	if len(ids) == 0 {
		ids = []string{"p1"}
	}
	next := 0
	h.engine = NewEngine(Deps{
		Provider: h.provider,
		Gateway:  h.gateway,
		Sessions: staticSession("token-1"),
		Sink:     h.sink,
	},
		WithOutcomeHandler(h.outcomes.add),
		WithIDGenerator(func() string {
			id := ids[next%len(ids)]
			next++
			return id
		}),
	)
	return h
}
