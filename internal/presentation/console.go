// Package presentation renders engine intents for a terminal.
package presentation

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"pipay/internal/payments"
)

// Console writes status lines to w and queues pending-payment prompts for
// the caller to answer.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	enabled  bool
	status   string
	reload   bool
	choices  chan payments.PendingChoice
	reloadCh chan struct{}
}

var _ payments.Sink = (*Console)(nil)

func NewConsole(w io.Writer) *Console {
	return &Console{
		w:        w,
		enabled:  true,
		choices:  make(chan payments.PendingChoice, 8),
		reloadCh: make(chan struct{}),
	}
}

func (c *Console) SetStatus(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = text
	fmt.Fprintf(c.w, "status: %s\n", text)
}

func (c *Console) SetButtonEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *Console) ShowPendingPaymentChoice(choice payments.PendingChoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, 2)
	for _, ch := range choice.Choices() {
		names = append(names, string(ch))
	}
	fmt.Fprintf(c.w, "pending payment %s: choose %s\n", choice.PaymentID, strings.Join(names, " or "))

	select {
	case c.choices <- choice:
	default:
		// Oldest prompt is superseded by the newest.
		select {
		case <-c.choices:
		default:
		}
		select {
		case c.choices <- choice:
		default:
		}
	}
}

func (c *Console) Alert(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "!! %s\n", text)
}

func (c *Console) RequestReload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reload {
		return
	}
	c.reload = true
	close(c.reloadCh)
}

// Choices delivers prompts raised by ShowPendingPaymentChoice.
func (c *Console) Choices() <-chan payments.PendingChoice { return c.choices }

// ReloadRequested is closed once the engine asks for a restart.
func (c *Console) ReloadRequested() <-chan struct{} { return c.reloadCh }

func (c *Console) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Console) ButtonEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}
