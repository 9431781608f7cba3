// Package gateway is the client side of the payment gateway service. It
// implements payments.Gateway over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pipay/internal/hmacauth"
	"pipay/internal/payments"
)

const (
	pathApprove    = "/api/payments/approve"
	pathComplete   = "/api/payments/complete"
	pathCancel     = "/api/payments/cancel"
	pathIncomplete = "/api/payments/incomplete"
	pathMe         = "/api/me"
	pathVerify     = "/api/verify"
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HMACSecret string
}

type Client struct {
	rc     *resty.Client
	signer hmacauth.Signer
	tracer trace.Tracer
	logger *slog.Logger
}

var _ payments.Gateway = (*Client)(nil)

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json")
	return &Client{
		rc:     rc,
		signer: hmacauth.Signer{Secret: cfg.HMACSecret},
		tracer: otel.Tracer("pipay/gateway"),
		logger: logger.With(slog.String("component", "gateway-client")),
	}
}

// Response is the common envelope returned by the gateway endpoints.
type Response struct {
	Status    string `json:"status,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	TxID      string `json:"txid,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

func (c *Client) Approve(ctx context.Context, paymentID, accessToken string) error {
	body := map[string]string{"paymentId": paymentID, "accessToken": accessToken}
	_, err := c.post(ctx, "approve", pathApprove, paymentID, body, nil)
	return err
}

func (c *Client) Complete(ctx context.Context, paymentID, txID string) error {
	body := map[string]string{"paymentId": paymentID, "txid": txID}
	_, err := c.post(ctx, "complete", pathComplete, paymentID, body, nil)
	return err
}

func (c *Client) Cancel(ctx context.Context, paymentID string) error {
	body := map[string]string{"paymentId": paymentID}
	_, err := c.post(ctx, "cancel", pathCancel, paymentID, body, nil)
	return err
}

type incompleteResponse struct {
	PendingPayments []wirePayment `json:"pendingPayments"`
	Warning         string        `json:"warning,omitempty"`
	Error           string        `json:"error,omitempty"`
}

type wirePayment struct {
	Identifier string `json:"identifier"`
	Status     struct {
		DeveloperCompleted bool `json:"developer_completed"`
		Cancelled          bool `json:"cancelled"`
		UserCancelled      bool `json:"user_cancelled"`
	} `json:"status"`
	Transaction *struct {
		TxID string `json:"txid"`
	} `json:"transaction"`
}

func (w wirePayment) toIncomplete() payments.IncompletePayment {
	p := payments.IncompletePayment{ID: w.Identifier, Status: "pending"}
	switch {
	case w.Status.DeveloperCompleted:
		p.Status = payments.StatusCompleted
	case w.Status.Cancelled || w.Status.UserCancelled:
		p.Status = "cancelled"
	}
	if w.Transaction != nil && w.Transaction.TxID != "" {
		p.Transaction = &payments.TransactionRef{TxID: w.Transaction.TxID}
	}
	return p
}

// Incomplete lists the signed-in user's unresolved payments. The gateway
// answers with an empty list when the platform cannot be reached.
func (c *Client) Incomplete(ctx context.Context, accessToken string) ([]payments.IncompletePayment, error) {
	var out incompleteResponse
	if _, err := c.post(ctx, "incomplete", pathIncomplete, "", map[string]string{"accessToken": accessToken}, &out); err != nil {
		return nil, err
	}
	if out.Warning != "" {
		c.logger.WarnContext(ctx, "incomplete payments unavailable", slog.String("warning", out.Warning))
	}
	list := make([]payments.IncompletePayment, 0, len(out.PendingPayments))
	for _, w := range out.PendingPayments {
		list = append(list, w.toIncomplete())
	}
	return list, nil
}

type User struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

func (c *Client) Me(ctx context.Context, accessToken string) (User, error) {
	var u User
	_, err := c.post(ctx, "me", pathMe, "", map[string]string{"accessToken": accessToken}, &u)
	return u, err
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	User  *User  `json:"user,omitempty"`
	Error string `json:"error,omitempty"`
}

// Verify reports whether accessToken is still accepted by the platform.
func (c *Client) Verify(ctx context.Context, accessToken string) (bool, error) {
	var out verifyResponse
	raw, err := c.send(ctx, "verify", pathVerify, "", map[string]string{"accessToken": accessToken})
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw.Body(), &out); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return out.Valid, nil
}

func (c *Client) post(ctx context.Context, op, path, paymentID string, body, out any) (Response, error) {
	resp, err := c.send(ctx, op, path, paymentID, body)
	if err != nil {
		return Response{}, err
	}

	var env Response
	_ = json.Unmarshal(resp.Body(), &env)
	if env.Error != "" || env.Status == "error" || resp.IsError() {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		if msg == "" {
			msg = resp.Status()
		}
		return env, &payments.GatewayError{Op: op, StatusCode: resp.StatusCode(), Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return env, fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return env, nil
}

func (c *Client) send(ctx context.Context, op, path, paymentID string, body any) (*resty.Response, error) {
	ctx, span := c.tracer.Start(ctx, "gateway."+op)
	defer span.End()
	if paymentID != "" {
		span.SetAttributes(attribute.String("payment.id", paymentID))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	c.logger.DebugContext(ctx, "gateway call started", slog.String("op", op), slog.String("payment_id", paymentID))
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(c.signer.Headers(payload)).
		SetBody(payload).
		Post(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("gateway %s: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Status())
	}
	c.logger.DebugContext(ctx, "gateway call completed",
		slog.String("op", op),
		slog.String("payment_id", paymentID),
		slog.Int("status", resp.StatusCode()),
	)
	return resp, nil
}
