package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "https://api.minepi.com/v2"
	sdkVersion     = "2.0"
	userAgent      = "pipay-gateway/1.0"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls the platform over HTTPS. App-key requests try the Bearer
// scheme first and retry once with the Key scheme when that is refused.
type HTTPClient struct {
	rc     *resty.Client
	apiKey string
	logger *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json").
		SetHeader("X-Pi-SDK-Version", sdkVersion).
		SetHeader("User-Agent", userAgent)
	return &HTTPClient{rc: rc, apiKey: cfg.APIKey, logger: logger}
}

func (c *HTTPClient) Approve(ctx context.Context, paymentID string) (Payment, error) {
	var out Payment
	err := c.appCall(ctx, "approve", paymentPath(paymentID, "approve"), map[string]any{}, &out)
	return out, err
}

func (c *HTTPClient) Complete(ctx context.Context, paymentID, txID string) (Payment, error) {
	var out Payment
	err := c.appCall(ctx, "complete", paymentPath(paymentID, "complete"), map[string]string{"txid": txID}, &out)
	return out, err
}

func (c *HTTPClient) Cancel(ctx context.Context, paymentID string) (Payment, error) {
	var out Payment
	err := c.appCall(ctx, "cancel", paymentPath(paymentID, "cancel"), map[string]any{}, &out)
	return out, err
}

func (c *HTTPClient) Incomplete(ctx context.Context, accessToken string) ([]Payment, error) {
	var out []Payment
	err := c.userCall(ctx, "incomplete", "/payments/incomplete", accessToken, &out)
	return out, err
}

func (c *HTTPClient) Me(ctx context.Context, accessToken string) (User, error) {
	var out User
	err := c.userCall(ctx, "me", "/me", accessToken, &out)
	return out, err
}

func (c *HTTPClient) Wallet(ctx context.Context, accessToken string) (Wallet, error) {
	var out Wallet
	err := c.userCall(ctx, "wallet", "/wallet", accessToken, &out)
	return out, err
}

// Ping checks reachability only; any HTTP answer counts as up.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.rc.R().SetContext(ctx).Head("/")
	if err != nil {
		return fmt.Errorf("platform unreachable: %w", err)
	}
	return nil
}

func paymentPath(paymentID, action string) string {
	return "/payments/" + url.PathEscape(paymentID) + "/" + action
}

func (c *HTTPClient) appCall(ctx context.Context, op, path string, body, out any) error {
	resp, err := c.post(ctx, path, "Bearer "+c.apiKey, body)
	if err != nil {
		return fmt.Errorf("platform %s: %w", op, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.logger.WarnContext(ctx, "platform refused Bearer authorization, retrying with Key",
			slog.String("op", op),
			slog.String("body", resp.String()),
		)
		resp, err = c.post(ctx, path, "Key "+c.apiKey, body)
		if err != nil {
			return fmt.Errorf("platform %s: %w", op, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			c.logger.ErrorContext(ctx, "platform refused Key authorization",
				slog.String("op", op),
				slog.String("body", resp.String()),
			)
			return ErrUnauthorized
		}
	}
	return decode(op, resp, out)
}

func (c *HTTPClient) post(ctx context.Context, path, authorization string, body any) (*resty.Response, error) {
	return c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", authorization).
		SetBody(body).
		Post(path)
}

func (c *HTTPClient) userCall(ctx context.Context, op, path, accessToken string, out any) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Get(path)
	if err != nil {
		return fmt.Errorf("platform %s: %w", op, err)
	}
	return decode(op, resp, out)
}

func decode(op string, resp *resty.Response, out any) error {
	if resp.IsError() {
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode platform %s response: %w", op, err)
	}
	return nil
}
