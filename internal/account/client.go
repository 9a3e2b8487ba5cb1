// Package account calls the subscription/order service after a payment settles.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-kashier/internal/obs"
	"github.com/noah-isme/backend-kashier/internal/resilience"
)

// Call names, used for metrics and errors.
const (
	CallActivate      = "activate"
	CallMarkOrderPaid = "mark_order_paid"
	CallUpdateStatus  = "update_status"
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("account: service url not configured")

// CallError describes a failed downstream call.
type CallError struct {
	Call       string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("account %s: status %d", e.Call, e.StatusCode)
	}
	return fmt.Sprintf("account %s: %v", e.Call, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Activation extends the caller's subscription.
type Activation struct {
	CountryCode        string
	Domain             string
	DaysToAdd          int
	PaymentAmount      decimal.Decimal
	Currency           string
	PaymentOperationID string
}

// OrderPayment marks an order paid.
type OrderPayment struct {
	OrderID            string
	PaymentOperationID string
	PaymentAmount      decimal.Decimal
	Currency           string
}

// Client talks to the account service. The breaker in HTTP only guards
// UpdateStatus: Activate and MarkOrderPaid run on a credential that has
// already been consumed, so they are always attempted exactly once.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    resilience.HTTPClient
}

// NewClient builds a client whose requests carry trace context and time out after timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, breaker *resilience.Breaker) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP: resilience.HTTPClient{
			Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker: breaker,
			Timeout: timeout,
		},
	}
}

// Activate extends the subscription of the user owning authToken.
func (c *Client) Activate(ctx context.Context, authToken string, a Activation) error {
	body := map[string]any{
		"CountryCode":        a.CountryCode,
		"Domain":             a.Domain,
		"DaysToAdd":          a.DaysToAdd,
		"PaymentAmount":      json.Number(a.PaymentAmount.String()),
		"Currency":           a.Currency,
		"PaymentOperationId": a.PaymentOperationID,
	}
	return c.post(ctx, c.unguarded(), CallActivate, "/api/v1/subscriptions/activate", bearer(authToken), body)
}

// MarkOrderPaid records a settled order on behalf of the user owning authToken.
func (c *Client) MarkOrderPaid(ctx context.Context, authToken string, p OrderPayment) error {
	body := map[string]any{
		"PaymentOperationId": p.PaymentOperationID,
		"PaymentAmount":      json.Number(p.PaymentAmount.String()),
		"Currency":           p.Currency,
	}
	path := "/api/v1/orders/" + url.PathEscape(p.OrderID) + "/paid"
	return c.post(ctx, c.unguarded(), CallMarkOrderPaid, path, bearer(authToken), body)
}

// UpdateStatus reports a non-final or failed payment status. It authenticates
// with the service key since no user credential is involved.
func (c *Client) UpdateStatus(ctx context.Context, orderID, status string) error {
	headers := http.Header{}
	if c.APIKey != "" {
		headers.Set("X-Service-Key", c.APIKey)
	}
	path := "/api/v1/orders/" + url.PathEscape(orderID) + "/payment-status"
	return c.post(ctx, c.HTTP, CallUpdateStatus, path, headers, map[string]any{"Status": status})
}

func (c *Client) unguarded() resilience.HTTPClient {
	hc := c.HTTP
	hc.Breaker = nil
	return hc
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func (c *Client) post(ctx context.Context, hc resilience.HTTPClient, call, path string, headers http.Header, body any) (err error) {
	start := time.Now()
	defer func() {
		if obs.AccountCallLatency != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			obs.AccountCallLatency.WithLabelValues(call, result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	if c.BaseURL == "" {
		return &CallError{Call: call, Err: ErrNotConfigured}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return &CallError{Call: call, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &CallError{Call: call, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, cancel, err := hc.Do(ctx, req)
	defer cancel()
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return &CallError{Call: call, StatusCode: statusErr.StatusCode, Err: err}
		}
		return &CallError{Call: call, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallError{Call: call, StatusCode: resp.StatusCode}
	}
	return nil
}
