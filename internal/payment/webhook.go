package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-kashier/internal/account"
	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/common"
	"github.com/noah-isme/backend-kashier/internal/obs"
	"github.com/noah-isme/backend-kashier/internal/pending"
	"github.com/noah-isme/backend-kashier/internal/signature"
)

// SignatureHeader carries the gateway's hex HMAC.
const SignatureHeader = "x-kashier-signature"

// Class selects canonicalisation and the downstream call for a webhook route.
type Class string

const (
	// ClassPayment activates subscriptions; values are concatenated.
	ClassPayment Class = "payment"
	// ClassOrder marks orders paid; values are query-encoded.
	ClassOrder Class = "order"
)

// Canonicalizer returns the signing variant used by the class.
func (c Class) Canonicalizer() signature.Canonicalizer {
	if c == ClassOrder {
		return signature.Query
	}
	return signature.Concat
}

// Gateway payment statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusPending = "PENDING"
)

// Webhook outcomes, used as the result label and in logs.
const (
	ResultConfigError      = "config_error"
	ResultMissingSignature = "missing_signature"
	ResultBadPayload       = "bad_payload"
	ResultBadSignature     = "bad_signature"
	ResultActivated        = "activated"
	ResultActivationFailed = "activation_failed"
	ResultSkipped          = "skipped"
	ResultStatusUpdated    = "status_updated"
	ResultStatusFailed     = "status_update_failed"
	ResultUnhandled        = "unhandled"
)

// Accounts is the downstream service the webhook drives.
type Accounts interface {
	Activate(ctx context.Context, authToken string, a account.Activation) error
	MarkOrderPaid(ctx context.Context, authToken string, p account.OrderPayment) error
	UpdateStatus(ctx context.Context, orderID, status string) error
}

// Webhook verifies gateway callbacks and performs the one-time side effect.
// The atomic consume of the pending credential is the only duplicate guard:
// a redelivered SUCCESS finds nothing and is skipped.
type Webhook struct {
	Class    Class
	Secret   string
	Store    pending.Store
	Accounts Accounts
	Statuses StatusStore
	Plan     PlanPolicy
	Logger   zerolog.Logger
	Clock    clock.Clock
}

type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type webhookData struct {
	MerchantOrderID string
	Status          string
	Amount          decimal.Decimal
	Currency        string
	TransactionID   string
}

// Handle implements http.HandlerFunc.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("payment").Start(r.Context(), "payment.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.class", string(h.Class)))

	logger := h.Logger.With().Str("class", string(h.Class)).Logger()
	reject := func(status int, code, message, result string) {
		span.SetAttributes(attribute.String("webhook.result", result))
		obs.IncWebhook(string(h.Class), result)
		logger.Warn().Str("result", result).Int("status", status).Msg("webhook rejected")
		common.JSONError(w, status, code, message, nil)
	}

	if h.Secret == "" || h.Accounts == nil {
		reject(http.StatusInternalServerError, common.CodeConfiguration, "webhook secret not configured", ResultConfigError)
		return
	}
	received := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if received == "" {
		reject(http.StatusUnauthorized, common.CodeAuthentication, "missing signature header", ResultMissingSignature)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		reject(http.StatusBadRequest, common.CodeStructural, "invalid payload structure", ResultBadPayload)
		return
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Data) == 0 {
		reject(http.StatusBadRequest, common.CodeStructural, "invalid payload structure", ResultBadPayload)
		return
	}
	keys, fields, err := signature.ParseFields(env.Data)
	if err != nil {
		reject(http.StatusBadRequest, common.CodeStructural, "invalid payload structure", ResultBadPayload)
		return
	}
	if ok, _ := signature.NewVerifier(h.Class.Canonicalizer()).Verify(h.Secret, keys, fields, received); !ok {
		reject(http.StatusUnauthorized, common.CodeAuthentication, "invalid signature", ResultBadSignature)
		return
	}

	// Authenticated from here on; the gateway always gets 200.
	data := parseWebhookData(fields)
	logger = logger.With().
		Str("order_id", data.MerchantOrderID).
		Str("event", env.Event).
		Str("status", data.Status).
		Str("transaction_id", data.TransactionID).
		Time("received_at", h.now()).
		Logger()
	span.SetAttributes(attribute.String("order.id", data.MerchantOrderID), attribute.String("payment.status", data.Status))

	// The credential may already be consumed, so the side effect must not be
	// cut short by the gateway closing the connection.
	result := h.dispatch(context.WithoutCancel(ctx), logger, data)

	span.SetAttributes(attribute.String("webhook.result", result))
	obs.IncWebhook(string(h.Class), result)
	common.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h Webhook) dispatch(ctx context.Context, logger zerolog.Logger, data webhookData) string {
	switch data.Status {
	case StatusSuccess:
		return h.settle(ctx, logger, data)
	case StatusFailed, StatusPending:
		if err := h.Accounts.UpdateStatus(ctx, data.MerchantOrderID, data.Status); err != nil {
			logger.Error().Err(err).Str("result", ResultStatusFailed).Msg("payment status update failed")
			h.record(ctx, logger, data, ResultStatusFailed, false)
			return ResultStatusFailed
		}
		logger.Info().Str("result", ResultStatusUpdated).Msg("payment status updated")
		h.record(ctx, logger, data, ResultStatusUpdated, false)
		return ResultStatusUpdated
	default:
		logger.Warn().Str("result", ResultUnhandled).Msg("unhandled payment status")
		return ResultUnhandled
	}
}

func (h Webhook) settle(ctx context.Context, logger zerolog.Logger, data webhookData) string {
	var (
		token string
		err   error
	)
	if h.Store == nil {
		err = errors.New("pending store not configured")
	} else {
		token, err = pending.Consume(ctx, h.Store, data.MerchantOrderID)
	}
	switch {
	case errors.Is(err, pending.ErrNotFound):
		logger.Info().Str("result", ResultSkipped).Msg("no pending credential, delivery already handled or expired")
		return ResultSkipped
	case err != nil:
		logger.Error().Err(err).Str("result", ResultSkipped).Msg("pending credential lookup failed")
		return ResultSkipped
	}

	if err := h.activate(ctx, token, data); err != nil {
		evt := logger.Error().Err(err).Str("result", ResultActivationFailed)
		var callErr *account.CallError
		if errors.As(err, &callErr) && callErr.StatusCode > 0 {
			evt = evt.Int("response_status", callErr.StatusCode)
		}
		evt.Msg("activation failed")
		h.record(ctx, logger, data, ResultActivationFailed, false)
		return ResultActivationFailed
	}
	logger.Info().Str("result", ResultActivated).Msg("payment activated")
	h.record(ctx, logger, data, ResultActivated, true)
	return ResultActivated
}

func (h Webhook) activate(ctx context.Context, token string, data webhookData) error {
	// The account service correlates payments by merchant order id; the
	// gateway transaction id is only logged.
	operationID := data.MerchantOrderID
	if h.Class == ClassOrder {
		return h.Accounts.MarkOrderPaid(ctx, token, account.OrderPayment{
			OrderID:            data.MerchantOrderID,
			PaymentOperationID: operationID,
			PaymentAmount:      data.Amount,
			Currency:           data.Currency,
		})
	}
	return h.Accounts.Activate(ctx, token, account.Activation{
		CountryCode:        h.Plan.CountryCode,
		Domain:             h.Plan.Domain,
		DaysToAdd:          h.Plan.DaysToAdd(data.Amount),
		PaymentAmount:      data.Amount,
		Currency:           data.Currency,
		PaymentOperationID: operationID,
	})
}

func (h Webhook) record(ctx context.Context, logger zerolog.Logger, data webhookData, result string, activated bool) {
	if h.Statuses == nil || data.MerchantOrderID == "" {
		return
	}
	err := h.Statuses.Put(ctx, Outcome{
		OrderID:   data.MerchantOrderID,
		Status:    data.Status,
		Result:    result,
		Activated: activated,
		ClearCart: activated,
		UpdatedAt: h.now(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("record payment outcome")
	}
}

func (h Webhook) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now()
	}
	return time.Now().UTC()
}

func parseWebhookData(fields map[string]string) webhookData {
	amount, err := decimal.NewFromString(strings.TrimSpace(fields["amount"]))
	if err != nil {
		amount = decimal.Zero
	}
	return webhookData{
		MerchantOrderID: strings.TrimSpace(fields["merchantOrderId"]),
		Status:          strings.TrimSpace(fields["status"]),
		Amount:          amount,
		Currency:        strings.TrimSpace(fields["currency"]),
		TransactionID:   strings.TrimSpace(fields["transactionId"]),
	}
}
