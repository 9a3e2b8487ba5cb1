package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/common"
	"github.com/noah-isme/backend-kashier/internal/config"
	"github.com/noah-isme/backend-kashier/internal/obs"
	"github.com/noah-isme/backend-kashier/internal/pending"
	"github.com/noah-isme/backend-kashier/internal/signature"
)

// OrderDescriptor is what the customer pays for. It must not change once the
// hosted checkout URL has been issued.
type OrderDescriptor struct {
	OrderID           string          `json:"orderId" validate:"required,max=128"`
	Amount            decimal.Decimal `json:"amount" validate:"required,positive"`
	Currency          string          `json:"currency" validate:"required,iso4217"`
	CustomerEmail     string          `json:"email" validate:"required,email"`
	CustomerFirstName string          `json:"firstName" validate:"required"`
	CustomerLastName  string          `json:"lastName"`
	PlanID            string          `json:"planId,omitempty" validate:"omitempty,max=64"`
}

// MissingFieldsError lists required checkout fields that were absent.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// IntentBuilder signs order descriptors into hosted checkout URLs.
type IntentBuilder struct {
	Kashier config.Kashier
	Store   pending.Store
	Clock   clock.Clock
	Logger  zerolog.Logger

	validate *validator.Validate
}

// NewIntentBuilder wires a builder. store may be nil when auth tokens are never passed.
func NewIntentBuilder(k config.Kashier, store pending.Store, logger zerolog.Logger) *IntentBuilder {
	return &IntentBuilder{Kashier: k, Store: store, Clock: clock.System(), Logger: logger, validate: newValidator()}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// A zero amount counts as absent.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok || d.IsZero() {
			return ""
		}
		return d.String()
	}, decimal.Decimal{})
	_ = v.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

// Validate checks desc, returning *MissingFieldsError when required fields are
// absent and a VALIDATION_ERROR AppError for malformed values.
func (b *IntentBuilder) Validate(desc OrderDescriptor) error {
	desc.OrderID = strings.TrimSpace(desc.OrderID)
	desc.Currency = strings.ToUpper(strings.TrimSpace(desc.Currency))
	desc.CustomerEmail = strings.TrimSpace(desc.CustomerEmail)
	desc.CustomerFirstName = strings.TrimSpace(desc.CustomerFirstName)

	v := b.validate
	if v == nil {
		v = newValidator()
	}
	err := v.Struct(desc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var missing []string
	invalid := map[string]string{}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		invalid[fe.Field()] = fe.Tag()
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return common.ValidationError("invalid checkout fields", invalid)
}

// Build validates desc, signs it and returns the hosted checkout URL. When
// authToken is set it is stored against the order id first so the webhook can
// act on the customer's behalf; a store failure aborts the build.
func (b *IntentBuilder) Build(ctx context.Context, desc OrderDescriptor, authToken, returnURL, webhookURL string) (string, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.intent.build")
	defer span.End()

	checkout, err := b.build(ctx, desc, authToken, returnURL, webhookURL)
	result := "ok"
	var missing *MissingFieldsError
	var appErr *common.AppError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		result = "missing_fields"
	case errors.As(err, &appErr) && appErr.Code == common.CodeStore:
		result = "store_error"
	default:
		result = "invalid"
	}
	span.SetAttributes(attribute.String("order.id", desc.OrderID), attribute.String("intent.result", result))
	obs.IncIntent(result)
	return checkout, err
}

func (b *IntentBuilder) build(ctx context.Context, desc OrderDescriptor, authToken, returnURL, webhookURL string) (string, error) {
	if b.Kashier.MerchantID == "" || b.Kashier.APISecret == "" {
		return "", common.NewAppError(common.CodeConfiguration, "payment gateway not configured", http.StatusInternalServerError, nil)
	}
	if err := b.Validate(desc); err != nil {
		return "", err
	}
	desc.OrderID = strings.TrimSpace(desc.OrderID)
	desc.Currency = strings.ToUpper(strings.TrimSpace(desc.Currency))

	authToken = strings.TrimSpace(authToken)
	if authToken != "" {
		now := time.Now()
		if b.Clock != nil {
			now = b.Clock.Now()
		}
		if err := checkTokenFresh(authToken, now); err != nil {
			return "", common.ValidationError("auth token is expired", map[string]string{"authToken": "expired"})
		}
		if b.Store == nil {
			return "", common.NewAppError(common.CodeConfiguration, "pending store not configured", http.StatusInternalServerError, nil)
		}
		if err := b.Store.Store(ctx, desc.OrderID, authToken); err != nil {
			b.Logger.Error().Err(err).Str("order_id", desc.OrderID).Msg("store pending credential")
			return "", common.NewAppError(common.CodeStore, "unable to start checkout", http.StatusServiceUnavailable, err)
		}
		b.Logger.Debug().Str("order_id", desc.OrderID).Str("token_fp", common.Fingerprint(authToken)).Msg("pending credential stored")
	}

	return b.checkoutURL(desc, returnURL, webhookURL)
}

// Hash returns the order hash the gateway expects for desc.
func (b *IntentBuilder) Hash(desc OrderDescriptor) string {
	msg := fmt.Sprintf("%s.%s.%s.%s", b.Kashier.MerchantID, desc.OrderID, desc.Amount.String(), desc.Currency)
	return signature.Sign(b.Kashier.APISecret, msg)
}

func (b *IntentBuilder) checkoutURL(desc OrderDescriptor, returnURL, webhookURL string) (string, error) {
	base, err := url.Parse(b.Kashier.CheckoutURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", common.NewAppError(common.CodeConfiguration, "invalid checkout url", http.StatusInternalServerError, err)
	}
	q := base.Query()
	q.Set("merchantId", b.Kashier.MerchantID)
	q.Set("orderId", desc.OrderID)
	q.Set("amount", desc.Amount.String())
	q.Set("currency", desc.Currency)
	q.Set("hash", b.Hash(desc))
	q.Set("mode", b.Kashier.Mode)
	q.Set("display", b.Kashier.Display)
	q.Set("allowedMethods", b.Kashier.AllowedMethods)
	q.Set("brandColor", b.Kashier.BrandColor)
	q.Set("merchantRedirect", returnURL)
	q.Set("serverWebhook", webhookURL)
	if id := strings.TrimSpace(desc.PlanID); id != "" {
		q.Set("id", id)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}
