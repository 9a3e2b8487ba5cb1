package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/common"
	"github.com/noah-isme/backend-kashier/internal/payment"
	"github.com/noah-isme/backend-kashier/internal/pending"
	"github.com/noah-isme/backend-kashier/internal/signature"
)

const (
	returnURL      = "https://shop.example/checkout/result"
	paymentHookURL = "https://shop.example/api/v1/webhooks/kashier/payment"
)

type brokenStore struct{}

func (brokenStore) Store(context.Context, string, string) error { return errors.New("disk full") }
func (brokenStore) RetrieveAndConsume(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func validDescriptor() payment.OrderDescriptor {
	return payment.OrderDescriptor{
		OrderID:           "ord-77",
		Amount:            decimal.NewFromInt(449),
		Currency:          "egp",
		CustomerEmail:     "buyer@example.com",
		CustomerFirstName: "Mona",
		CustomerLastName:  "Adel",
	}
}

func newBuilder(store pending.Store) *payment.IntentBuilder {
	b := payment.NewIntentBuilder(testKashier(), store, zerolog.Nop())
	b.Clock = clock.NewManual(fixedNow)
	return b
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject("user-1").Expiration(exp).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("issuer-key")))
	require.NoError(t, err)
	return string(signed)
}

func TestBuildProducesSignedCheckoutURL(t *testing.T) {
	store := newMemoryStore()
	b := newBuilder(store)

	raw, err := b.Build(context.Background(), validDescriptor(), "", returnURL, paymentHookURL)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "checkout.kashier.io", u.Host)
	q := u.Query()
	require.Equal(t, merchantID, q.Get("merchantId"))
	require.Equal(t, "ord-77", q.Get("orderId"))
	require.Equal(t, "449", q.Get("amount"))
	require.Equal(t, "EGP", q.Get("currency"))
	require.Equal(t, signature.Sign(apiSecret, merchantID+".ord-77.449.EGP"), q.Get("hash"))
	require.Equal(t, "test", q.Get("mode"))
	require.Equal(t, "en", q.Get("display"))
	require.Equal(t, "card,wallet", q.Get("allowedMethods"))
	require.Equal(t, "#000000", q.Get("brandColor"))
	require.Equal(t, returnURL, q.Get("merchantRedirect"))
	require.Equal(t, paymentHookURL, q.Get("serverWebhook"))
	require.False(t, q.Has("id"))
	require.Zero(t, store.Len(), "no token, nothing stored")
}

func TestBuildAddsPlanID(t *testing.T) {
	desc := validDescriptor()
	desc.PlanID = "annual"
	raw, err := newBuilder(newMemoryStore()).Build(context.Background(), desc, "", returnURL, paymentHookURL)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "annual", u.Query().Get("id"))
}

func TestBuildStoresAuthToken(t *testing.T) {
	store := newMemoryStore()
	token := signedJWT(t, fixedNow.Add(time.Hour))

	_, err := newBuilder(store).Build(context.Background(), validDescriptor(), token, returnURL, paymentHookURL)
	require.NoError(t, err)

	got, ok, err := store.RetrieveAndConsume(context.Background(), "ord-77")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, token, got)
}

func TestBuildAcceptsOpaqueToken(t *testing.T) {
	store := newMemoryStore()
	_, err := newBuilder(store).Build(context.Background(), validDescriptor(), "opaque-session-token", returnURL, paymentHookURL)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())
}

func TestBuildRejectsExpiredJWT(t *testing.T) {
	store := newMemoryStore()
	token := signedJWT(t, fixedNow.Add(-time.Hour))

	_, err := newBuilder(store).Build(context.Background(), validDescriptor(), token, returnURL, paymentHookURL)
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, common.CodeValidation, appErr.Code)
	require.Zero(t, store.Len())
}

func TestBuildFailsFastWhenStoreFails(t *testing.T) {
	_, err := newBuilder(brokenStore{}).Build(context.Background(), validDescriptor(), "tok", returnURL, paymentHookURL)
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, common.CodeStore, appErr.Code)
	require.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
}

func TestBuildReportsEveryMissingField(t *testing.T) {
	_, err := newBuilder(newMemoryStore()).Build(context.Background(), payment.OrderDescriptor{CustomerLastName: "x"}, "", returnURL, paymentHookURL)
	var missing *payment.MissingFieldsError
	require.True(t, errors.As(err, &missing))
	require.ElementsMatch(t, []string{"orderId", "amount", "currency", "email", "firstName"}, missing.Fields)
}

func TestBuildRejectsMalformedValues(t *testing.T) {
	cases := map[string]func(*payment.OrderDescriptor){
		"negative amount": func(d *payment.OrderDescriptor) { d.Amount = decimal.NewFromInt(-5) },
		"bad currency":    func(d *payment.OrderDescriptor) { d.Currency = "EGPX" },
		"bad email":       func(d *payment.OrderDescriptor) { d.CustomerEmail = "not-an-email" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			desc := validDescriptor()
			mutate(&desc)
			_, err := newBuilder(newMemoryStore()).Build(context.Background(), desc, "", returnURL, paymentHookURL)
			var appErr *common.AppError
			require.True(t, errors.As(err, &appErr))
			require.Equal(t, common.CodeValidation, appErr.Code)
		})
	}
}

func TestBuildRequiresGatewayConfig(t *testing.T) {
	b := newBuilder(newMemoryStore())
	b.Kashier.APISecret = ""
	_, err := b.Build(context.Background(), validDescriptor(), "", returnURL, paymentHookURL)
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, common.CodeConfiguration, appErr.Code)
}

func TestPlanPolicyDaysToAdd(t *testing.T) {
	p := testPlan()
	require.Equal(t, 365, p.DaysToAdd(decimal.NewFromInt(449)))
	require.Equal(t, 365, p.DaysToAdd(decimal.RequireFromString("449.000")))
	require.Equal(t, 30, p.DaysToAdd(decimal.NewFromInt(50)))
	require.Equal(t, 30, p.DaysToAdd(decimal.Zero))
}
