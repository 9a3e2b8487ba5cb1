package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-kashier/internal/account"
	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/config"
	"github.com/noah-isme/backend-kashier/internal/payment"
	"github.com/noah-isme/backend-kashier/internal/pending"
	"github.com/noah-isme/backend-kashier/internal/signature"
)

const (
	webhookSecret = "whsec_test"
	apiSecret     = "api_test"
	merchantID    = "MID-123"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeAccounts struct {
	mu          sync.Mutex
	activations []account.Activation
	tokens      []string
	paidOrders  []account.OrderPayment
	statuses    []string
	err         error
	delay       time.Duration
}

func (f *fakeAccounts) Activate(_ context.Context, token string, a account.Activation) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, a)
	f.tokens = append(f.tokens, token)
	return f.err
}

func (f *fakeAccounts) MarkOrderPaid(_ context.Context, token string, p account.OrderPayment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paidOrders = append(f.paidOrders, p)
	f.tokens = append(f.tokens, token)
	return f.err
}

func (f *fakeAccounts) UpdateStatus(_ context.Context, orderID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, orderID+":"+status)
	return f.err
}

func (f *fakeAccounts) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activations) + len(f.paidOrders) + len(f.statuses)
}

func testPlan() payment.PlanPolicy {
	return payment.PlanPolicy{
		CountryCode:  "EG",
		Domain:       "https://shop.example",
		AnnualAmount: decimal.NewFromInt(449),
		AnnualDays:   365,
		DefaultDays:  30,
	}
}

func testKashier() config.Kashier {
	return config.Kashier{
		MerchantID:     merchantID,
		APISecret:      apiSecret,
		WebhookSecret:  webhookSecret,
		CheckoutURL:    "https://checkout.kashier.io",
		Mode:           "test",
		Display:        "en",
		AllowedMethods: "card,wallet",
		BrandColor:     "#000000",
	}
}

func newMemoryStore() *pending.Memory {
	return pending.NewMemory(pending.Options{TTL: time.Hour, Clock: clock.NewManual(fixedNow), Logger: zerolog.Nop()})
}

type webhookFixture struct {
	hook     payment.Webhook
	store    *pending.Memory
	accounts *fakeAccounts
	statuses *payment.MemoryStatusStore
}

func newWebhookFixture(class payment.Class) *webhookFixture {
	clk := clock.NewManual(fixedNow)
	f := &webhookFixture{
		store:    newMemoryStore(),
		accounts: &fakeAccounts{},
		statuses: payment.NewMemoryStatusStore(time.Hour, clk),
	}
	f.hook = payment.Webhook{
		Class:    class,
		Secret:   webhookSecret,
		Store:    f.store,
		Accounts: f.accounts,
		Statuses: f.statuses,
		Plan:     testPlan(),
		Logger:   zerolog.Nop(),
		Clock:    clk,
	}
	return f
}

// signedBody builds a webhook body for data signed with the class's canonicalisation.
func signedBody(t *testing.T, class payment.Class, data map[string]any) ([]byte, string) {
	t.Helper()
	rawData, err := json.Marshal(data)
	require.NoError(t, err)
	keys, fields, err := signature.ParseFields(rawData)
	require.NoError(t, err)
	sig := signature.NewVerifier(class.Canonicalizer()).Sign(webhookSecret, keys, fields)

	body, err := json.Marshal(map[string]any{"event": "pay", "data": json.RawMessage(rawData)})
	require.NoError(t, err)
	return body, sig
}

func successData(orderID string, amount any) map[string]any {
	return map[string]any{
		"signatureKeys":   []string{"merchantOrderId", "amount", "currency", "status"},
		"merchantOrderId": orderID,
		"amount":          amount,
		"currency":        "EGP",
		"status":          "SUCCESS",
		"transactionId":   "txn-" + orderID,
	}
}

func post(h http.HandlerFunc, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/kashier/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(payment.SignatureHeader, sig)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func decimalOf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// webhookStores returns one fresh pending store per backend that guarantees a
// single winner under concurrent consume.
func webhookStores(t *testing.T) map[string]pending.Store {
	t.Helper()
	opts := pending.Options{TTL: time.Hour, Clock: clock.NewManual(fixedNow), Logger: zerolog.Nop()}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	file, err := pending.NewFile(t.TempDir(), opts)
	require.NoError(t, err)

	return map[string]pending.Store{
		"memory": pending.NewMemory(opts),
		"redis":  pending.NewRedis(client, opts),
		"file":   file,
	}
}
