package payment_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-kashier/internal/account"
	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/payment"
)

type activationRequest struct {
	path          string
	authorization string
	body          map[string]any
}

// accountServer records every request the real account client sends.
func accountServer(t *testing.T) (*httptest.Server, func() []activationRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []activationRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		_ = dec.Decode(&body)
		mu.Lock()
		reqs = append(reqs, activationRequest{path: r.URL.Path, authorization: r.Header.Get("Authorization"), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []activationRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]activationRequest(nil), reqs...)
	}
}

func TestCheckoutThenWebhookActivatesSubscription(t *testing.T) {
	cases := []struct {
		amount string
		days   string
	}{
		{"449", "365"},
		{"50", "30"},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			srv, received := accountServer(t)
			store := newMemoryStore()
			statuses := payment.NewMemoryStatusStore(time.Hour, clock.NewManual(fixedNow))
			api := newHandler(store, statuses)
			hook := payment.Webhook{
				Class:    payment.ClassPayment,
				Secret:   webhookSecret,
				Store:    store,
				Accounts: account.NewClient(srv.URL, "svc-key", time.Second, nil),
				Statuses: statuses,
				Plan:     testPlan(),
				Logger:   zerolog.Nop(),
			}

			// The padded id must land on the same credential the webhook consumes.
			rr := checkout(api, `{"amount":"`+tc.amount+`","currency":"EGP","orderId":" X1 ","email":"a@b.com","firstName":"A","authToken":"T1"}`, nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			require.Equal(t, 1, store.Len())

			body, sig := signedBody(t, payment.ClassPayment, successData("X1", tc.amount))
			require.Equal(t, http.StatusOK, post(hook.Handle, body, sig).Code)

			reqs := received()
			require.Len(t, reqs, 1)
			got := reqs[0]
			require.Equal(t, "/api/v1/subscriptions/activate", got.path)
			require.Equal(t, "Bearer T1", got.authorization)
			require.Equal(t, json.Number(tc.days), got.body["DaysToAdd"])
			require.Equal(t, json.Number(tc.amount), got.body["PaymentAmount"])
			require.Equal(t, "X1", got.body["PaymentOperationId"])
			require.Equal(t, "EGP", got.body["Currency"])
			require.Zero(t, store.Len())

			status := httptest.NewRecorder()
			api.ServeHTTP(status, httptest.NewRequest(http.MethodGet, "/api/v1/payments/X1/status", nil))
			require.Equal(t, http.StatusOK, status.Code)
			out := decode(t, status)
			require.Equal(t, true, out["activated"])
			require.Equal(t, true, out["clearCart"])

			// A redelivery after the credential is consumed makes no further call.
			require.Equal(t, http.StatusOK, post(hook.Handle, body, sig).Code)
			require.Len(t, received(), 1)
		})
	}
}
