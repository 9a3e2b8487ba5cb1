package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-kashier/internal/common"
)

// Handler exposes checkout initiation and the redirect-page status poll.
type Handler struct {
	Builder *IntentBuilder
	// ReturnURL is where the gateway sends the customer afterwards.
	ReturnURL string
	// WebhookURLs maps each webhook class to its public URL.
	WebhookURLs map[Class]string
	Statuses    StatusStore
	Logger      zerolog.Logger
}

type checkoutReq struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	OrderID   string          `json:"orderId"`
	Email     string          `json:"email"`
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	AuthToken string          `json:"authToken"`
	PlanID    string          `json:"planId"`
	// Purpose selects the webhook class: "subscription" (default) or "order".
	Purpose string `json:"purpose"`
}

type checkoutResp struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirectUrl"`
}

// Checkout validates the order, stores the caller's token and returns the hosted checkout URL.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Builder == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeConfiguration, "payment handler unavailable", nil)
		return
	}
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid body", nil)
		return
	}

	class := ClassPayment
	switch strings.ToLower(strings.TrimSpace(req.Purpose)) {
	case "", "subscription":
	case "order":
		class = ClassOrder
	default:
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid checkout fields", map[string]string{"purpose": "oneof"})
		return
	}

	token := req.AuthToken
	if token == "" {
		token = bearerToken(r)
	}
	desc := OrderDescriptor{
		OrderID:           req.OrderID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		CustomerEmail:     req.Email,
		CustomerFirstName: req.FirstName,
		CustomerLastName:  req.LastName,
		PlanID:            req.PlanID,
	}
	redirect, err := h.Builder.Build(r.Context(), desc, token, h.ReturnURL, h.WebhookURLs[class])
	if err != nil {
		var missing *MissingFieldsError
		if errors.As(err, &missing) {
			common.JSONErrorWith(w, http.StatusBadRequest, common.CodeMissingFields, missing.Error(), nil,
				map[string]any{"missingFields": missing.Fields})
			return
		}
		if !common.IsAppError(err) {
			h.Logger.Error().Err(err).Str("order_id", desc.OrderID).Msg("checkout failed")
		}
		common.WriteAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, checkoutResp{Success: true, RedirectURL: redirect})
}

type statusResp struct {
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Activated bool   `json:"activated"`
	ClearCart bool   `json:"clearCart"`
}

// Status reports the last webhook outcome for an order. Unknown orders read as PENDING.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "orderId is required", nil)
		return
	}
	resp := statusResp{OrderID: orderID, Status: StatusPending}
	if h == nil || h.Statuses == nil {
		common.JSON(w, http.StatusOK, resp)
		return
	}
	outcome, ok, err := h.Statuses.Get(r.Context(), orderID)
	if err != nil {
		h.Logger.Error().Err(err).Str("order_id", orderID).Msg("read payment status")
		common.JSONError(w, http.StatusServiceUnavailable, common.CodeStore, "status unavailable", nil)
		return
	}
	if ok {
		resp.Status = outcome.Status
		resp.Activated = outcome.Activated
		resp.ClearCart = outcome.ClearCart
	}
	common.JSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
