package checkout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sokokicks/checkout/internal/daraja"
	"github.com/sokokicks/checkout/internal/domain"
)

// Handler terminates the checkout HTTP surface: checkout initiation, order
// reads, cancellation, fulfillment transitions and the Daraja callback.
type Handler struct {
	service       *Service
	signingSecret string
	logger        *slog.Logger
}

// NewHandler wires the service. signingSecret is optional; when set, the
// callback endpoint requires a matching X-Callback-Signature (hex
// HMAC-SHA256 over the raw body).
func NewHandler(service *Service, signingSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		service:       service,
		signingSecret: signingSecret,
		logger:        logger,
	}
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.service.InitiateCheckout(r.Context(), req)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, order)
	case errors.Is(err, domain.ErrStockUnavailable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidCoupon):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid coupon")
	case errors.Is(err, domain.ErrUnknownDeliveryArea):
		h.writeError(w, http.StatusUnprocessableEntity, "unknown delivery area")
	case errors.Is(err, domain.ErrGatewayUnreachable):
		// The order exists and holds its reservation; the client may retry
		// payment initiation before the reservation lapses.
		h.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "payment gateway unreachable",
			"order": order,
		})
	default:
		h.logger.Error("checkout failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// HandleMpesaCallback applies the asynchronous Daraja result. Unauthentic or
// malformed callbacks are rejected before any state is touched. Applied,
// duplicate and unknown callbacks are all acknowledged with ResultCode 0 so
// the gateway stops retrying; conflicts are already routed to
// reconciliation internally.
func (h *Handler) HandleMpesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.signingSecret != "" {
		if !h.validSignature(body, r.Header.Get("X-Callback-Signature")) {
			h.logger.Warn("callback signature rejected", "remote", r.RemoteAddr)
			h.writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var envelope daraja.CallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed callback")
		return
	}
	stk := envelope.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		h.writeError(w, http.StatusBadRequest, "missing CheckoutRequestID")
		return
	}

	cb := Callback{
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
		Amount:            stk.AmountCents(),
		MpesaReceipt:      stk.Receipt(),
		TransactionDate:   stk.TransactionDate(),
		Raw:               body,
	}

	_, err = h.service.HandleCallback(r.Context(), cb)
	switch {
	case err == nil,
		errors.Is(err, domain.ErrDuplicateCallback),
		errors.Is(err, domain.ErrUnknownTransaction),
		errors.Is(err, domain.ErrReservationExpiredConflict),
		errors.Is(err, domain.ErrAmountMismatch):
		h.writeJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
	default:
		h.logger.Error("callback processing failed", "error", err,
			"checkout_request_id", cb.CheckoutRequestID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.signingSecret))
	mac.Write(body)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.service.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.service.CancelOrder(r.Context(), id)
	switch {
	case err == nil && order == nil:
		h.writeError(w, http.StatusNotFound, "order not found")
	case err == nil:
		h.writeJSON(w, http.StatusOK, order)
	case errors.Is(err, domain.ErrOrderNotCancellable):
		h.writeError(w, http.StatusConflict, "order can no longer be cancelled")
	default:
		h.logger.Error("failed to cancel order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.AdvanceFulfillment(r.Context(), id, req.Status)
	switch {
	case err == nil:
		order, err := h.service.orders.GetOrder(r.Context(), id)
		if err != nil || order == nil {
			h.logger.Error("failed to reload order", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		h.writeJSON(w, http.StatusOK, order)
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
