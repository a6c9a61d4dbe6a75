package payments

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"commerce/internal/app/payments"
	"commerce/internal/domain"
)

type PaymentHandler struct {
	service payments.PaymentService
	logger  *zap.Logger
}

func NewPaymentHandler(s payments.PaymentService, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: s, logger: l}
}

func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	res, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			http.Error(w, "Payment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Error getting payment", zap.String("payment_id", paymentID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentHandler) GetPaymentsByOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	res, err := h.service.GetPaymentsByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("Error getting payments for order", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if res == nil {
		res = []*payments.PaymentResponse{}
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	req := &payments.ListPaymentsRequest{
		UserID: r.URL.Query().Get("user_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	res, err := h.service.ListPayments(r.Context(), req)
	if err != nil {
		h.logger.Error("Error listing payments", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if res == nil {
		res = []*payments.PaymentResponse{}
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	res, err := h.service.Refund(r.Context(), paymentID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPaymentNotFound):
			http.Error(w, "Payment not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrRefundNotAllowed):
			h.logger.Info("Refund not allowed", zap.String("payment_id", paymentID), zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, payments.ErrRefundDeclined):
			h.logger.Warn("Refund declined by gateway", zap.String("payment_id", paymentID))
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			h.logger.Error("Error refunding payment", zap.String("payment_id", paymentID), zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentHandler) ListStaleAttempts(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ListStaleAttempts(r.Context())
	if err != nil {
		h.logger.Error("Error listing stale payment attempts", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if res == nil {
		res = []*payments.PaymentResponse{}
	}

	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
