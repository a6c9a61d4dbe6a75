package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	app "commerce/internal/app/orders"
	"commerce/internal/domain"
	"commerce/internal/event"
)

type stubOrderService struct {
	createErr error
	getErr    error
	cancelErr error
	response  *app.OrderResponse
}

func (s *stubOrderService) CreateOrder(ctx context.Context, req *app.CreateOrderRequest) (*app.OrderResponse, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.response, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, id string) (*app.OrderResponse, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.response, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, req *app.ListOrdersRequest) ([]*app.OrderResponse, error) {
	return nil, nil
}

func (s *stubOrderService) CancelOrder(ctx context.Context, id string) (*app.OrderResponse, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return s.response, nil
}

func (s *stubOrderService) UpdateOrderStatus(ctx context.Context, id, status string) (*app.OrderResponse, error) {
	return s.response, nil
}

func (s *stubOrderService) HandlePaymentProcessed(ctx context.Context, ev *event.PaymentProcessed) error {
	return nil
}

func (s *stubOrderService) ProcessOutbox(ctx context.Context) error { return nil }

func (s *stubOrderService) RepublishOrderEvents(ctx context.Context, orderID string) (int, error) {
	return 0, nil
}

func newTestRouter(s app.OrderService) http.Handler {
	r := chi.NewRouter()
	RegisterRoutes(r, s, zap.NewNop())
	return r
}

func TestCreateOrderHandler(t *testing.T) {
	body := `{"user_id":"user-1","items":[{"product_id":"p1","quantity":2}],"shipping_address":{"street":"1 Main St","city":"Springfield","postal_code":"12345","country":"US"}}`

	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
	}{
		{"created", body, nil, http.StatusCreated},
		{"invalid json", "{", nil, http.StatusBadRequest},
		{"empty order", body, domain.ErrEmptyOrder, http.StatusBadRequest},
		{"out of stock", body, domain.ErrOutOfStock, http.StatusConflict},
		{"unknown product", body, domain.ErrProductNotFound, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubOrderService{
				createErr: tt.serviceErr,
				response:  &app.OrderResponse{ID: "order-1", Status: "pending"},
			})

			req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetOrderHandler(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		router := newTestRouter(&stubOrderService{response: &app.OrderResponse{ID: "order-1", Status: "pending"}})

		req := httptest.NewRequest(http.MethodGet, "/orders/order-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var res app.OrderResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("invalid response body: %v", err)
		}
		if res.ID != "order-1" {
			t.Errorf("unexpected order id %q", res.ID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		router := newTestRouter(&stubOrderService{getErr: domain.ErrOrderNotFound})

		req := httptest.NewRequest(http.MethodGet, "/orders/missing", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestCancelOrderHandler_Conflict(t *testing.T) {
	router := newTestRouter(&stubOrderService{cancelErr: domain.ErrInvalidTransition})

	req := httptest.NewRequest(http.MethodPost, "/orders/order-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}
