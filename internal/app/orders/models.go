package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"commerce/internal/domain"
)

type CreateOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	// Price is accepted for wire compatibility but never trusted; the catalog
	// price is authoritative.
	Price string `json:"price,omitempty"`
}

type CreateOrderRequest struct {
	UserID          string                   `json:"user_id"`
	Items           []CreateOrderItemRequest `json:"items"`
	ShippingAddress domain.ShippingAddress   `json:"shipping_address"`
	Notes           string                   `json:"notes,omitempty"`
	Currency        string                   `json:"currency,omitempty"`
	PaymentMethod   string                   `json:"payment_method,omitempty"`
}

type OrderItemResponse struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type OrderResponse struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"order_number"`
	UserID          string                 `json:"user_id"`
	Items           []OrderItemResponse    `json:"items"`
	TotalAmount     decimal.Decimal        `json:"total_amount"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	Notes           string                 `json:"notes,omitempty"`
	Status          string                 `json:"status"`
	PaymentStatus   string                 `json:"payment_status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type ListOrdersRequest struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

func mapOrderToResponse(order *domain.Order) *OrderResponse {
	items := make([]OrderItemResponse, len(order.Items))
	for i, item := range order.Items {
		items[i] = OrderItemResponse{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       item.Price,
			Subtotal:    item.Subtotal,
		}
	}
	return &OrderResponse{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Items:           items,
		TotalAmount:     order.TotalAmount,
		ShippingAddress: order.ShippingAddress,
		Notes:           order.Notes,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func mapOrdersToResponse(orders []*domain.Order) []*OrderResponse {
	responses := make([]*OrderResponse, len(orders))
	for i, order := range orders {
		responses[i] = mapOrderToResponse(order)
	}
	return responses
}
