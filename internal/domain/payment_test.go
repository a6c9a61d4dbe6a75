package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewPaymentAttempt(t *testing.T) {
	amount := decimal.RequireFromString("149.88")

	attempt, err := NewPaymentAttempt("pay-1", "order-1", "user-1", "key-1", amount, " usd ", PaymentMethodCreditCard)
	if err != nil {
		t.Fatalf("NewPaymentAttempt failed: %v", err)
	}
	if attempt.Status != PaymentStatusProcessing {
		t.Errorf("expected processing, got %s", attempt.Status)
	}
	if attempt.Currency != "USD" {
		t.Errorf("expected normalized currency USD, got %q", attempt.Currency)
	}
}

func TestNewPaymentAttempt_Validation(t *testing.T) {
	amount := decimal.RequireFromString("10.00")

	tests := []struct {
		name     string
		key      string
		amount   decimal.Decimal
		currency string
		method   PaymentMethod
		wantErr  error
	}{
		{"missing idempotency key", "", amount, "USD", PaymentMethodCreditCard, nil},
		{"zero amount", "k", decimal.Zero, "USD", PaymentMethodCreditCard, ErrInvalidAmount},
		{"negative amount", "k", decimal.RequireFromString("-1"), "USD", PaymentMethodCreditCard, ErrInvalidAmount},
		{"unknown method", "k", amount, "USD", PaymentMethod("cash"), ErrInvalidPaymentMethod},
		{"bad currency", "k", amount, "DOLLARS", PaymentMethodCreditCard, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPaymentAttempt("pay-1", "order-1", "user-1", tt.key, tt.amount, tt.currency, tt.method)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPaymentAttempt_Terminal(t *testing.T) {
	tests := []struct {
		status PaymentStatus
		want   bool
	}{
		{PaymentStatusPending, false},
		{PaymentStatusProcessing, false},
		{PaymentStatusCompleted, true},
		{PaymentStatusFailed, true},
		{PaymentStatusRefunded, true},
	}
	for _, tt := range tests {
		p := &PaymentAttempt{Status: tt.status}
		if got := p.Terminal(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.status, tt.want, got)
		}
	}
}
