package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOutOfStock      = errors.New("insufficient stock")
)

// Product is the inventory view the order side needs: authoritative price and
// available stock. Catalog management itself is owned elsewhere.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Stock     int
	UpdatedAt time.Time
}
