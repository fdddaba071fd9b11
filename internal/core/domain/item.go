package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ID                string
	Name              string
	UnitPrice         decimal.Decimal
	ImageURL          string
	AvailableQuantity int
	InInventory       bool
	Version           int // bumped on every write
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SetQuantity keeps InInventory derived from the quantity.
func (i *Item) SetQuantity(quantity int) {
	i.AvailableQuantity = quantity
	i.InInventory = quantity > 0
}

type NewItem struct {
	Name      string
	UnitPrice decimal.Decimal
	ImageURL  string
	Quantity  int
}

// PriceScale is the number of fractional digits a unit price may carry.
const PriceScale = 2

func (n NewItem) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return Errorf(KindValidation, "item name is required")
	}
	if n.UnitPrice.IsNegative() {
		return Errorf(KindValidation, "unit price must not be negative")
	}
	// Stored as DECIMAL(12,2); finer prices would be rounded on write.
	if !n.UnitPrice.Equal(n.UnitPrice.Round(PriceScale)) {
		return Errorf(KindValidation, "unit price must have at most %d decimal places", PriceScale)
	}
	if n.Quantity < 0 {
		return Errorf(KindValidation, "quantity must not be negative")
	}
	return nil
}

type ItemFilter struct {
	InInventoryOnly bool
}
