package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerEntry struct {
	ID         string
	CheckoutID string
	ItemID     string
	ItemName   string
	Quantity   int
	UnitPrice  decimal.Decimal
	LineTotal  decimal.Decimal
	CreatedAt  time.Time
}

func NewLedgerEntry(id, checkoutID string, line CartLine, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:         id,
		CheckoutID: checkoutID,
		ItemID:     line.Item.ID,
		ItemName:   line.Item.Name,
		Quantity:   line.Entry.Quantity,
		UnitPrice:  line.Item.UnitPrice,
		LineTotal:  line.LineTotal(),
		CreatedAt:  at,
	}
}

type Receipt struct {
	CheckoutID  string
	Lines       []LedgerEntry
	Total       decimal.Decimal
	CommittedAt time.Time
}

// NewReceipt totals the lines of one checkout.
func NewReceipt(checkoutID string, lines []LedgerEntry, at time.Time) Receipt {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
	}
	if lines == nil {
		lines = []LedgerEntry{}
	}
	return Receipt{
		CheckoutID:  checkoutID,
		Lines:       lines,
		Total:       total,
		CommittedAt: at,
	}
}
