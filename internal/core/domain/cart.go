package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartEntry struct {
	ID        string
	ItemID    string
	Quantity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CartChange string

const (
	CartChangeCreated   CartChange = "created"
	CartChangeUpdated   CartChange = "updated"
	CartChangeRemoved   CartChange = "removed"
	CartChangeUnchanged CartChange = "unchanged"
)

// CartLine is a cart entry resolved against its item.
type CartLine struct {
	Entry CartEntry
	Item  Item
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.Item.UnitPrice.Mul(decimal.NewFromInt(int64(l.Entry.Quantity)))
}

func CartTotal(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal())
	}
	return total
}
