package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/core/service"
)

type ItemDTO struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	UnitPrice         string    `json:"unit_price"`
	ImageURL          string    `json:"image_url,omitempty"`
	AvailableQuantity int       `json:"available_quantity"`
	InInventory       bool      `json:"in_inventory"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type CartLineDTO struct {
	EntryID   string  `json:"entry_id"`
	ItemID    string  `json:"item_id"`
	Quantity  int     `json:"quantity"`
	LineTotal string  `json:"line_total"`
	Item      ItemDTO `json:"item"`
}

type CartDTO struct {
	Lines []CartLineDTO `json:"lines"`
	Total string        `json:"total"`
}

type CartChangeDTO struct {
	Change   string `json:"change"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type LedgerEntryDTO struct {
	ID         string    `json:"id"`
	CheckoutID string    `json:"checkout_id"`
	ItemID     string    `json:"item_id"`
	ItemName   string    `json:"item_name"`
	Quantity   int       `json:"quantity"`
	UnitPrice  string    `json:"unit_price"`
	LineTotal  string    `json:"line_total"`
	CreatedAt  time.Time `json:"created_at"`
}

type ReceiptDTO struct {
	CheckoutID  string           `json:"checkout_id,omitempty"`
	Total       string           `json:"total"`
	CommittedAt time.Time        `json:"committed_at"`
	Lines       []LedgerEntryDTO `json:"lines"`
}

func toItemDTO(item domain.Item) ItemDTO {
	return ItemDTO{
		ID:                item.ID,
		Name:              item.Name,
		UnitPrice:         item.UnitPrice.StringFixed(2),
		ImageURL:          item.ImageURL,
		AvailableQuantity: item.AvailableQuantity,
		InInventory:       item.InInventory,
		UpdatedAt:         item.UpdatedAt,
	}
}

func toItemDTOs(items []domain.Item) []ItemDTO {
	out := make([]ItemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, toItemDTO(item))
	}
	return out
}

func toCartDTO(lines []domain.CartLine) CartDTO {
	out := make([]CartLineDTO, 0, len(lines))
	for _, l := range lines {
		out = append(out, CartLineDTO{
			EntryID:   l.Entry.ID,
			ItemID:    l.Entry.ItemID,
			Quantity:  l.Entry.Quantity,
			LineTotal: l.LineTotal().StringFixed(2),
			Item:      toItemDTO(l.Item),
		})
	}
	return CartDTO{Lines: out, Total: domain.CartTotal(lines).StringFixed(2)}
}

func toCartChangeDTO(itemID string, res service.CartResult) CartChangeDTO {
	dto := CartChangeDTO{Change: string(res.Change), ItemID: itemID}
	if res.Entry != nil {
		dto.Quantity = res.Entry.Quantity
	}
	return dto
}

func toLedgerDTOs(entries []domain.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:         e.ID,
			CheckoutID: e.CheckoutID,
			ItemID:     e.ItemID,
			ItemName:   e.ItemName,
			Quantity:   e.Quantity,
			UnitPrice:  e.UnitPrice.StringFixed(2),
			LineTotal:  e.LineTotal.StringFixed(2),
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

func toReceiptDTO(r domain.Receipt) ReceiptDTO {
	return ReceiptDTO{
		CheckoutID:  r.CheckoutID,
		Total:       r.Total.StringFixed(2),
		CommittedAt: r.CommittedAt,
		Lines:       toLedgerDTOs(r.Lines),
	}
}

// errorBody turns any error into the kind and message callers may see.
// Errors outside the domain taxonomy are reported as storage_unavailable.
func errorBody(err error) (domain.Kind, string) {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Kind, de.Error()
	}
	return domain.KindStorageUnavailable, "storage unavailable"
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock:
		return http.StatusGone
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
