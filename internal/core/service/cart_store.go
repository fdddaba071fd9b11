package service

import (
	"context"
	"math"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

// CartStore owns the cart holds. A missing entry is the zero state; an entry
// never carries a quantity below one.
type CartStore struct {
	repo  port.CartRepository
	items port.ItemRepository
}

func NewCartStore(repo port.CartRepository, items port.ItemRepository) *CartStore {
	return &CartStore{repo: repo, items: items}
}

// Entry returns the live entry for itemID, or nil.
func (s *CartStore) Entry(ctx context.Context, itemID string) (*domain.CartEntry, error) {
	entry, err := s.repo.FindCartEntry(ctx, itemID)
	if err != nil {
		return nil, storageError(err)
	}
	return entry, nil
}

// Upsert overwrites the entry for itemID. A quantity <= 0 removes it.
func (s *CartStore) Upsert(ctx context.Context, itemID string, quantity int) (domain.CartChange, *domain.CartEntry, error) {
	if quantity <= 0 {
		if err := s.Remove(ctx, itemID); err != nil {
			return "", nil, err
		}
		return domain.CartChangeRemoved, nil, nil
	}

	current, err := s.Entry(ctx, itemID)
	if err != nil {
		return "", nil, err
	}

	entry, err := s.repo.UpsertCartEntry(ctx, itemID, quantity)
	if err != nil {
		return "", nil, storageError(err)
	}

	switch {
	case current == nil:
		return domain.CartChangeCreated, entry, nil
	case current.Quantity == quantity:
		return domain.CartChangeUnchanged, entry, nil
	default:
		return domain.CartChangeUpdated, entry, nil
	}
}

// Adjust moves the entry for itemID by delta, deleting it once it reaches zero.
func (s *CartStore) Adjust(ctx context.Context, itemID string, delta int) (domain.CartChange, *domain.CartEntry, error) {
	current, err := s.Entry(ctx, itemID)
	if err != nil {
		return "", nil, err
	}

	if current == nil {
		if delta <= 0 {
			return "", nil, domain.Errorf(domain.KindValidation,
				"cannot create a cart entry for item %s with quantity %d", itemID, delta)
		}
		entry, err := s.repo.UpsertCartEntry(ctx, itemID, delta)
		if err != nil {
			return "", nil, storageError(err)
		}
		return domain.CartChangeCreated, entry, nil
	}

	if delta == 0 {
		return domain.CartChangeUnchanged, current, nil
	}

	if delta > 0 && current.Quantity > math.MaxInt-delta {
		return "", nil, domain.Errorf(domain.KindValidation,
			"cart quantity for item %s would overflow", itemID)
	}

	next := current.Quantity + delta
	if next <= 0 {
		if err := s.Remove(ctx, itemID); err != nil {
			return "", nil, err
		}
		return domain.CartChangeRemoved, nil, nil
	}

	entry, err := s.repo.UpsertCartEntry(ctx, itemID, next)
	if err != nil {
		return "", nil, storageError(err)
	}
	return domain.CartChangeUpdated, entry, nil
}

// Remove is idempotent.
func (s *CartStore) Remove(ctx context.Context, itemID string) error {
	if _, err := s.repo.DeleteCartEntry(ctx, itemID); err != nil {
		return storageError(err)
	}
	return nil
}

// All resolves every live entry against its item. Entries whose item no
// longer exists are left out.
func (s *CartStore) All(ctx context.Context) ([]domain.CartLine, error) {
	entries, err := s.repo.FindCartEntries(ctx)
	if err != nil {
		return nil, storageError(err)
	}

	lines := make([]domain.CartLine, 0, len(entries))
	for _, entry := range entries {
		item, err := s.items.FindItem(ctx, entry.ItemID)
		if err != nil {
			return nil, storageError(err)
		}
		if item == nil {
			continue
		}
		lines = append(lines, domain.CartLine{Entry: entry, Item: *item})
	}
	return lines, nil
}
