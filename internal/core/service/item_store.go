package service

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

// ItemStore owns the canonical item records.
type ItemStore struct {
	repo port.ItemRepository
	now  func() time.Time
}

func NewItemStore(repo port.ItemRepository) *ItemStore {
	return &ItemStore{repo: repo, now: time.Now}
}

func (s *ItemStore) Create(ctx context.Context, in domain.NewItem) (*domain.Item, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	item := domain.Item{
		Name:      in.Name,
		UnitPrice: in.UnitPrice,
		ImageURL:  in.ImageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item.SetQuantity(in.Quantity)

	id, err := s.repo.InsertItem(ctx, item)
	if err != nil {
		return nil, storageError(err)
	}
	item.ID = id

	return &item, nil
}

func (s *ItemStore) FindByID(ctx context.Context, id string) (*domain.Item, error) {
	item, err := s.repo.FindItem(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	if item == nil {
		return nil, itemNotFound(id)
	}
	return item, nil
}

// lock reads the item for update inside the current transaction.
func (s *ItemStore) lock(ctx context.Context, id string) (*domain.Item, error) {
	item, err := s.repo.FindItemForUpdate(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	if item == nil {
		return nil, itemNotFound(id)
	}
	return item, nil
}

func (s *ItemStore) List(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	items, err := s.repo.FindItems(ctx, filter)
	if err != nil {
		return nil, storageError(err)
	}
	if items == nil {
		items = []domain.Item{}
	}
	return items, nil
}

func (s *ItemStore) SetQuantity(ctx context.Context, id string, quantity int) error {
	if quantity < 0 {
		return domain.Errorf(domain.KindValidation, "quantity must not be negative")
	}

	matched, err := s.repo.SetItemQuantity(ctx, id, quantity)
	if err != nil {
		return storageError(err)
	}
	if matched == 0 {
		return itemNotFound(id)
	}
	return nil
}

func (s *ItemStore) DecrementQuantity(ctx context.Context, id string, amount int) error {
	if amount <= 0 {
		return domain.Errorf(domain.KindValidation, "decrement amount must be positive")
	}

	matched, err := s.repo.DecrementItemQuantity(ctx, id, amount)
	if err != nil {
		return storageError(err)
	}
	if matched > 0 {
		return nil
	}

	// Nothing matched: either the item is gone or the stock condition failed.
	item, err := s.repo.FindItem(ctx, id)
	if err != nil {
		return storageError(err)
	}
	if item == nil {
		return itemNotFound(id)
	}
	return domain.Errorf(domain.KindInsufficientStock,
		"insufficient stock for item %s: %d available, %d requested", id, item.AvailableQuantity, amount)
}

func (s *ItemStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.repo.DeleteItem(ctx, id)
	if err != nil {
		return storageError(err)
	}
	if deleted == 0 {
		return itemNotFound(id)
	}
	return nil
}

func itemNotFound(id string) error {
	return domain.Errorf(domain.KindNotFound, "item %s not found", id)
}

// storageError passes domain errors through and classifies everything else
// as StorageUnavailable.
func storageError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Unavailable(err)
}
