package service

import (
	"context"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

// Item administration and read models served next to the cart operations.

func (e *ReconciliationEngine) CreateItem(ctx context.Context, in domain.NewItem) (*domain.Item, error) {
	var item *domain.Item
	err := e.run(ctx, "create_item", func(ctx context.Context, repos port.Repositories) error {
		var err error
		item, err = e.itemStore(repos).Create(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("item_id", item.ID).Int("quantity", item.AvailableQuantity).Msg("item created")
	return item, nil
}

func (e *ReconciliationEngine) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var item *domain.Item
	err := e.run(ctx, "get_item", func(ctx context.Context, repos port.Repositories) error {
		var err error
		item, err = e.itemStore(repos).FindByID(ctx, id)
		return err
	})
	return item, err
}

func (e *ReconciliationEngine) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	var items []domain.Item
	err := e.run(ctx, "list_items", func(ctx context.Context, repos port.Repositories) error {
		var err error
		items, err = e.itemStore(repos).List(ctx, filter)
		return err
	})
	return items, err
}

// UpdateItemQuantity sets the stored stock. Existing holds are not touched;
// a hold left above the new stock fails at finalize.
func (e *ReconciliationEngine) UpdateItemQuantity(ctx context.Context, id string, quantity int) (*domain.Item, error) {
	var item *domain.Item
	err := e.run(ctx, "update_item_quantity", func(ctx context.Context, repos port.Repositories) error {
		items := e.itemStore(repos)
		if err := items.SetQuantity(ctx, id, quantity); err != nil {
			return err
		}
		var err error
		item, err = items.FindByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("item_id", id).Int("quantity", quantity).Msg("item quantity updated")
	return item, nil
}

func (e *ReconciliationEngine) DeleteItem(ctx context.Context, id string) error {
	err := e.run(ctx, "delete_item", func(ctx context.Context, repos port.Repositories) error {
		return e.itemStore(repos).Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("item_id", id).Msg("item deleted")
	return nil
}

func (e *ReconciliationEngine) Ledger(ctx context.Context, checkoutID string) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := e.run(ctx, "ledger", func(ctx context.Context, repos port.Repositories) error {
		var err error
		entries, err = repos.Ledger.FindLedgerEntries(ctx, checkoutID)
		if err != nil {
			return storageError(err)
		}
		return nil
	})
	if entries == nil && err == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, err
}
