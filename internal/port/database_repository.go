package port

import (
	"context"

	"github.com/rl1809/cart-ledger/internal/core/domain"
)

// Find* methods return nil, nil when the record is absent. Mutations report
// matched/deleted counts so callers can tell "not found" from a failed condition.
type ItemRepository interface {
	InsertItem(ctx context.Context, item domain.Item) (string, error)

	FindItem(ctx context.Context, id string) (*domain.Item, error)

	// FindItemForUpdate reads the item and holds it against concurrent writers
	// until the surrounding transaction ends.
	FindItemForUpdate(ctx context.Context, id string) (*domain.Item, error)

	FindItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error)

	SetItemQuantity(ctx context.Context, id string, quantity int) (int64, error)

	// DecrementItemQuantity applies only when the stored quantity is >= amount,
	// as one conditional write.
	DecrementItemQuantity(ctx context.Context, id string, amount int) (int64, error)

	DeleteItem(ctx context.Context, id string) (int64, error)
}

type CartRepository interface {
	FindCartEntry(ctx context.Context, itemID string) (*domain.CartEntry, error)

	// FindCartEntries is a plain read and takes no locks.
	FindCartEntries(ctx context.Context) ([]domain.CartEntry, error)

	// FindCartEntriesForUpdate reads the latest entries and holds them until
	// the surrounding transaction ends. Callers lock the referenced items first.
	FindCartEntriesForUpdate(ctx context.Context) ([]domain.CartEntry, error)

	// UpsertCartEntry replaces the quantity of the single entry for itemID,
	// creating it when absent.
	UpsertCartEntry(ctx context.Context, itemID string, quantity int) (*domain.CartEntry, error)

	DeleteCartEntry(ctx context.Context, itemID string) (int64, error)
}

type LedgerRepository interface {
	AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error

	// FindLedgerEntries returns every entry when checkoutID is empty.
	FindLedgerEntries(ctx context.Context, checkoutID string) ([]domain.LedgerEntry, error)
}

type Repositories struct {
	Items  ItemRepository
	Cart   CartRepository
	Ledger LedgerRepository
}

type Transactor interface {
	// WithinTx runs fn with repositories bound to one storage transaction.
	// It commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
