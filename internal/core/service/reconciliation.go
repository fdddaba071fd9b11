package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

const DefaultOperationTimeout = 5 * time.Second

type CartResult struct {
	Change domain.CartChange
	Entry  *domain.CartEntry // nil once removed
	Item   *domain.Item
}

// ReconciliationEngine moves quantities between inventory, cart holds and the
// ledger. Holds are reservations: an item's stored quantity only drops when
// the cart is finalized.
type ReconciliationEngine struct {
	tx          port.Transactor
	idempotency port.IdempotencyRepository
	publisher   port.ReceiptPublisher
	timeout     time.Duration
	now         func() time.Time
	newID       func() string
	logger      zerolog.Logger
}

type Option func(*ReconciliationEngine)

func WithIdempotency(repo port.IdempotencyRepository) Option {
	return func(e *ReconciliationEngine) { e.idempotency = repo }
}

func WithPublisher(publisher port.ReceiptPublisher) Option {
	return func(e *ReconciliationEngine) { e.publisher = publisher }
}

// WithTimeout bounds operations whose context carries no deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(e *ReconciliationEngine) { e.timeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *ReconciliationEngine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *ReconciliationEngine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *ReconciliationEngine) { e.newID = newID }
}

func NewReconciliationEngine(tx port.Transactor, opts ...Option) *ReconciliationEngine {
	e := &ReconciliationEngine{
		tx:      tx,
		timeout: DefaultOperationTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ReconciliationEngine) AddToCart(ctx context.Context, itemID string, delta int) (CartResult, error) {
	if itemID == "" {
		return CartResult{}, domain.Errorf(domain.KindValidation, "item id is required")
	}

	var result CartResult
	err := e.run(ctx, "add_to_cart", func(ctx context.Context, repos port.Repositories) error {
		items := e.itemStore(repos)
		cart := NewCartStore(repos.Cart, repos.Items)

		item, err := items.lock(ctx, itemID)
		if err != nil {
			return err
		}

		if delta > 0 {
			current, err := cart.Entry(ctx, itemID)
			if err != nil {
				return err
			}
			held := 0
			if current != nil {
				held = current.Quantity
			}
			// Compared as a difference so a huge delta cannot wrap around.
			if delta > item.AvailableQuantity-held {
				return domain.Errorf(domain.KindInsufficientStock,
					"insufficient stock for item %s: %d available, %d held, %d requested",
					itemID, item.AvailableQuantity, held, delta)
			}
		}

		change, entry, err := cart.Adjust(ctx, itemID, delta)
		if err != nil {
			return err
		}
		result = CartResult{Change: change, Entry: entry, Item: item}
		return nil
	})
	if err != nil {
		return CartResult{}, err
	}

	e.logger.Debug().Str("item_id", itemID).Int("delta", delta).Str("change", string(result.Change)).Msg("cart adjusted")
	return result, nil
}

// SetCartQuantity overwrites the hold for itemID. Zero removes it.
func (e *ReconciliationEngine) SetCartQuantity(ctx context.Context, itemID string, quantity int) (CartResult, error) {
	if itemID == "" {
		return CartResult{}, domain.Errorf(domain.KindValidation, "item id is required")
	}
	if quantity < 0 {
		return CartResult{}, domain.Errorf(domain.KindValidation, "cart quantity must not be negative")
	}
	if quantity == 0 {
		if err := e.RemoveFromCart(ctx, itemID); err != nil {
			return CartResult{}, err
		}
		return CartResult{Change: domain.CartChangeRemoved}, nil
	}

	var result CartResult
	err := e.run(ctx, "set_cart_quantity", func(ctx context.Context, repos port.Repositories) error {
		item, err := e.itemStore(repos).lock(ctx, itemID)
		if err != nil {
			return err
		}
		if quantity > item.AvailableQuantity {
			return domain.Errorf(domain.KindInsufficientStock,
				"insufficient stock for item %s: %d available, %d requested", itemID, item.AvailableQuantity, quantity)
		}

		change, entry, err := NewCartStore(repos.Cart, repos.Items).Upsert(ctx, itemID, quantity)
		if err != nil {
			return err
		}
		result = CartResult{Change: change, Entry: entry, Item: item}
		return nil
	})
	if err != nil {
		return CartResult{}, err
	}

	e.logger.Debug().Str("item_id", itemID).Int("quantity", quantity).Str("change", string(result.Change)).Msg("cart quantity set")
	return result, nil
}

func (e *ReconciliationEngine) RemoveFromCart(ctx context.Context, itemID string) error {
	if itemID == "" {
		return domain.Errorf(domain.KindValidation, "item id is required")
	}
	return e.run(ctx, "remove_from_cart", func(ctx context.Context, repos port.Repositories) error {
		return NewCartStore(repos.Cart, repos.Items).Remove(ctx, itemID)
	})
}

func (e *ReconciliationEngine) ListCart(ctx context.Context) ([]domain.CartLine, error) {
	var lines []domain.CartLine
	err := e.run(ctx, "list_cart", func(ctx context.Context, repos port.Repositories) error {
		var err error
		lines, err = NewCartStore(repos.Cart, repos.Items).All(ctx)
		return err
	})
	return lines, err
}

// Finalize commits every hold to the ledger and empties the cart, or changes
// nothing. A non-empty idempotencyKey makes retries of the same checkout
// return the original receipt.
func (e *ReconciliationEngine) Finalize(ctx context.Context, idempotencyKey string) (*domain.Receipt, error) {
	claimed := false
	if idempotencyKey != "" && e.idempotency != nil {
		replayed, ok, err := e.claim(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return replayed, nil
		}
		claimed = true
	}

	receipt, err := e.commitCart(ctx)
	if err != nil {
		if claimed {
			e.release(ctx, idempotencyKey)
		}
		return nil, err
	}

	if claimed {
		if len(receipt.Lines) == 0 {
			e.release(ctx, idempotencyKey)
		} else {
			e.complete(ctx, idempotencyKey, receipt.CheckoutID)
		}
	}

	if len(receipt.Lines) > 0 {
		e.logger.Info().
			Str("checkout_id", receipt.CheckoutID).
			Int("lines", len(receipt.Lines)).
			Str("total", receipt.Total.String()).
			Msg("cart finalized")
		e.publish(ctx, receipt)
	}

	return &receipt, nil
}

func (e *ReconciliationEngine) commitCart(ctx context.Context) (domain.Receipt, error) {
	var receipt domain.Receipt
	err := e.run(ctx, "finalize", func(ctx context.Context, repos port.Repositories) error {
		now := e.now()

		// Items are locked before cart rows, the same order AddToCart takes them.
		snapshot, err := repos.Cart.FindCartEntries(ctx)
		if err != nil {
			return storageError(err)
		}
		if len(snapshot) == 0 {
			receipt = domain.NewReceipt("", nil, now)
			return nil
		}

		locked := make(map[string]*domain.Item, len(snapshot))
		if err := lockItems(ctx, repos.Items, locked, snapshot); err != nil {
			return err
		}

		entries, err := repos.Cart.FindCartEntriesForUpdate(ctx)
		if err != nil {
			return storageError(err)
		}
		// Entries added since the snapshot reference items not locked yet.
		if err := lockItems(ctx, repos.Items, locked, entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			receipt = domain.NewReceipt("", nil, now)
			return nil
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].ItemID < entries[j].ItemID })

		lines := make([]domain.CartLine, 0, len(entries))
		for _, entry := range entries {
			item := locked[entry.ItemID]
			if item == nil {
				return domain.Errorf(domain.KindConflict,
					"cart entry %s references missing item %s", entry.ID, entry.ItemID)
			}
			if entry.Quantity > item.AvailableQuantity {
				return domain.Errorf(domain.KindInsufficientStock,
					"insufficient stock for item %s: %d available, %d held", item.ID, item.AvailableQuantity, entry.Quantity)
			}
			lines = append(lines, domain.CartLine{Entry: entry, Item: *item})
		}

		items := e.itemStore(repos)
		checkoutID := e.newID()
		ledger := make([]domain.LedgerEntry, 0, len(lines))
		for _, line := range lines {
			if err := items.DecrementQuantity(ctx, line.Item.ID, line.Entry.Quantity); err != nil {
				return err
			}
			ledger = append(ledger, domain.NewLedgerEntry(e.newID(), checkoutID, line, now))
		}

		if err := repos.Ledger.AppendLedgerEntries(ctx, ledger); err != nil {
			return storageError(err)
		}

		cart := NewCartStore(repos.Cart, repos.Items)
		for _, line := range lines {
			if err := cart.Remove(ctx, line.Item.ID); err != nil {
				return err
			}
		}

		receipt = domain.NewReceipt(checkoutID, ledger, now)
		return nil
	})
	return receipt, err
}

// lockItems locks, in item id order, every item referenced by entries that is
// not in locked yet. Missing items are recorded as nil.
func lockItems(ctx context.Context, repo port.ItemRepository, locked map[string]*domain.Item, entries []domain.CartEntry) error {
	var pending []string
	for _, entry := range entries {
		if _, ok := locked[entry.ItemID]; !ok {
			pending = append(pending, entry.ItemID)
		}
	}
	sort.Strings(pending)

	for _, id := range pending {
		if _, ok := locked[id]; ok {
			continue
		}
		item, err := repo.FindItemForUpdate(ctx, id)
		if err != nil {
			return storageError(err)
		}
		locked[id] = item
	}
	return nil
}

// claimAttempts bounds how often a key that vanished between claim and lookup
// is claimed again.
const claimAttempts = 3

func (e *ReconciliationEngine) claim(ctx context.Context, key string) (*domain.Receipt, bool, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	for attempt := 0; attempt < claimAttempts; attempt++ {
		ok, err := e.idempotency.SetIdempotency(ctx, key)
		if err != nil {
			return nil, false, e.storageFailure("claim_idempotency", err)
		}
		if ok {
			return nil, true, nil
		}

		checkoutID, found, err := e.idempotency.LookupIdempotency(ctx, key)
		if err != nil {
			return nil, false, e.storageFailure("lookup_idempotency", err)
		}
		if !found {
			continue
		}
		if checkoutID == "" {
			return nil, false, domain.Errorf(domain.KindConflict, "checkout %s is already in progress", key)
		}

		receipt, err := e.replay(ctx, checkoutID)
		if err != nil {
			return nil, false, err
		}
		return receipt, false, nil
	}

	return nil, false, domain.Errorf(domain.KindConflict, "checkout %s could not be claimed, retry the operation", key)
}

func (e *ReconciliationEngine) replay(ctx context.Context, checkoutID string) (*domain.Receipt, error) {
	lines, err := e.Ledger(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	committedAt := time.Time{}
	if len(lines) > 0 {
		committedAt = lines[0].CreatedAt
	}
	receipt := domain.NewReceipt(checkoutID, lines, committedAt)
	return &receipt, nil
}

// complete and release must land even when the caller has gone away, or the
// key stays claimed until it expires.
func (e *ReconciliationEngine) complete(ctx context.Context, key, checkoutID string) {
	ctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.idempotency.CompleteIdempotency(ctx, key, checkoutID); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Str("checkout_id", checkoutID).Msg("failed to record idempotency key")
	}
}

func (e *ReconciliationEngine) release(ctx context.Context, key string) {
	ctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.idempotency.ReleaseIdempotency(ctx, key); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("failed to release idempotency key")
	}
}

func (e *ReconciliationEngine) publish(ctx context.Context, receipt domain.Receipt) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.publisher.PublishReceipt(ctx, receipt); err != nil {
		e.logger.Warn().Err(err).Str("checkout_id", receipt.CheckoutID).Msg("failed to publish receipt")
	}
}

func (e *ReconciliationEngine) itemStore(repos port.Repositories) *ItemStore {
	items := NewItemStore(repos.Items)
	items.now = e.now
	return items
}

func (e *ReconciliationEngine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// detached keeps the values of ctx but not its cancellation, bounded by a
// fresh timeout.
func (e *ReconciliationEngine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.timeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (e *ReconciliationEngine) run(ctx context.Context, op string, fn func(ctx context.Context, repos port.Repositories) error) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if err := e.tx.WithinTx(ctx, fn); err != nil {
		return e.storageFailure(op, err)
	}
	return nil
}

func (e *ReconciliationEngine) storageFailure(op string, err error) error {
	err = storageError(err)
	if errors.Is(err, domain.ErrStorageUnavailable) {
		e.logger.Error().Err(errors.Unwrap(err)).Str("op", op).Msg("storage failure")
	}
	return err
}
