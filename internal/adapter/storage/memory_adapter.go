package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

var _ port.Transactor = (*MemoryStore)(nil)

type memoryState struct {
	items  map[string]domain.Item
	cart   map[string]domain.CartEntry // keyed by item id
	ledger []domain.LedgerEntry
}

func newMemoryState() *memoryState {
	return &memoryState{
		items: make(map[string]domain.Item),
		cart:  make(map[string]domain.CartEntry),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		items:  make(map[string]domain.Item, len(s.items)),
		cart:   make(map[string]domain.CartEntry, len(s.cart)),
		ledger: make([]domain.LedgerEntry, len(s.ledger)),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.cart {
		c.cart[k] = v
	}
	copy(c.ledger, s.ledger)
	return c
}

// MemoryStore keeps items, cart and ledger in process. Every call holds one
// mutex; a transaction runs against a copy that replaces the state only when
// it succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	newID func() string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemoryState(),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos port.Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := m.state.clone()
	tx := m.bind(draft)
	if err := fn(ctx, port.Repositories{Items: tx, Cart: tx, Ledger: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.state = draft
	return nil
}

func (m *MemoryStore) bind(state *memoryState) *memoryTx {
	return &memoryTx{state: state, newID: m.newID, now: m.now}
}

func (m *MemoryStore) InsertItem(ctx context.Context, item domain.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).InsertItem(ctx, item)
}

func (m *MemoryStore) FindItem(ctx context.Context, id string) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).FindItem(ctx, id)
}

func (m *MemoryStore) FindItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	return m.FindItem(ctx, id)
}

func (m *MemoryStore) FindItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).FindItems(ctx, filter)
}

func (m *MemoryStore) SetItemQuantity(ctx context.Context, id string, quantity int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).SetItemQuantity(ctx, id, quantity)
}

func (m *MemoryStore) DecrementItemQuantity(ctx context.Context, id string, amount int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).DecrementItemQuantity(ctx, id, amount)
}

func (m *MemoryStore) DeleteItem(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).DeleteItem(ctx, id)
}

func (m *MemoryStore) FindCartEntry(ctx context.Context, itemID string) (*domain.CartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).FindCartEntry(ctx, itemID)
}

func (m *MemoryStore) FindCartEntries(ctx context.Context) ([]domain.CartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).FindCartEntries(ctx)
}

func (m *MemoryStore) FindCartEntriesForUpdate(ctx context.Context) ([]domain.CartEntry, error) {
	return m.FindCartEntries(ctx)
}

func (m *MemoryStore) UpsertCartEntry(ctx context.Context, itemID string, quantity int) (*domain.CartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).UpsertCartEntry(ctx, itemID, quantity)
}

func (m *MemoryStore) DeleteCartEntry(ctx context.Context, itemID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).DeleteCartEntry(ctx, itemID)
}

func (m *MemoryStore) AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).AppendLedgerEntries(ctx, entries)
}

func (m *MemoryStore) FindLedgerEntries(ctx context.Context, checkoutID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bind(m.state).FindLedgerEntries(ctx, checkoutID)
}

// memoryTx operates on a state the caller already holds the lock for.
type memoryTx struct {
	state *memoryState
	newID func() string
	now   func() time.Time
}

func (t *memoryTx) InsertItem(_ context.Context, item domain.Item) (string, error) {
	if item.ID == "" {
		item.ID = t.newID()
	}
	item.SetQuantity(item.AvailableQuantity)
	t.state.items[item.ID] = item
	return item.ID, nil
}

func (t *memoryTx) FindItem(_ context.Context, id string) (*domain.Item, error) {
	item, ok := t.state.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (t *memoryTx) FindItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	return t.FindItem(ctx, id)
}

func (t *memoryTx) FindItems(_ context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	items := make([]domain.Item, 0, len(t.state.items))
	for _, item := range t.state.items {
		if filter.InInventoryOnly && !item.InInventory {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (t *memoryTx) SetItemQuantity(_ context.Context, id string, quantity int) (int64, error) {
	item, ok := t.state.items[id]
	if !ok {
		return 0, nil
	}
	item.SetQuantity(quantity)
	item.Version++
	item.UpdatedAt = t.now()
	t.state.items[id] = item
	return 1, nil
}

func (t *memoryTx) DecrementItemQuantity(_ context.Context, id string, amount int) (int64, error) {
	item, ok := t.state.items[id]
	if !ok || item.AvailableQuantity < amount {
		return 0, nil
	}
	item.SetQuantity(item.AvailableQuantity - amount)
	item.Version++
	item.UpdatedAt = t.now()
	t.state.items[id] = item
	return 1, nil
}

func (t *memoryTx) DeleteItem(_ context.Context, id string) (int64, error) {
	if _, ok := t.state.items[id]; !ok {
		return 0, nil
	}
	delete(t.state.items, id)
	return 1, nil
}

func (t *memoryTx) FindCartEntry(_ context.Context, itemID string) (*domain.CartEntry, error) {
	entry, ok := t.state.cart[itemID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (t *memoryTx) FindCartEntries(_ context.Context) ([]domain.CartEntry, error) {
	entries := make([]domain.CartEntry, 0, len(t.state.cart))
	for _, entry := range t.state.cart {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ItemID < entries[j].ItemID
	})
	return entries, nil
}

func (t *memoryTx) FindCartEntriesForUpdate(ctx context.Context) ([]domain.CartEntry, error) {
	return t.FindCartEntries(ctx)
}

func (t *memoryTx) UpsertCartEntry(_ context.Context, itemID string, quantity int) (*domain.CartEntry, error) {
	now := t.now()
	entry, ok := t.state.cart[itemID]
	if !ok {
		entry = domain.CartEntry{ID: t.newID(), ItemID: itemID, CreatedAt: now}
	}
	entry.Quantity = quantity
	entry.UpdatedAt = now
	t.state.cart[itemID] = entry
	return &entry, nil
}

func (t *memoryTx) DeleteCartEntry(_ context.Context, itemID string) (int64, error) {
	if _, ok := t.state.cart[itemID]; !ok {
		return 0, nil
	}
	delete(t.state.cart, itemID)
	return 1, nil
}

func (t *memoryTx) AppendLedgerEntries(_ context.Context, entries []domain.LedgerEntry) error {
	t.state.ledger = append(t.state.ledger, entries...)
	return nil
}

func (t *memoryTx) FindLedgerEntries(_ context.Context, checkoutID string) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, len(t.state.ledger))
	for _, entry := range t.state.ledger {
		if checkoutID != "" && entry.CheckoutID != checkoutID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
