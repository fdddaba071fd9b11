package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

var _ port.Transactor = (*MySQLAdapter)(nil)

// MySQLSchema creates the three tables the adapter works against.
var MySQLSchema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id           CHAR(36)      NOT NULL PRIMARY KEY,
		name         VARCHAR(255)  NOT NULL,
		unit_price   DECIMAL(12,2) NOT NULL,
		image_url    VARCHAR(1024) NOT NULL DEFAULT '',
		quantity     INT           NOT NULL,
		in_inventory BOOLEAN       NOT NULL,
		version      INT           NOT NULL DEFAULT 0,
		created_at   DATETIME(6)   NOT NULL,
		updated_at   DATETIME(6)   NOT NULL,
		CHECK (quantity >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS cart_entries (
		id         CHAR(36)    NOT NULL PRIMARY KEY,
		item_id    CHAR(36)    NOT NULL,
		quantity   INT         NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_cart_item (item_id),
		CHECK (quantity > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id          CHAR(36)      NOT NULL PRIMARY KEY,
		checkout_id CHAR(36)      NOT NULL,
		item_id     CHAR(36)      NOT NULL,
		item_name   VARCHAR(255)  NOT NULL,
		quantity    INT           NOT NULL,
		unit_price  DECIMAL(12,2) NOT NULL,
		line_total  DECIMAL(14,2) NOT NULL,
		created_at  DATETIME(6)   NOT NULL,
		KEY idx_ledger_checkout (checkout_id)
	)`,
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db      *sql.DB
	q       querier
	locking bool // set on adapters bound to a transaction
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, q: db}
}

func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range MySQLSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, repos port.Repositories) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	bound := &MySQLAdapter{db: m.db, q: tx, locking: true}
	if err := fn(ctx, port.Repositories{Items: bound, Cart: bound, Ledger: bound}); err != nil {
		return lockConflict(err)
	}

	if err := tx.Commit(); err != nil {
		return lockConflict(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// lockConflict reports transactions InnoDB aborted over row locks as Conflict.
func lockConflict(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == errDeadlock || me.Number == errLockWaitTimeout) {
		return domain.Errorf(domain.KindConflict, "concurrent update on the same records, retry the operation")
	}
	return err
}

func (m *MySQLAdapter) InsertItem(ctx context.Context, item domain.Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	_, err := m.q.ExecContext(ctx, `
		INSERT INTO items (id, name, unit_price, image_url, quantity, in_inventory, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		item.ID, item.Name, item.UnitPrice, item.ImageURL, item.AvailableQuantity,
		item.AvailableQuantity > 0, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}

	return item.ID, nil
}

const selectItem = `
	SELECT id, name, unit_price, image_url, quantity, in_inventory, version, created_at, updated_at
	FROM items`

func scanItem(row interface{ Scan(...any) error }) (*domain.Item, error) {
	var item domain.Item
	err := row.Scan(&item.ID, &item.Name, &item.UnitPrice, &item.ImageURL, &item.AvailableQuantity,
		&item.InInventory, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (m *MySQLAdapter) FindItem(ctx context.Context, id string) (*domain.Item, error) {
	return m.findItem(ctx, id, false)
}

func (m *MySQLAdapter) FindItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	return m.findItem(ctx, id, m.locking)
}

func (m *MySQLAdapter) findItem(ctx context.Context, id string, forUpdate bool) (*domain.Item, error) {
	query := selectItem + ` WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	item, err := scanItem(m.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}

	return item, nil
}

func (m *MySQLAdapter) FindItems(ctx context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	query := selectItem
	if filter.InInventoryOnly {
		query += ` WHERE in_inventory = TRUE`
	}
	query += ` ORDER BY created_at, id`

	rows, err := m.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) SetItemQuantity(ctx context.Context, id string, quantity int) (int64, error) {
	result, err := m.q.ExecContext(ctx, `
		UPDATE items
		SET quantity = ?, in_inventory = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		quantity, quantity > 0, time.Now(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("update item quantity: %w", err)
	}

	return matchedRows(result)
}

func (m *MySQLAdapter) DecrementItemQuantity(ctx context.Context, id string, amount int) (int64, error) {
	// MySQL evaluates single-table SET assignments left to right, so
	// in_inventory sees the decremented quantity.
	result, err := m.q.ExecContext(ctx, `
		UPDATE items
		SET quantity = quantity - ?, in_inventory = (quantity > 0), version = version + 1, updated_at = ?
		WHERE id = ? AND quantity >= ?`,
		amount, time.Now(), id, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("decrement item quantity: %w", err)
	}

	return matchedRows(result)
}

func (m *MySQLAdapter) DeleteItem(ctx context.Context, id string) (int64, error) {
	result, err := m.q.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete item: %w", err)
	}

	return matchedRows(result)
}

const selectCartEntry = `SELECT id, item_id, quantity, created_at, updated_at FROM cart_entries`

func scanCartEntry(row interface{ Scan(...any) error }) (*domain.CartEntry, error) {
	var entry domain.CartEntry
	if err := row.Scan(&entry.ID, &entry.ItemID, &entry.Quantity, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *MySQLAdapter) FindCartEntry(ctx context.Context, itemID string) (*domain.CartEntry, error) {
	query := selectCartEntry + ` WHERE item_id = ?`
	if m.locking {
		query += ` FOR UPDATE`
	}

	entry, err := scanCartEntry(m.q.QueryRowContext(ctx, query, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cart entry: %w", err)
	}

	return entry, nil
}

func (m *MySQLAdapter) FindCartEntries(ctx context.Context) ([]domain.CartEntry, error) {
	return m.findCartEntries(ctx, false)
}

func (m *MySQLAdapter) FindCartEntriesForUpdate(ctx context.Context) ([]domain.CartEntry, error) {
	return m.findCartEntries(ctx, m.locking)
}

func (m *MySQLAdapter) findCartEntries(ctx context.Context, forUpdate bool) ([]domain.CartEntry, error) {
	query := selectCartEntry + ` ORDER BY created_at, item_id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := m.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query cart entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.CartEntry
	for rows.Next() {
		entry, err := scanCartEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (m *MySQLAdapter) UpsertCartEntry(ctx context.Context, itemID string, quantity int) (*domain.CartEntry, error) {
	now := time.Now()
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO cart_entries (id, item_id, quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), updated_at = VALUES(updated_at)`,
		uuid.NewString(), itemID, quantity, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert cart entry: %w", err)
	}

	entry, err := m.FindCartEntry(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("upsert cart entry: entry for item %s vanished", itemID)
	}
	return entry, nil
}

func (m *MySQLAdapter) DeleteCartEntry(ctx context.Context, itemID string) (int64, error) {
	result, err := m.q.ExecContext(ctx, `DELETE FROM cart_entries WHERE item_id = ?`, itemID)
	if err != nil {
		return 0, fmt.Errorf("delete cart entry: %w", err)
	}

	return matchedRows(result)
}

func (m *MySQLAdapter) AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	for _, e := range entries {
		_, err := m.q.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, checkout_id, item_id, item_name, quantity, unit_price, line_total, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CheckoutID, e.ItemID, e.ItemName, e.Quantity, e.UnitPrice, e.LineTotal, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) FindLedgerEntries(ctx context.Context, checkoutID string) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, checkout_id, item_id, item_name, quantity, unit_price, line_total, created_at
		FROM ledger_entries`
	var args []any
	if checkoutID != "" {
		query += ` WHERE checkout_id = ?`
		args = append(args, checkoutID)
	}
	query += ` ORDER BY created_at, item_id`

	rows, err := m.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.CheckoutID, &e.ItemID, &e.ItemName, &e.Quantity,
			&e.UnitPrice, &e.LineTotal, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func matchedRows(result sql.Result) (int64, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rows, nil
}
