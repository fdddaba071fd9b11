package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rl1809/cart-ledger/internal/adapter/storage"
	"github.com/rl1809/cart-ledger/internal/core/domain"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	guard   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/cartledger?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	// The cart is shared, so every run starts from an empty one
	if _, err := db.Exec(`DELETE FROM cart_entries`); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		guard: storage.NewRedisAdapter(rdb),
		db:    adapter,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func TestIntegration_FullCheckoutFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	initialStock := 10
	engine := NewReconciliationEngine(env.db, WithIdempotency(env.guard))

	item, err := engine.CreateItem(ctx, domain.NewItem{
		Name:      "integration-test-item",
		UnitPrice: decimal.RequireFromString("3.50"),
		Quantity:  initialStock,
	})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}

	// Execute holds
	var successCount atomic.Int32
	var wg sync.WaitGroup
	totalRequests := 20

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.AddToCart(ctx, item.ID, 1); err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successful holds, got %d", initialStock, successCount.Load())
	}

	key := "integration-" + uuid.NewString()
	receipt, err := engine.Finalize(ctx, key)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if !receipt.Total.Equal(decimal.RequireFromString("35")) {
		t.Errorf("expected total 35, got %s", receipt.Total)
	}

	// Verify MySQL inventory
	var stock int
	env.mysql.QueryRowContext(ctx, `SELECT quantity FROM items WHERE id = ?`, item.ID).Scan(&stock)
	if stock != 0 {
		t.Errorf("expected MySQL stock 0, got %d", stock)
	}

	// Verify MySQL ledger
	var ledgerCount int
	env.mysql.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE checkout_id = ?`, receipt.CheckoutID).Scan(&ledgerCount)
	if ledgerCount != 1 {
		t.Errorf("expected 1 ledger entry, got %d", ledgerCount)
	}

	// Retrying the same checkout replays the receipt
	replay, err := engine.Finalize(ctx, key)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.CheckoutID != receipt.CheckoutID {
		t.Errorf("expected checkout %s, got %s", receipt.CheckoutID, replay.CheckoutID)
	}
}

func TestIntegration_FailedCheckoutLeavesNothing(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	engine := NewReconciliationEngine(env.db)

	kept, err := engine.CreateItem(ctx, domain.NewItem{Name: "rollback-kept", UnitPrice: decimal.NewFromInt(2), Quantity: 5})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}
	gone, err := engine.CreateItem(ctx, domain.NewItem{Name: "rollback-gone", UnitPrice: decimal.NewFromInt(2), Quantity: 5})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}

	if _, err := engine.AddToCart(ctx, kept.ID, 2); err != nil {
		t.Fatalf("add to cart failed: %v", err)
	}
	if _, err := engine.AddToCart(ctx, gone.ID, 2); err != nil {
		t.Fatalf("add to cart failed: %v", err)
	}
	if err := engine.DeleteItem(ctx, gone.ID); err != nil {
		t.Fatalf("delete item failed: %v", err)
	}

	_, err = engine.Finalize(ctx, "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got: %v", err)
	}

	item, err := engine.GetItem(ctx, kept.ID)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.AvailableQuantity != 5 {
		t.Errorf("expected stock 5 after rollback, got %d", item.AvailableQuantity)
	}

	var cartCount int
	env.mysql.QueryRowContext(ctx, `SELECT COUNT(*) FROM cart_entries`).Scan(&cartCount)
	if cartCount != 2 {
		t.Errorf("expected 2 cart entries to survive, got %d", cartCount)
	}
}

func setupMongoReplicaSet(t *testing.T) *storage.MongoAdapter {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017/?directConnection=true"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	db := client.Database("cartledger_tx_test")
	if err := db.Drop(ctx); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	adapter := storage.NewMongoAdapter(db)
	ok, err := adapter.SupportsTransactions(ctx)
	if err != nil || !ok {
		t.Skip("MongoDB replica set not available")
	}
	// Collections cannot be created implicitly inside a transaction on older servers
	if err := adapter.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes failed: %v", err)
	}
	return adapter
}

func TestIntegration_MongoConcurrentHolds(t *testing.T) {
	adapter := setupMongoReplicaSet(t)

	ctx := context.Background()
	initialStock := 5
	engine := NewReconciliationEngine(adapter)

	item, err := engine.CreateItem(ctx, domain.NewItem{Name: "mongo-item", UnitPrice: decimal.RequireFromString("2.50"), Quantity: initialStock})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.AddToCart(ctx, item.ID, 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	lines, err := engine.ListCart(ctx)
	if err != nil {
		t.Fatalf("list cart failed: %v", err)
	}
	held := 0
	for _, line := range lines {
		held += line.Entry.Quantity
	}
	if held != int(successCount.Load()) {
		t.Errorf("expected %d held, got %d", successCount.Load(), held)
	}
	if held > initialStock {
		t.Errorf("held %d exceeds stock %d", held, initialStock)
	}

	receipt, err := engine.Finalize(ctx, "")
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if held > 0 && len(receipt.Lines) != 1 {
		t.Errorf("expected 1 receipt line, got %d", len(receipt.Lines))
	}

	after, err := engine.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if after.AvailableQuantity != initialStock-held {
		t.Errorf("expected stock %d, got %d", initialStock-held, after.AvailableQuantity)
	}
}
