package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-ledger/internal/adapter/storage"
	"github.com/rl1809/cart-ledger/internal/config"
	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/core/service"
	"github.com/rl1809/cart-ledger/internal/logger"
	"github.com/rl1809/cart-ledger/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
	checkouts     = 10
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger.New(logger.Config{Env: cfg.App.Env, Level: "warn"})

	var store port.Transactor = storage.NewMemoryStore()
	if cfg.Storage.Driver == config.DriverMySQL {
		db, err := sql.Open("mysql", cfg.Storage.MySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect mysql")
		}
		defer db.Close()

		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate mysql")
		}
		// Start from an empty cart
		if _, err := db.ExecContext(ctx, `DELETE FROM cart_entries`); err != nil {
			log.Fatal().Err(err).Msg("failed to clear cart")
		}
		store = adapter
	}

	engine := service.NewReconciliationEngine(store, service.WithLogger(log.Logger))

	item, err := engine.CreateItem(ctx, domain.NewItem{
		Name:      "stress-test-item",
		UnitPrice: decimal.RequireFromString("9.99"),
		Quantity:  initialStock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create item")
	}

	// Counters
	var heldCount, soldOutCount, failCount atomic.Int32

	// Spawn concurrent holds
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := engine.AddToCart(ctx, item.ID, 1)
			switch domain.KindOf(err) {
			case "":
				heldCount.Add(1)
			case domain.KindInsufficientStock:
				soldOutCount.Add(1)
			default:
				failCount.Add(1)
			}
		}()
	}
	wg.Wait()

	// Race checkouts against each other
	var committed, committedLines atomic.Int32
	for i := 0; i < checkouts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			receipt, err := engine.Finalize(ctx, "")
			if err != nil {
				failCount.Add(1)
				return
			}
			if len(receipt.Lines) > 0 {
				committed.Add(1)
				for _, l := range receipt.Lines {
					committedLines.Add(int32(l.Quantity))
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Storage:          %s\n", cfg.Storage.Driver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Held:             %d\n", heldCount.Load())
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Errors:           %d\n", failCount.Load())
	fmt.Printf("Checkouts:        %d committed of %d\n", committed.Load(), checkouts)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if heldCount.Load() == initialStock && soldOutCount.Load() == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d holds succeeded, %d sold out\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d held/%d sold out, got %d/%d\n",
			initialStock, totalRequests-initialStock, heldCount.Load(), soldOutCount.Load())
	}

	if committed.Load() == 1 && committedLines.Load() == initialStock {
		fmt.Println("PASS: One checkout committed every hold")
	} else {
		fmt.Printf("FAIL: Expected 1 checkout of %d units, got %d checkouts of %d units\n",
			initialStock, committed.Load(), committedLines.Load())
	}

	final, err := engine.GetItem(ctx, item.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read item")
	}
	fmt.Printf("Final Stock: %d\n", final.AvailableQuantity)

	if final.AvailableQuantity == 0 && !final.InInventory {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", final.AvailableQuantity)
	}
}
