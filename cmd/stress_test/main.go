package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-checkout/internal/adapter/pricing"
	"github.com/rl1809/stock-checkout/internal/adapter/storage"
	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/core/service"
)

const (
	productID = "FS00XX"
	size      = 42
)

func main() {
	initialStock := flag.Int("stock", 20, "units on sale")
	expiredEvery := flag.Int("expired-every", 0, "every n-th request uses an expired promotion (0 disables)")
	dsn := flag.String("dsn", os.Getenv("MYSQL_DSN"), "run against MySQL instead of the in-memory store")
	flag.Parse()

	ctx := context.Background()
	totalRequests := 2 * *initialStock
	key := domain.StockKey{ProductID: productID, Size: size}

	mem := storage.NewMemoryStore()
	var (
		store service.Store = mem
		seed                = func(_ context.Context, k domain.StockKey, qty int) error {
			mem.SetStock(k, qty)
			return nil
		}
	)
	if *dsn != "" {
		cfg, err := mysql.ParseDSN(*dsn)
		if err != nil {
			log.Fatalf("invalid dsn: %v", err)
		}
		cfg.ParseTime = true
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		db := sql.OpenDB(connector)
		defer db.Close()

		adapter := storage.NewMySQLAdapter(db, 2*time.Second)
		if err := adapter.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to apply schema: %v", err)
		}
		store, seed = adapter, adapter.SetStock
	}

	if err := seed(ctx, key, *initialStock); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}

	rules, err := pricing.NewRuleEvaluator()
	if err != nil {
		log.Fatalf("failed to build rules: %v", err)
	}
	catalog := pricing.NewStaticCatalog(rules)
	catalog.AddProduct(pricing.ProductModel{ID: productID, UnitPrice: 1_500_000, IsActive: true})
	expiredAt := time.Now().Add(-time.Hour)
	catalog.AddPromotion(pricing.PromotionModel{
		Code:          "EXPIRED",
		DiscountType:  pricing.DiscountPercent,
		DiscountValue: 50,
		IsActive:      true,
		ExpiredAt:     &expiredAt,
	})

	orderService := service.NewOrderService(service.RepositoriesOf(store), catalog, catalog, service.Options{
		Logger: zerolog.Nop(),
	})

	// Counters
	var successCount, soldOutCount, pricingCount, otherCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(buyer int) {
			defer wg.Done()

			promo := ""
			if *expiredEvery > 0 && buyer%*expiredEvery == 0 {
				promo = "EXPIRED"
			}

			_, err := orderService.ReserveAndOrder(ctx, fmt.Sprintf("user-%d", buyer), productID, size, promo)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				soldOutCount.Add(1)
			case errors.Is(err, domain.ErrPricing):
				pricingCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("user-%d: %v", buyer, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := int(successCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Pricing Failed:   %d\n", pricingCount.Load())
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := otherCount.Load() > 0

	// Without failing promotions every unit must sell. With them a unit can
	// come back after the last buyer already saw the product sold out.
	if *expiredEvery == 0 {
		if success == *initialStock {
			fmt.Printf("PASS: Exactly %d orders succeeded\n", *initialStock)
		} else {
			fmt.Printf("FAIL: Expected %d successes, got %d\n", *initialStock, success)
			failed = true
		}
	}

	finalStock, err := store.Peek(ctx, key)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	fmt.Printf("Final Stock: %d\n", finalStock)

	if finalStock+success == *initialStock {
		fmt.Printf("PASS: %d sold + %d left = %d\n", success, finalStock, *initialStock)
	} else {
		fmt.Printf("FAIL: %d sold + %d left != %d\n", success, finalStock, *initialStock)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}
