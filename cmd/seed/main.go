package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianex/exchange/internal/config"
	"github.com/meridianex/exchange/internal/db"
	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/settlement"
)

// Seed the database with test users, balances, historical trades, and a
// resting order book.
func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.Driver != "postgres" {
		log.Fatalf("Seeding requires the postgres driver, got %q", cfg.Storage.Driver)
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	schema, err := os.ReadFile("migrations/001_init.sql")
	if err != nil {
		log.Fatalf("Failed to read migration: %v", err)
	}
	if err := database.Migrate(ctx, string(schema)); err != nil {
		log.Fatalf("Failed to apply migration: %v", err)
	}

	// Skip if already seeded
	count, err := database.CountTrades(ctx)
	if err != nil {
		log.Fatalf("Failed to check trades: %v", err)
	}
	if count > 0 {
		fmt.Printf("Database already has %d trades. No need to seed.\n", count)
		os.Exit(0)
	}

	admin := ensureUser(ctx, database, "admin", "admin123")
	if err := database.SetAdmin(ctx, admin.ID, true); err != nil {
		log.Fatalf("Failed to set admin flag: %v", err)
	}
	trader1 := ensureUser(ctx, database, "trader1", "password123")
	trader2 := ensureUser(ctx, database, "trader2", "password123")

	pair := cfg.Pairs()[0]
	deposit(ctx, database, trader1.ID, pair.Quote, "100000")
	deposit(ctx, database, trader1.ID, pair.Base, "2")
	deposit(ctx, database, trader2.ID, pair.Quote, "100000")
	deposit(ctx, database, trader2.ID, pair.Base, "2")

	// Historical filled orders and trades so the chart and the market-order
	// reference price have data on a fresh database.
	history := []struct {
		price, qty string
		age        time.Duration
	}{
		{"88000", "0.10", 72 * time.Hour},
		{"89000", "0.20", 48 * time.Hour},
		{"90000", "0.15", 24 * time.Hour},
	}
	for _, h := range history {
		buyID := insertFilledOrder(ctx, database, trader1.ID, pair.Symbol, models.SideBuy, h.price, h.qty, h.age)
		sellID := insertFilledOrder(ctx, database, trader2.ID, pair.Symbol, models.SideSell, h.price, h.qty, h.age)
		_, err := database.Pool.Exec(ctx, `
			INSERT INTO trades (buy_order_id, sell_order_id, pair, price, quantity, total, executed_at)
			VALUES ($1, $2, $3, $4, $5, $4::numeric * $5::numeric, NOW() - $6::interval)
		`, buyID, sellID, pair.Symbol, h.price, h.qty, pgInterval(h.age))
		if err != nil {
			log.Fatalf("Failed to create trade: %v", err)
		}
	}

	// Resting orders on both sides of the spread, locked the way the API
	// would lock them.
	resting := []struct {
		user       *models.User
		side       string
		price, qty string
	}{
		{trader1, models.SideBuy, "89500", "0.25"},
		{trader1, models.SideBuy, "89000", "0.50"},
		{trader2, models.SideSell, "90500", "0.30"},
		{trader2, models.SideSell, "91000", "0.40"},
	}
	for _, r := range resting {
		order := &models.Order{
			UserID:   r.user.ID,
			Pair:     pair.Symbol,
			Side:     r.side,
			Type:     models.TypeLimit,
			Price:    decimal.RequireFromString(r.price),
			Quantity: decimal.RequireFromString(r.qty),
			Status:   models.StatusOpen,
		}
		lockAsset, lockAmount := settlement.InitialLock(order, pair, decimal.Zero)
		order.LockedFunds = lockAmount
		if _, err := database.CreateOrder(ctx, order, lockAsset); err != nil {
			log.Fatalf("Failed to create resting order: %v", err)
		}
	}

	fmt.Println("Successfully seeded the database!")
	fmt.Println("Users: admin/admin123, trader1/password123, trader2/password123")
}

func ensureUser(ctx context.Context, database *db.DB, username, password string) *models.User {
	if user, err := database.GetUserByUsername(ctx, username); err == nil {
		return user
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	user, err := database.CreateUser(ctx, username, string(hash))
	if err != nil {
		log.Fatalf("Failed to create user %s: %v", username, err)
	}
	return user
}

func deposit(ctx context.Context, database *db.DB, userID int, asset, amount string) {
	if err := database.Deposit(ctx, userID, asset, decimal.RequireFromString(amount)); err != nil {
		log.Fatalf("Failed to deposit %s %s: %v", amount, asset, err)
	}
}

func insertFilledOrder(ctx context.Context, database *db.DB, userID int, pair, side, price, qty string, age time.Duration) int {
	var id int
	err := database.Pool.QueryRow(ctx, `
		INSERT INTO orders (user_id, pair, side, type, price, quantity, filled_quantity, locked_funds, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'limit', $4, $5, $5, 0, 'filled', NOW() - $6::interval, NOW() - $6::interval)
		RETURNING id
	`, userID, pair, side, price, qty, pgInterval(age)).Scan(&id)
	if err != nil {
		log.Fatalf("Failed to create filled order: %v", err)
	}
	return id
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d hours", int(d.Hours()))
}
