package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/settlement"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the given schema SQL. Safe to re-run: the schema uses
// IF NOT EXISTS throughout.
func (db *DB) Migrate(ctx context.Context, schema string) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, is_admin, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, models.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SetAdmin flags a user as an administrator.
func (db *DB) SetAdmin(ctx context.Context, userID int, admin bool) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE users SET is_admin = $1 WHERE id = $2", admin, userID)
	if err != nil {
		return fmt.Errorf("failed to set admin flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// Deposit credits funds to a user's balance, creating the row if needed.
func (db *DB) Deposit(ctx context.Context, userID int, asset string, amount decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO balances (user_id, asset, balance, locked) VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, asset) DO UPDATE SET balance = balances.balance + EXCLUDED.balance
	`, userID, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	return nil
}

// GetBalance returns one user/asset balance, zero if never funded.
func (db *DB) GetBalance(ctx context.Context, userID int, asset string) (models.Balance, error) {
	b := models.Balance{UserID: userID, Asset: asset, Total: decimal.Zero, Locked: decimal.Zero}
	err := db.Pool.QueryRow(ctx,
		"SELECT balance, locked FROM balances WHERE user_id = $1 AND asset = $2",
		userID, asset).Scan(&b.Total, &b.Locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, nil
		}
		return b, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// GetUserBalances returns all balances of a user.
func (db *DB) GetUserBalances(ctx context.Context, userID int) ([]models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, asset, balance, locked FROM balances WHERE user_id = $1 ORDER BY asset",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var out []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Total, &b.Locked); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateOrder reserves the order's lock amount and inserts the order in a
// single transaction. Returns ErrInsufficientFunds when available funds do
// not cover the reservation.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order, lockAsset string) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance, locked decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT balance, locked FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE",
		order.UserID, lockAsset).Scan(&balance, &locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Sub(locked).LessThan(order.LockedFunds) {
		return nil, models.ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx,
		"UPDATE balances SET locked = locked + $3 WHERE user_id = $1 AND asset = $2",
		order.UserID, lockAsset, order.LockedFunds)
	if err != nil {
		return nil, fmt.Errorf("failed to lock funds: %w", err)
	}

	created := &models.Order{}
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, pair, side, type, price, quantity, filled_quantity, locked_funds, status)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		RETURNING id, user_id, pair, side, type, price, quantity, filled_quantity, locked_funds, status, created_at, updated_at
	`, order.UserID, order.Pair, order.Side, order.Type, order.Price, order.Quantity, order.LockedFunds, order.Status).Scan(
		&created.ID, &created.UserID, &created.Pair, &created.Side, &created.Type,
		&created.Price, &created.Quantity, &created.FilledQuantity, &created.LockedFunds,
		&created.Status, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

const orderColumns = "id, user_id, pair, side, type, price, quantity, filled_quantity, locked_funds, status, created_at, updated_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Side, &o.Type, &o.Price,
		&o.Quantity, &o.FilledQuantity, &o.LockedFunds, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder retrieves one order by id.
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOpenOrders retrieves all open orders, oldest first, for warm-loading
// the books on startup.
func (db *DB) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status IN ($1, $2) ORDER BY id ASC",
		models.StatusOpen, models.StatusPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetUserTrades retrieves all trades that touch one of the user's orders
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT t.id, t.buy_order_id, t.sell_order_id, t.pair, t.price, t.quantity, t.total, t.executed_at
		FROM trades t JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id
		WHERE o.user_id = $1
		ORDER BY t.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Pair,
			&t.Price, &t.Quantity, &t.Total, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetLastTradePrice returns the price of the most recent trade on a pair.
// Used to warm the engine's reference price after a restart.
func (db *DB) GetLastTradePrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := db.Pool.QueryRow(ctx,
		"SELECT price FROM trades WHERE pair = $1 ORDER BY id DESC LIMIT 1", pair).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get last trade price: %w", err)
	}
	return price, nil
}

// CountTrades returns the lifetime trade count.
func (db *DB) CountTrades(ctx context.Context) (int, error) {
	var n int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM trades").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

// CountTradesSince returns the number of trades executed at or after since.
func (db *DB) CountTradesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trades WHERE executed_at >= $1", since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

// ApplyTrade commits one settlement unit in a single transaction: the trade
// record, both orders' fill state and every balance leg. Balance rows are
// locked in a deterministic order to avoid deadlocks between concurrent
// settlements. Re-applying a unit whose tx id was already recorded returns
// the previously written trade.
func (db *DB) ApplyTrade(ctx context.Context, unit settlement.TradeUnit) (*models.Trade, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Idempotency: a retried unit must not settle twice.
	var existingTradeID int
	err = tx.QueryRow(ctx,
		"SELECT trade_id FROM settlements WHERE tx_id = $1", unit.TxID).Scan(&existingTradeID)
	if err == nil {
		return db.getTrade(ctx, tx, existingTradeID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check settlement: %w", err)
	}

	if err := lockBalanceRows(ctx, tx, unit.Legs); err != nil {
		return nil, err
	}
	for _, leg := range unit.Legs {
		if err := applyLeg(ctx, tx, leg); err != nil {
			return nil, err
		}
	}

	for _, fill := range []settlement.FillUpdate{unit.Buy, unit.Sell} {
		if fill.LockedFunds.IsNegative() {
			return nil, fmt.Errorf("order %d: locked funds would go negative (%s)",
				fill.OrderID, fill.LockedFunds)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET filled_quantity = $2, status = $3, locked_funds = $4, updated_at = NOW()
			WHERE id = $1
		`, fill.OrderID, fill.FilledQuantity, fill.Status, fill.LockedFunds)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %d: %w", fill.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, models.ErrOrderNotFound
		}
	}

	trade := unit.Trade
	err = tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, pair, price, quantity, total, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, executed_at
	`, trade.BuyOrderID, trade.SellOrderID, trade.Pair, trade.Price, trade.Quantity,
		trade.Total, trade.ExecutedAt).Scan(&trade.ID, &trade.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO settlements (tx_id, trade_id) VALUES ($1, $2)", unit.TxID, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &trade, nil
}

func (db *DB) getTrade(ctx context.Context, tx pgx.Tx, tradeID int) (*models.Trade, error) {
	var t models.Trade
	err := tx.QueryRow(ctx, `
		SELECT id, buy_order_id, sell_order_id, pair, price, quantity, total, executed_at
		FROM trades WHERE id = $1
	`, tradeID).Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Pair,
		&t.Price, &t.Quantity, &t.Total, &t.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled trade: %w", err)
	}
	return &t, nil
}

// lockBalanceRows takes FOR UPDATE locks on every balance touched by the
// unit, sorted by (user, asset) so concurrent settlements lock in the same
// order.
func lockBalanceRows(ctx context.Context, tx pgx.Tx, legs []settlement.BalanceLeg) error {
	type key struct {
		userID int
		asset  string
	}
	seen := make(map[key]bool)
	var keys []key
	for _, leg := range legs {
		k := key{leg.UserID, leg.Asset}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].asset < keys[j].asset
	})

	for _, k := range keys {
		// Credits may target a user with no balance row yet; create it so
		// the lock has something to hold.
		_, err := tx.Exec(ctx, `
			INSERT INTO balances (user_id, asset, balance, locked) VALUES ($1, $2, 0, 0)
			ON CONFLICT (user_id, asset) DO NOTHING
		`, k.userID, k.asset)
		if err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}
		_, err = tx.Exec(ctx,
			"SELECT 1 FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE",
			k.userID, k.asset)
		if err != nil {
			return fmt.Errorf("failed to lock balance row: %w", err)
		}
	}
	return nil
}

func applyLeg(ctx context.Context, tx pgx.Tx, leg settlement.BalanceLeg) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch leg.Kind {
	case settlement.LegDebitLocked:
		tag, err = tx.Exec(ctx, `
			UPDATE balances SET balance = balance - $3, locked = locked - $3
			WHERE user_id = $1 AND asset = $2 AND locked >= $3 AND balance >= $3
		`, leg.UserID, leg.Asset, leg.Amount)
	case settlement.LegCredit:
		tag, err = tx.Exec(ctx, `
			UPDATE balances SET balance = balance + $3
			WHERE user_id = $1 AND asset = $2
		`, leg.UserID, leg.Asset, leg.Amount)
	case settlement.LegUnlock:
		tag, err = tx.Exec(ctx, `
			UPDATE balances SET locked = locked - $3
			WHERE user_id = $1 AND asset = $2 AND locked >= $3
		`, leg.UserID, leg.Asset, leg.Amount)
	}
	if err != nil {
		return fmt.Errorf("failed to apply balance leg: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance leg rejected: user %d asset %s amount %s",
			leg.UserID, leg.Asset, leg.Amount)
	}
	return nil
}

// ApplyCancel marks the order cancelled and releases its remaining
// reservation in one transaction.
func (db *DB) ApplyCancel(ctx context.Context, unit settlement.CancelUnit) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		"SELECT status FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		unit.OrderID, unit.UserID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrOrderNotFound
		}
		return fmt.Errorf("failed to get order: %w", err)
	}
	switch status {
	case models.StatusPending, models.StatusOpen, models.StatusPartiallyFilled:
	default:
		return models.ErrOrderNotOpen
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders SET status = $2, locked_funds = 0, updated_at = NOW() WHERE id = $1
	`, unit.OrderID, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	if unit.Amount.IsPositive() {
		tag, err := tx.Exec(ctx, `
			UPDATE balances SET locked = locked - $3
			WHERE user_id = $1 AND asset = $2 AND locked >= $3
		`, unit.UserID, unit.Asset, unit.Amount)
		if err != nil {
			return fmt.Errorf("failed to unlock funds: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("unlock rejected: user %d asset %s amount %s",
				unit.UserID, unit.Asset, unit.Amount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
