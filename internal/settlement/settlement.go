package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/exchange/internal/models"
)

// LegKind selects how one balance leg mutates a user's wallet.
type LegKind int

const (
	// LegDebitLocked removes funds that were reserved: both total and
	// locked decrease.
	LegDebitLocked LegKind = iota
	// LegCredit adds funds to the total balance.
	LegCredit
	// LegUnlock releases reserved funds back to available: locked decreases,
	// total is untouched.
	LegUnlock
)

// BalanceLeg is one wallet mutation inside a settlement unit.
type BalanceLeg struct {
	UserID int
	Asset  string
	Amount decimal.Decimal
	Kind   LegKind
}

// FillUpdate carries the post-trade state of one order.
type FillUpdate struct {
	OrderID        int
	FilledQuantity decimal.Decimal
	Status         string
	LockedFunds    decimal.Decimal
}

// TradeUnit is everything one match commits as a single atomic unit:
// the trade record, both orders' fill state, and the balance legs.
// TxID makes the unit idempotent-safe under retry.
type TradeUnit struct {
	TxID  uuid.UUID
	Trade models.Trade
	Buy   FillUpdate
	Sell  FillUpdate
	Legs  []BalanceLeg
}

// CancelUnit releases the remaining reserved funds of one order and marks
// it cancelled, atomically.
type CancelUnit struct {
	TxID    uuid.UUID
	OrderID int
	UserID  int
	Asset   string
	Amount  decimal.Decimal
}

// Ledger is the transactional store the coordinator settles against. Every
// Apply call is all-or-nothing: a failure must leave no partial debits or
// credits behind.
type Ledger interface {
	ApplyTrade(ctx context.Context, unit TradeUnit) (*models.Trade, error)
	ApplyCancel(ctx context.Context, unit CancelUnit) error
}

// Coordinator translates matches and cancellations into wallet mutations.
// It owns the locking contract but not the storage.
type Coordinator struct {
	ledger Ledger
	log    *zap.Logger
}

// NewCoordinator creates a coordinator backed by the given ledger.
func NewCoordinator(ledger Ledger, log *zap.Logger) *Coordinator {
	return &Coordinator{ledger: ledger, log: log}
}

// InitialLock returns the asset and amount reserved when an order is
// submitted: quote funds at the limit (or reference) price for a buy, base
// quantity for a sell.
func InitialLock(order *models.Order, pair models.Pair, refPrice decimal.Decimal) (string, decimal.Decimal) {
	if order.Side == models.SideSell {
		return pair.Base, order.Quantity
	}
	price := order.Price
	if order.Type == models.TypeMarket {
		price = refPrice
	}
	return pair.Quote, price.Mul(order.Quantity)
}

// SettleMatch commits one match between a buy and a sell order. price is
// the maker's price, qty the matched base amount. On success the in-memory
// orders are advanced to their post-trade state; on failure nothing
// changes, matching the rollback contract.
func (c *Coordinator) SettleMatch(ctx context.Context, pair models.Pair, buy, sell *models.Order, price, qty decimal.Decimal) (*models.Trade, error) {
	total := price.Mul(qty)

	buyFill := nextFill(buy, qty)
	sellFill := nextFill(sell, qty)

	// Reserved funds consumed by this trade.
	buyRelease := total
	if buy.Type == models.TypeLimit {
		// A taker buy crossing a cheaper maker releases its full reservation
		// at its own limit price; the difference is refunded below.
		buyRelease = buy.Price.Mul(qty)
	}
	buyFill.LockedFunds = buy.LockedFunds.Sub(buyRelease)
	sellFill.LockedFunds = sell.LockedFunds.Sub(qty)

	legs := []BalanceLeg{
		{UserID: sell.UserID, Asset: pair.Base, Amount: qty, Kind: LegDebitLocked},
		{UserID: buy.UserID, Asset: pair.Base, Amount: qty, Kind: LegCredit},
		{UserID: buy.UserID, Asset: pair.Quote, Amount: total, Kind: LegDebitLocked},
		{UserID: sell.UserID, Asset: pair.Quote, Amount: total, Kind: LegCredit},
	}

	// Price improvement for a taker buy: excess reserved quote goes back to
	// available without being transferred.
	if refund := buyRelease.Sub(total); refund.IsPositive() {
		legs = append(legs, BalanceLeg{UserID: buy.UserID, Asset: pair.Quote, Amount: refund, Kind: LegUnlock})
	}

	// A filled order releases whatever reservation is left over (market buy
	// locked at reference price, fill executed cheaper).
	if buyFill.Status == models.StatusFilled && buyFill.LockedFunds.IsPositive() {
		legs = append(legs, BalanceLeg{UserID: buy.UserID, Asset: pair.Quote, Amount: buyFill.LockedFunds, Kind: LegUnlock})
		buyFill.LockedFunds = decimal.Zero
	}
	if sellFill.Status == models.StatusFilled && sellFill.LockedFunds.IsPositive() {
		legs = append(legs, BalanceLeg{UserID: sell.UserID, Asset: pair.Base, Amount: sellFill.LockedFunds, Kind: LegUnlock})
		sellFill.LockedFunds = decimal.Zero
	}

	unit := TradeUnit{
		TxID: uuid.New(),
		Trade: models.Trade{
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Pair:        pair.Symbol,
			Price:       price,
			Quantity:    qty,
			Total:       total,
			ExecutedAt:  time.Now(),
		},
		Buy:  buyFill,
		Sell: sellFill,
		Legs: legs,
	}

	trade, err := c.ledger.ApplyTrade(ctx, unit)
	if err != nil {
		return nil, &models.SettlementError{
			Pair:        pair.Symbol,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Err:         err,
		}
	}

	applyFill(buy, buyFill)
	applyFill(sell, sellFill)

	c.log.Info("trade settled",
		zap.String("pair", pair.Symbol),
		zap.Int("trade_id", trade.ID),
		zap.Int("buy_order_id", buy.ID),
		zap.Int("sell_order_id", sell.ID),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
	)
	return trade, nil
}

// CancelOrder releases the order's remaining reserved funds and marks it
// cancelled. No trade is created.
func (c *Coordinator) CancelOrder(ctx context.Context, pair models.Pair, order *models.Order) error {
	unit := CancelUnit{
		TxID:    uuid.New(),
		OrderID: order.ID,
		UserID:  order.UserID,
		Asset:   order.LockedAsset(pair),
		Amount:  order.LockedFunds,
	}
	if err := c.ledger.ApplyCancel(ctx, unit); err != nil {
		return err
	}
	order.Status = models.StatusCancelled
	order.LockedFunds = decimal.Zero
	order.UpdatedAt = time.Now()

	c.log.Info("order cancelled",
		zap.String("pair", pair.Symbol),
		zap.Int("order_id", order.ID),
		zap.String("unlocked", unit.Amount.String()),
	)
	return nil
}

func nextFill(o *models.Order, qty decimal.Decimal) FillUpdate {
	filled := o.FilledQuantity.Add(qty)
	status := models.StatusPartiallyFilled
	if filled.GreaterThanOrEqual(o.Quantity) {
		status = models.StatusFilled
	}
	return FillUpdate{OrderID: o.ID, FilledQuantity: filled, Status: status}
}

func applyFill(o *models.Order, f FillUpdate) {
	o.FilledQuantity = f.FilledQuantity
	o.Status = f.Status
	o.LockedFunds = f.LockedFunds
	o.UpdatedAt = time.Now()
}
