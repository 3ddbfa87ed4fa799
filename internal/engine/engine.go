// Package engine implements continuous price-time-priority matching of
// limit and market orders against per-pair order books.
package engine

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/exchange/internal/book"
	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/settlement"
)

// pairState is one pair's book plus the mutex that serializes matching,
// submission and cancellation for that pair. Books are independent, so
// different pairs may match in parallel.
type pairState struct {
	mu        sync.Mutex
	pair      models.Pair
	book      *book.Book
	lastPrice decimal.Decimal
}

// Engine matches orders for a fixed set of trading pairs. All fills are
// settled through the coordinator before any in-memory state advances, so
// a settlement failure leaves book and orders exactly as they were.
type Engine struct {
	coord *settlement.Coordinator
	log   *zap.Logger
	pairs map[string]*pairState
}

// New creates an engine trading the given pairs.
func New(pairs []models.Pair, coord *settlement.Coordinator, log *zap.Logger) *Engine {
	e := &Engine{
		coord: coord,
		log:   log,
		pairs: make(map[string]*pairState, len(pairs)),
	}
	for _, p := range pairs {
		e.pairs[p.Symbol] = &pairState{pair: p, book: book.New(p)}
	}
	return e
}

// Pair resolves a pair symbol to its configured pair.
func (e *Engine) Pair(symbol string) (models.Pair, bool) {
	ps, ok := e.pairs[symbol]
	if !ok {
		return models.Pair{}, false
	}
	return ps.pair, true
}

// Pairs returns the symbols the engine trades.
func (e *Engine) Pairs() []string {
	out := make([]string, 0, len(e.pairs))
	for sym := range e.pairs {
		out = append(out, sym)
	}
	return out
}

// Restore re-inserts previously open orders into their books, e.g. after a
// restart. Orders on unknown pairs are skipped with a warning.
func (e *Engine) Restore(orders []models.Order) {
	for i := range orders {
		o := orders[i]
		ps, ok := e.pairs[o.Pair]
		if !ok {
			e.log.Warn("skipping open order on unknown pair",
				zap.Int("order_id", o.ID), zap.String("pair", o.Pair))
			continue
		}
		ps.mu.Lock()
		ps.book.Insert(&o)
		ps.mu.Unlock()
	}
}

// WarmLastPrice seeds a pair's reference price from persisted trade history,
// so market buys work right after a restart.
func (e *Engine) WarmLastPrice(symbol string, price decimal.Decimal) {
	ps, ok := e.pairs[symbol]
	if !ok || !price.IsPositive() {
		return
	}
	ps.mu.Lock()
	ps.lastPrice = price
	ps.mu.Unlock()
}

// SubmitLimit adds a limit order to its book. Matching happens on the next
// pass (scheduler tick or submit trigger).
func (e *Engine) SubmitLimit(order *models.Order) error {
	ps, ok := e.pairs[order.Pair]
	if !ok {
		return models.ErrUnknownPair
	}
	ps.mu.Lock()
	ps.book.Insert(order)
	ps.mu.Unlock()
	return nil
}

// qtyScale is the base-quantity precision of the books, matching the
// NUMERIC scale of the schema.
const qtyScale = 10

// SubmitMarket crosses a market order against the book immediately. The
// order never rests: it walks resting price levels until filled, the
// opposite side is exhausted, or (for buys) its quote reservation runs out,
// then any remainder is cancelled with its reservation released. Returns
// ErrNoLiquidity when the book offers nothing to cross at all; settlement
// failures are returned as-is.
func (e *Engine) SubmitMarket(ctx context.Context, order *models.Order) ([]models.Trade, error) {
	ps, ok := e.pairs[order.Pair]
	if !ok {
		return nil, models.ErrUnknownPair
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var trades []models.Trade
	var settleErr error
	for order.Remaining().IsPositive() {
		resting := ps.book.BestAsk()
		if order.Side == models.SideSell {
			resting = ps.book.BestBid()
		}
		if resting == nil {
			break
		}

		buy, sell := order, resting
		if order.Side == models.SideSell {
			buy, sell = resting, order
		}
		qty := decimal.Min(order.Remaining(), resting.Remaining())
		if order.Side == models.SideBuy {
			// A market buy may only spend what it reserved. Cap the fill at
			// the quantity its remaining reservation affords at this level,
			// truncating so price*qty never exceeds the lock.
			affordable, _ := order.LockedFunds.QuoRem(resting.Price, qtyScale)
			if affordable.LessThan(qty) {
				qty = affordable
			}
			if !qty.IsPositive() {
				break
			}
		}

		trade, err := e.coord.SettleMatch(ctx, ps.pair, buy, sell, resting.Price, qty)
		if err != nil {
			e.log.Error("market order settlement failed",
				zap.String("pair", ps.pair.Symbol),
				zap.Int("order_id", order.ID),
				zap.Error(err))
			settleErr = err
			break
		}
		trades = append(trades, *trade)
		ps.lastPrice = trade.Price
		if resting.Status == models.StatusFilled {
			ps.book.Remove(resting.ID)
		}
	}

	if settleErr != nil {
		// Release the remainder if the ledger still answers. If it does not,
		// the order stays pending outside the book and CancelDetached
		// recovers it later.
		if err := e.coord.CancelOrder(ctx, ps.pair, order); err != nil {
			e.log.Error("failed to release market order after settlement failure",
				zap.Int("order_id", order.ID), zap.Error(err))
		}
		return trades, settleErr
	}
	if len(trades) == 0 {
		if err := e.coord.CancelOrder(ctx, ps.pair, order); err != nil {
			return nil, err
		}
		return nil, models.ErrNoLiquidity
	}
	if order.Remaining().IsPositive() {
		// Book exhausted or reservation spent: release the rest.
		if err := e.coord.CancelOrder(ctx, ps.pair, order); err != nil {
			return trades, err
		}
	}
	return trades, nil
}

// MatchPair runs one matching pass for a pair: while the book is crossed
// (best bid >= best ask), trade at the maker's price, the maker being the
// earlier-submitted of the two. Returns the number of trades executed.
// A settlement failure stops the pass with book and orders unchanged for
// the failed step; the scheduler retries on its next tick.
func (e *Engine) MatchPair(ctx context.Context, symbol string) (int, error) {
	ps, ok := e.pairs[symbol]
	if !ok {
		return 0, models.ErrUnknownPair
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	matched := 0
	for {
		bid, ask := ps.book.BestBid(), ps.book.BestAsk()
		if bid == nil || ask == nil || bid.Price.LessThan(ask.Price) {
			return matched, nil
		}

		price := makerPrice(bid, ask)
		qty := decimal.Min(bid.Remaining(), ask.Remaining())

		trade, err := e.coord.SettleMatch(ctx, ps.pair, bid, ask, price, qty)
		if err != nil {
			return matched, err
		}
		matched++
		ps.lastPrice = trade.Price

		if bid.Status == models.StatusFilled {
			ps.book.Remove(bid.ID)
		}
		if ask.Status == models.StatusFilled {
			ps.book.Remove(ask.ID)
		}
	}
}

// makerPrice returns the resting (earlier-created) order's price. Ties go
// to the lower order id, ids being monotonic with submission.
func makerPrice(bid, ask *models.Order) decimal.Decimal {
	if bid.CreatedAt.Before(ask.CreatedAt) {
		return bid.Price
	}
	if ask.CreatedAt.Before(bid.CreatedAt) {
		return ask.Price
	}
	if bid.ID < ask.ID {
		return bid.Price
	}
	return ask.Price
}

// Cancel removes an open order from its book and releases its remaining
// reservation. Cancellation and matching are mutually exclusive per pair.
func (e *Engine) Cancel(ctx context.Context, symbol string, orderID, userID int) error {
	ps, ok := e.pairs[symbol]
	if !ok {
		return models.ErrUnknownPair
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	order := ps.book.Find(orderID)
	if order == nil {
		return models.ErrOrderNotFound
	}
	if order.UserID != userID {
		return models.ErrOrderNotFound
	}
	if !order.IsOpen() {
		return models.ErrOrderNotOpen
	}
	if err := e.coord.CancelOrder(ctx, ps.pair, order); err != nil {
		return err
	}
	ps.book.Remove(orderID)
	return nil
}

// CancelDetached releases an order that holds a reservation without resting
// in the book, such as a market order stranded pending by a settlement
// outage. The ledger re-validates the order's status, so a stale copy of
// the order is safe to pass.
func (e *Engine) CancelDetached(ctx context.Context, order *models.Order) error {
	ps, ok := e.pairs[order.Pair]
	if !ok {
		return models.ErrUnknownPair
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if resting := ps.book.Find(order.ID); resting != nil {
		// Resting after all: cancel it in the book.
		if !resting.IsOpen() {
			return models.ErrOrderNotOpen
		}
		if err := e.coord.CancelOrder(ctx, ps.pair, resting); err != nil {
			return err
		}
		ps.book.Remove(order.ID)
		return nil
	}
	if order.Status != models.StatusPending {
		return models.ErrOrderNotOpen
	}
	return e.coord.CancelOrder(ctx, ps.pair, order)
}

// Depth returns the aggregated book snapshot for a pair.
func (e *Engine) Depth(symbol string, levels int) (models.DepthSnapshot, error) {
	ps, ok := e.pairs[symbol]
	if !ok {
		return models.DepthSnapshot{}, models.ErrUnknownPair
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.book.Depth(levels), nil
}

// LastPrice returns the most recent trade price for a pair, or zero if the
// pair has not traded since startup. Used as the reference price when
// reserving funds for market buys.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	ps, ok := e.pairs[symbol]
	if !ok {
		return decimal.Zero, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.lastPrice.IsZero() {
		return decimal.Zero, false
	}
	return ps.lastPrice, true
}

// PendingOrders counts resting orders across all pairs.
func (e *Engine) PendingOrders() int {
	n := 0
	for _, ps := range e.pairs {
		ps.mu.Lock()
		n += ps.book.Len()
		ps.mu.Unlock()
	}
	return n
}
