package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides and types.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"
)

// Order statuses. Transitions are monotonic: an order never returns to
// open once it is filled or cancelled.
const (
	StatusPending         = "pending"
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Pair is a trading pair like BTC/USDT: base asset traded against quote asset.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParsePair splits a "BASE/QUOTE" symbol into a Pair.
func ParsePair(symbol string) (Pair, error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, &ValidationError{Field: "pair", Reason: fmt.Sprintf("malformed pair symbol %q", symbol)}
	}
	return Pair{Symbol: symbol, Base: parts[0], Quote: parts[1]}, nil
}

// Order represents a resting or historical buy/sell order
type Order struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id"`
	Pair           string          `json:"pair"`
	Side           string          `json:"side"`   // "buy" or "sell"
	Type           string          `json:"type"`   // "limit" or "market"
	Price          decimal.Decimal `json:"price"`  // Quote per unit of base; zero for market orders
	Quantity       decimal.Decimal `json:"amount"` // Original requested base amount
	FilledQuantity decimal.Decimal `json:"filled"` // Cumulative executed base amount
	LockedFunds    decimal.Decimal `json:"-"`      // Reserved funds still held against the order
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"` // Used for time priority
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled base quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsOpen reports whether the order can still rest in the book.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// LockedAsset returns the asset reserved against this order: quote for a
// buy, base for a sell.
func (o *Order) LockedAsset(p Pair) string {
	if o.Side == SideBuy {
		return p.Quote
	}
	return p.Base
}

// Trade represents an executed match between two orders. Immutable once written.
type Trade struct {
	ID          int             `json:"id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	Pair        string          `json:"pair"`
	Price       decimal.Decimal `json:"price"` // The maker's price
	Quantity    decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"` // price * quantity, in quote
	ExecutedAt  time.Time       `json:"created_at"`
}

// Balance is one user's holding of one asset. Available funds are
// balance minus locked.
type Balance struct {
	UserID int             `json:"user_id"`
	Asset  string          `json:"asset"`
	Total  decimal.Decimal `json:"balance"`
	Locked decimal.Decimal `json:"locked"`
}

// Available returns the spendable portion of the balance.
func (b *Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Locked)
}

// PriceLevel is one aggregated row of an order book depth snapshot.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// DepthSnapshot is the derived order book view served to clients: bids
// descending by price, asks ascending.
type DepthSnapshot struct {
	Pair string       `json:"pair"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}
