package book

import (
	"sort"

	"github.com/meridianex/exchange/internal/models"
)

// Book holds the resting orders for one trading pair: bids sorted highest
// price first, asks lowest price first, ties broken by submission time.
// The book is a passive container: it never blocks a crossed state, since
// bestBid >= bestAsk is exactly the condition the matching engine consumes.
type Book struct {
	Pair models.Pair

	bids []*models.Order
	asks []*models.Order
}

// New creates an empty book for the given pair.
func New(pair models.Pair) *Book {
	return &Book{Pair: pair}
}

// Insert adds an open or partially filled order at its price-time position.
// Orders already filled or cancelled are ignored.
func (b *Book) Insert(order *models.Order) {
	if !order.IsOpen() {
		return
	}
	if order.Side == models.SideBuy {
		b.bids = insertSorted(b.bids, order, bidBefore)
	} else {
		b.asks = insertSorted(b.asks, order, askBefore)
	}
}

// insertSorted places the order before the first resting order it outranks,
// so equal-price orders keep submission order.
func insertSorted(side []*models.Order, order *models.Order, before func(a, b *models.Order) bool) []*models.Order {
	i := sort.Search(len(side), func(i int) bool {
		return before(order, side[i])
	})
	side = append(side, nil)
	copy(side[i+1:], side[i:])
	side[i] = order
	return side
}

// bidBefore reports whether a outranks b on the bid side: higher price
// first, then earlier submission.
func bidBefore(a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// askBefore reports whether a outranks b on the ask side: lower price
// first, then earlier submission.
func askBefore(a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// BestBid returns the highest-priority buy order, or nil if the side is empty.
func (b *Book) BestBid() *models.Order {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk returns the highest-priority sell order, or nil if the side is empty.
func (b *Book) BestAsk() *models.Order {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Remove deletes the order with the given id from either side. Returns
// false if the order was not resting in the book.
func (b *Book) Remove(orderID int) bool {
	for i, o := range b.bids {
		if o.ID == orderID {
			b.bids = append(b.bids[:i], b.bids[i+1:]...)
			return true
		}
	}
	for i, o := range b.asks {
		if o.ID == orderID {
			b.asks = append(b.asks[:i], b.asks[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the resting order with the given id, or nil.
func (b *Book) Find(orderID int) *models.Order {
	for _, o := range b.bids {
		if o.ID == orderID {
			return o
		}
	}
	for _, o := range b.asks {
		if o.ID == orderID {
			return o
		}
	}
	return nil
}

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int {
	return len(b.bids) + len(b.asks)
}

// Depth returns up to levels aggregated price levels per side: remaining
// quantity summed across orders at the same price.
func (b *Book) Depth(levels int) models.DepthSnapshot {
	return models.DepthSnapshot{
		Pair: b.Pair.Symbol,
		Bids: aggregate(b.bids, levels),
		Asks: aggregate(b.asks, levels),
	}
}

func aggregate(side []*models.Order, levels int) []models.PriceLevel {
	out := []models.PriceLevel{}
	for _, o := range side {
		n := len(out)
		if n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Amount = out[n-1].Amount.Add(o.Remaining())
			continue
		}
		if levels > 0 && n == levels {
			break
		}
		out = append(out, models.PriceLevel{Price: o.Price, Amount: o.Remaining()})
	}
	return out
}

// Orders returns the resting orders of both sides in priority order, bids
// then asks. Used for warm-reload assertions and the legacy book view.
func (b *Book) Orders() ([]*models.Order, []*models.Order) {
	bids := make([]*models.Order, len(b.bids))
	asks := make([]*models.Order, len(b.asks))
	copy(bids, b.bids)
	copy(asks, b.asks)
	return bids, asks
}
