package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianex/exchange/internal/models"
)

var btcUsdt = models.Pair{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}

func limitOrder(id int, side string, price, qty string, at time.Time) *models.Order {
	return &models.Order{
		ID:        id,
		UserID:    1,
		Pair:      btcUsdt.Symbol,
		Side:      side,
		Type:      models.TypeLimit,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Status:    models.StatusOpen,
		CreatedAt: at,
	}
}

func TestBook_Insert(t *testing.T) {
	b := New(btcUsdt)
	now := time.Now()

	// Buy side: highest price first, then earliest time
	b.Insert(limitOrder(1, models.SideBuy, "50000", "0.1", now.Add(-time.Second)))
	b.Insert(limitOrder(2, models.SideBuy, "51000", "0.2", now))
	b.Insert(limitOrder(3, models.SideBuy, "50000", "0.3", now.Add(time.Second)))

	bids, _ := b.Orders()
	if len(bids) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(bids))
	}
	if bids[0].ID != 2 {
		t.Errorf("expected highest price first, got order %d", bids[0].ID)
	}
	if bids[1].ID != 1 || bids[2].ID != 3 {
		t.Errorf("equal-price bids not in time order: got %d, %d", bids[1].ID, bids[2].ID)
	}

	// Sell side: lowest price first, then earliest time
	b.Insert(limitOrder(4, models.SideSell, "52000", "0.1", now.Add(-time.Second)))
	b.Insert(limitOrder(5, models.SideSell, "51500", "0.2", now))
	b.Insert(limitOrder(6, models.SideSell, "52000", "0.3", now.Add(time.Second)))

	_, asks := b.Orders()
	if len(asks) != 3 {
		t.Fatalf("expected 3 asks, got %d", len(asks))
	}
	if asks[0].ID != 5 {
		t.Errorf("expected lowest price first, got order %d", asks[0].ID)
	}
	if asks[1].ID != 4 || asks[2].ID != 6 {
		t.Errorf("equal-price asks not in time order: got %d, %d", asks[1].ID, asks[2].ID)
	}
}

func TestBook_InsertIgnoresClosedOrders(t *testing.T) {
	b := New(btcUsdt)
	o := limitOrder(1, models.SideBuy, "50000", "0.1", time.Now())
	o.Status = models.StatusCancelled
	b.Insert(o)
	if b.Len() != 0 {
		t.Errorf("cancelled order should not rest in the book")
	}
}

func TestBook_BestBidBestAsk(t *testing.T) {
	b := New(btcUsdt)
	if b.BestBid() != nil || b.BestAsk() != nil {
		t.Fatal("empty book should have no top of book")
	}

	now := time.Now()
	b.Insert(limitOrder(1, models.SideBuy, "49000", "0.1", now))
	b.Insert(limitOrder(2, models.SideBuy, "50000", "0.1", now))
	b.Insert(limitOrder(3, models.SideSell, "51000", "0.1", now))
	b.Insert(limitOrder(4, models.SideSell, "50500", "0.1", now))

	if got := b.BestBid(); got == nil || got.ID != 2 {
		t.Errorf("expected best bid 2, got %+v", got)
	}
	if got := b.BestAsk(); got == nil || got.ID != 4 {
		t.Errorf("expected best ask 4, got %+v", got)
	}
}

func TestBook_Remove(t *testing.T) {
	b := New(btcUsdt)
	now := time.Now()
	b.Insert(limitOrder(1, models.SideBuy, "50000", "0.1", now))
	b.Insert(limitOrder(2, models.SideSell, "51000", "0.2", now))

	tests := []struct {
		name          string
		orderID       int
		expectRemoved bool
	}{
		{"RemoveBid", 1, true},
		{"RemoveAsk", 2, true},
		{"NonExistentOrder", 999, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed := b.Remove(tt.orderID)
			if removed != tt.expectRemoved {
				t.Errorf("expected removed=%v, got %v", tt.expectRemoved, removed)
			}
		})
	}

	if b.Len() != 0 {
		t.Errorf("expected empty book, %d orders remain", b.Len())
	}
}

func TestBook_Depth(t *testing.T) {
	b := New(btcUsdt)
	now := time.Now()
	b.Insert(limitOrder(1, models.SideBuy, "50000", "0.1", now))
	b.Insert(limitOrder(2, models.SideBuy, "50000", "0.2", now.Add(time.Second)))
	b.Insert(limitOrder(3, models.SideBuy, "49000", "0.5", now))
	b.Insert(limitOrder(4, models.SideSell, "51000", "0.3", now))

	// Partial fill must shrink the aggregated amount
	partial := limitOrder(5, models.SideSell, "51000", "1", now.Add(time.Second))
	partial.FilledQuantity = decimal.RequireFromString("0.4")
	partial.Status = models.StatusPartiallyFilled
	b.Insert(partial)

	snap := b.Depth(10)
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("50000")) ||
		!snap.Bids[0].Amount.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("unexpected top bid level: %s @ %s", snap.Bids[0].Amount, snap.Bids[0].Price)
	}
	if len(snap.Asks) != 1 {
		t.Fatalf("expected 1 ask level, got %d", len(snap.Asks))
	}
	if !snap.Asks[0].Amount.Equal(decimal.RequireFromString("0.9")) {
		t.Errorf("expected aggregated ask amount 0.9, got %s", snap.Asks[0].Amount)
	}

	// Level cap applies per side
	capped := b.Depth(1)
	if len(capped.Bids) != 1 {
		t.Errorf("expected 1 bid level with cap, got %d", len(capped.Bids))
	}
}
