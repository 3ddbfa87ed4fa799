// Package memstore is the in-memory ledger and order store. It backs the
// memory storage driver and the unit tests; the postgres store in
// internal/db is the production implementation of the same surface.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/settlement"
)

type balanceKey struct {
	userID int
	asset  string
}

// Store keeps users, orders, trades and balances behind one mutex. Apply
// operations validate every mutation against a staged copy before
// committing, so a failed settlement leaves no partial state.
type Store struct {
	mu       sync.Mutex
	users    map[int]*models.User
	orders   map[int]*models.Order
	trades   []models.Trade
	balances map[balanceKey]*models.Balance
	applied  map[uuid.UUID]int // settlement tx id -> trade id

	nextUserID  int
	nextOrderID int
	nextTradeID int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:       make(map[int]*models.User),
		orders:      make(map[int]*models.Order),
		balances:    make(map[balanceKey]*models.Balance),
		applied:     make(map[uuid.UUID]int),
		nextUserID:  1,
		nextOrderID: 1,
		nextTradeID: 1,
	}
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return nil, models.ErrUsernameTaken
		}
	}
	u := &models.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.nextUserID++
	s.users[u.ID] = u
	out := *u
	return &out, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			out := *u
			return &out, nil
		}
	}
	return nil, fmt.Errorf("user %q not found", username)
}

// SetAdmin flags a user as an administrator.
func (s *Store) SetAdmin(ctx context.Context, userID int, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	u.IsAdmin = admin
	return nil
}

// Deposit credits funds to a user's balance. Used by seeding and tests.
func (s *Store) Deposit(ctx context.Context, userID int, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, asset)
	b.Total = b.Total.Add(amount)
	return nil
}

// balance returns the live balance entry, creating a zero one if absent.
// Caller must hold mu.
func (s *Store) balance(userID int, asset string) *models.Balance {
	k := balanceKey{userID, asset}
	b, ok := s.balances[k]
	if !ok {
		b = &models.Balance{UserID: userID, Asset: asset}
		s.balances[k] = b
	}
	return b
}

// GetBalance returns one user/asset balance (zero if never funded).
func (s *Store) GetBalance(ctx context.Context, userID int, asset string) (models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.balance(userID, asset), nil
}

// GetUserBalances returns all non-empty balances of a user.
func (s *Store) GetUserBalances(ctx context.Context, userID int) ([]models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	return out, nil
}

// CreateOrder reserves the order's lock amount and persists the order in
// one unit. Fails with ErrInsufficientFunds when available funds do not
// cover the reservation.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, lockAsset string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(order.UserID, lockAsset)
	if b.Available().LessThan(order.LockedFunds) {
		return nil, models.ErrInsufficientFunds
	}
	b.Locked = b.Locked.Add(order.LockedFunds)

	o := *order
	o.ID = s.nextOrderID
	s.nextOrderID++
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = &o
	out := o
	return &out, nil
}

// GetOrder retrieves one order by id.
func (s *Store) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

// GetUserOrders returns all orders of a user, newest first.
func (s *Store) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

// GetOpenOrders returns every open or partially filled order, oldest first,
// for warm-loading the books on startup.
func (s *Store) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.IsOpen() {
			out = append(out, *o)
		}
	}
	sortOrdersOldestFirst(out)
	return out, nil
}

// GetUserTrades returns all trades that touch one of the user's orders.
func (s *Store) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for _, t := range s.trades {
		if s.ownsOrder(userID, t.BuyOrderID) || s.ownsOrder(userID, t.SellOrderID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) ownsOrder(userID, orderID int) bool {
	o, ok := s.orders[orderID]
	return ok && o.UserID == userID
}

// GetLastTradePrice returns the price of the most recent trade on a pair,
// zero if the pair has never traded.
func (s *Store) GetLastTradePrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Pair == pair {
			return s.trades[i].Price, nil
		}
	}
	return decimal.Zero, nil
}

// CountTrades returns the lifetime trade count.
func (s *Store) CountTrades(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades), nil
}

// CountTradesSince returns the number of trades executed at or after since.
func (s *Store) CountTradesSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.trades {
		if !t.ExecutedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ApplyTrade commits one settlement unit: trade record, both fill updates
// and every balance leg, all or nothing. Re-applying a unit with a known
// tx id returns the already-written trade.
func (s *Store) ApplyTrade(ctx context.Context, unit settlement.TradeUnit) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tradeID, ok := s.applied[unit.TxID]; ok {
		for i := range s.trades {
			if s.trades[i].ID == tradeID {
				out := s.trades[i]
				return &out, nil
			}
		}
	}

	// An order can never hold a negative reservation; same constraint the
	// schema enforces with its locked_funds check.
	for _, fill := range []settlement.FillUpdate{unit.Buy, unit.Sell} {
		if fill.LockedFunds.IsNegative() {
			return nil, fmt.Errorf("order %d: locked funds would go negative (%s)",
				fill.OrderID, fill.LockedFunds)
		}
	}

	// Stage the balance mutations on copies; commit only if every leg is
	// valid.
	staged := make(map[balanceKey]*models.Balance)
	get := func(userID int, asset string) *models.Balance {
		k := balanceKey{userID, asset}
		if b, ok := staged[k]; ok {
			return b
		}
		cp := *s.balance(userID, asset)
		staged[k] = &cp
		return staged[k]
	}

	for _, leg := range unit.Legs {
		b := get(leg.UserID, leg.Asset)
		switch leg.Kind {
		case settlement.LegDebitLocked:
			if b.Locked.LessThan(leg.Amount) {
				return nil, fmt.Errorf("user %d %s: locked %s below debit %s",
					leg.UserID, leg.Asset, b.Locked, leg.Amount)
			}
			b.Locked = b.Locked.Sub(leg.Amount)
			b.Total = b.Total.Sub(leg.Amount)
		case settlement.LegCredit:
			b.Total = b.Total.Add(leg.Amount)
		case settlement.LegUnlock:
			if b.Locked.LessThan(leg.Amount) {
				return nil, fmt.Errorf("user %d %s: locked %s below unlock %s",
					leg.UserID, leg.Asset, b.Locked, leg.Amount)
			}
			b.Locked = b.Locked.Sub(leg.Amount)
		}
		if b.Total.IsNegative() {
			return nil, fmt.Errorf("user %d %s: balance would go negative", leg.UserID, leg.Asset)
		}
	}

	buy, ok := s.orders[unit.Buy.OrderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	sell, ok := s.orders[unit.Sell.OrderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}

	// Commit.
	for k, b := range staged {
		s.balances[k] = b
	}
	applyFill(buy, unit.Buy)
	applyFill(sell, unit.Sell)

	t := unit.Trade
	t.ID = s.nextTradeID
	s.nextTradeID++
	s.trades = append(s.trades, t)
	s.applied[unit.TxID] = t.ID
	out := t
	return &out, nil
}

// ApplyCancel marks the order cancelled and releases its remaining
// reservation, atomically.
func (s *Store) ApplyCancel(ctx context.Context, unit settlement.CancelUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[unit.OrderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	if o.Status != models.StatusPending && !o.IsOpen() {
		return models.ErrOrderNotOpen
	}
	b := s.balance(unit.UserID, unit.Asset)
	if b.Locked.LessThan(unit.Amount) {
		return fmt.Errorf("user %d %s: locked %s below release %s",
			unit.UserID, unit.Asset, b.Locked, unit.Amount)
	}
	b.Locked = b.Locked.Sub(unit.Amount)
	o.Status = models.StatusCancelled
	o.LockedFunds = decimal.Zero
	o.UpdatedAt = time.Now()
	return nil
}

func applyFill(o *models.Order, f settlement.FillUpdate) {
	o.FilledQuantity = f.FilledQuantity
	o.Status = f.Status
	o.LockedFunds = f.LockedFunds
	o.UpdatedAt = time.Now()
}

func sortOrdersNewestFirst(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
}

func sortOrdersOldestFirst(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}
