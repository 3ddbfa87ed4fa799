package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianex/exchange/internal/auth"
	"github.com/meridianex/exchange/internal/engine"
	"github.com/meridianex/exchange/internal/memstore"
	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/scheduler"
	"github.com/meridianex/exchange/internal/settlement"
)

var btcUsdt = models.Pair{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}

type fixture struct {
	store   *memstore.Store
	eng     *engine.Engine
	sched   *scheduler.Scheduler
	handler *Handler
	router  *chi.Mux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	log := zap.NewNop()
	coord := settlement.NewCoordinator(store, log)
	eng := engine.New([]models.Pair{btcUsdt}, coord, log)
	sched := scheduler.New(eng, store, 5*time.Millisecond, log)
	authService := auth.NewAuthService(store, "test-secret", time.Hour)
	handler := NewHandler(store, eng, sched, authService, log)
	handler.MatchOnSubmit = true

	router := chi.NewRouter()
	router.Post("/auth/register", handler.Register)
	router.Post("/auth/login", handler.Login)
	router.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Get("/orderbook", handler.GetOrderBook)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/balances", handler.GetBalances)
		r.Group(func(r chi.Router) {
			r.Use(handler.AdminOnly)
			r.Get("/admin/engine/status", handler.EngineStatus)
			r.Post("/admin/engine/start", handler.EngineStart)
			r.Post("/admin/engine/stop", handler.EngineStop)
		})
	})

	t.Cleanup(sched.Stop)
	return &fixture{store: store, eng: eng, sched: sched, handler: handler, router: router}
}

// signup registers a user, funds it, and returns a bearer token.
func (f *fixture) signup(t *testing.T, username string, funds map[string]string) (int, string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": "password123"})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	for asset, amount := range funds {
		require.NoError(t, f.store.Deposit(context.Background(), created.ID, asset,
			decimal.RequireFromString(amount)))
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	return created.ID, login.Token
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func orderReq(side, typ, price, qty string) map[string]string {
	return map[string]string{
		"pair":     "BTC/USDT",
		"side":     side,
		"type":     typ,
		"price":    price,
		"quantity": qty,
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)
	_, token := f.signup(t, "alice", map[string]string{"USDT": "10000"})

	tests := []struct {
		name string
		req  map[string]string
	}{
		{"BadSide", orderReq("long", "limit", "100", "1")},
		{"BadType", orderReq("buy", "stop", "100", "1")},
		{"ZeroPrice", orderReq("buy", "limit", "0", "1")},
		{"NegativePrice", orderReq("buy", "limit", "-5", "1")},
		{"ZeroQuantity", orderReq("buy", "limit", "100", "0")},
		{"GarbageQuantity", orderReq("buy", "limit", "100", "abc")},
		{"UnknownPair", map[string]string{"pair": "DOGE/USDT", "side": "buy", "type": "limit", "price": "1", "quantity": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/orders", token, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// Nothing was locked by the rejected orders.
	b, err := f.store.GetBalance(context.Background(), 1, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero())
}

// brokenUserStore stands in for a store outage during registration.
type brokenUserStore struct{}

func (brokenUserStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	return nil, errors.New("connection refused")
}

func (brokenUserStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return nil, errors.New("connection refused")
}

func TestRegister_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "alice", nil)

	t.Run("DuplicateUsername", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"username": "alice", "password": "other456"})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "username already taken")
	})

	t.Run("StoreOutageIsServerError", func(t *testing.T) {
		h := NewHandler(nil, nil, nil,
			auth.NewAuthService(brokenUserStore{}, "test-secret", time.Hour), zap.NewNop())
		body, _ := json.Marshal(map[string]string{"username": "bob", "password": "password123"})
		rec := httptest.NewRecorder()
		h.Register(rec, httptest.NewRequest("POST", "/auth/register", bytes.NewReader(body)))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestPlaceOrder_RequiresAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/orders", "", orderReq("buy", "limit", "100", "1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	_, token := f.signup(t, "alice", map[string]string{"USDT": "50"})

	rec := f.do(t, "POST", "/orders", token, orderReq("buy", "limit", "100", "1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient funds")
}

func TestPlaceOrder_LocksFundsAndRests(t *testing.T) {
	f := newFixture(t)
	userID, token := f.signup(t, "alice", map[string]string{"USDT": "1000"})

	rec := f.do(t, "POST", "/orders", token, orderReq("buy", "limit", "100", "2"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Order struct {
			ID     int    `json:"id"`
			Price  string `json:"price"`
			Amount string `json:"amount"`
			Status string `json:"status"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Decimals cross the wire as strings.
	assert.Equal(t, "100", resp.Order.Price)
	assert.Equal(t, "2", resp.Order.Amount)
	assert.Equal(t, models.StatusOpen, resp.Order.Status)

	b, err := f.store.GetBalance(context.Background(), userID, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.RequireFromString("200")),
		"locked = %s, want 200", b.Locked)

	// The order shows up in the book.
	rec = f.do(t, "GET", "/orderbook?pair=BTC/USDT", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.DepthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Amount.Equal(decimal.RequireFromString("2")))
}

func TestPlaceOrder_MatchOnSubmit(t *testing.T) {
	f := newFixture(t)
	f.sched.Start()

	_, aliceToken := f.signup(t, "alice", map[string]string{"USDT": "1000"})
	_, bobToken := f.signup(t, "bob", map[string]string{"BTC": "1"})

	rec := f.do(t, "POST", "/orders", aliceToken, orderReq("buy", "limit", "100", "1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "POST", "/orders", bobToken, orderReq("sell", "limit", "100", "1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		n, err := f.store.CountTrades(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond, "submitted crossing orders never traded")

	rec = f.do(t, "GET", "/trades", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("100")))
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	userID, token := f.signup(t, "alice", map[string]string{"USDT": "1000"})

	rec := f.do(t, "POST", "/orders", token, orderReq("buy", "limit", "100", "2"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = f.do(t, "DELETE", fmt.Sprintf("/orders/%d", resp.Order.ID), token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	b, err := f.store.GetBalance(context.Background(), userID, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero(), "locked = %s after cancel", b.Locked)

	// Cancelling again conflicts.
	rec = f.do(t, "DELETE", fmt.Sprintf("/orders/%d", resp.Order.ID), token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// A pending market order holding a reservation without resting in any book
// (left behind by a settlement outage) is still cancellable through the API.
func TestCancelOrder_DetachedPendingOrder(t *testing.T) {
	f := newFixture(t)
	userID, token := f.signup(t, "alice", map[string]string{"USDT": "500"})

	order := &models.Order{
		UserID:      userID,
		Pair:        "BTC/USDT",
		Side:        models.SideBuy,
		Type:        models.TypeMarket,
		Quantity:    decimal.RequireFromString("1"),
		LockedFunds: decimal.RequireFromString("500"),
		Status:      models.StatusPending,
	}
	created, err := f.store.CreateOrder(context.Background(), order, "USDT")
	require.NoError(t, err)

	rec := f.do(t, "DELETE", fmt.Sprintf("/orders/%d", created.ID), token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	b, err := f.store.GetBalance(context.Background(), userID, "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero(), "locked = %s after detached cancel", b.Locked)
	got, err := f.store.GetOrder(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestCancelOrder_NotOwned(t *testing.T) {
	f := newFixture(t)
	_, aliceToken := f.signup(t, "alice", map[string]string{"USDT": "1000"})
	_, bobToken := f.signup(t, "bob", nil)

	rec := f.do(t, "POST", "/orders", aliceToken, orderReq("buy", "limit", "100", "1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = f.do(t, "DELETE", fmt.Sprintf("/orders/%d", resp.Order.ID), bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserOrders(t *testing.T) {
	f := newFixture(t)
	_, token := f.signup(t, "alice", map[string]string{"USDT": "1000"})

	rec := f.do(t, "GET", "/orders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	f.do(t, "POST", "/orders", token, orderReq("buy", "limit", "100", "1"))
	f.do(t, "POST", "/orders", token, orderReq("buy", "limit", "99", "1"))

	rec = f.do(t, "GET", "/orders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 2)
	// Newest first.
	assert.Greater(t, orders[0].ID, orders[1].ID)
}

func TestGetBalances(t *testing.T) {
	f := newFixture(t)
	_, token := f.signup(t, "alice", map[string]string{"USDT": "1000", "BTC": "2"})

	rec := f.do(t, "GET", "/balances", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances []models.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	assert.Len(t, balances, 2)
}

func TestMarketOrder_NoReferencePrice(t *testing.T) {
	f := newFixture(t)
	_, token := f.signup(t, "alice", map[string]string{"USDT": "1000"})

	// No trade has happened, so a market buy cannot size its reservation.
	rec := f.do(t, "POST", "/orders", token, orderReq("buy", "market", "", "1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMarketOrder_NoLiquidity(t *testing.T) {
	f := newFixture(t)
	_, token := f.signup(t, "alice", map[string]string{"BTC": "1"})

	rec := f.do(t, "POST", "/orders", token, orderReq("sell", "market", "", "1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no liquidity")
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	_, userToken := f.signup(t, "alice", nil)
	adminID, _ := f.signup(t, "root", nil)
	require.NoError(t, f.store.SetAdmin(context.Background(), adminID, true))

	// Re-login to pick up the admin claim.
	body, _ := json.Marshal(map[string]string{"username": "root", "password": "password123"})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	adminToken := login.Token

	t.Run("ForbiddenForUser", func(t *testing.T) {
		rec := f.do(t, "GET", "/admin/engine/status", userToken, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("StatusShape", func(t *testing.T) {
		rec := f.do(t, "GET", "/admin/engine/status", adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var st struct {
			IsRunning bool  `json:"isRunning"`
			Interval  int64 `json:"interval"`
			Stats     struct {
				PendingOrders int `json:"pendingOrders"`
				TotalTrades   int `json:"totalTrades"`
				Last24hTrades int `json:"last24hTrades"`
			} `json:"stats"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.False(t, st.IsRunning)
		assert.Equal(t, int64(5), st.Interval)
	})

	t.Run("StartStop", func(t *testing.T) {
		rec := f.do(t, "POST", "/admin/engine/start", adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, "GET", "/admin/engine/status", adminToken, nil)
		assert.Contains(t, rec.Body.String(), `"isRunning":true`)

		rec = f.do(t, "POST", "/admin/engine/stop", adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, "GET", "/admin/engine/status", adminToken, nil)
		assert.Contains(t, rec.Body.String(), `"isRunning":false`)
	})
}
