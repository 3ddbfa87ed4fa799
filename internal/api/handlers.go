package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/exchange/internal/auth"
	"github.com/meridianex/exchange/internal/engine"
	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/scheduler"
	"github.com/meridianex/exchange/internal/settlement"
)

// Store is the persistence surface the handlers need. Implemented by both
// the postgres store and the in-memory store.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order, lockAsset string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int) (*models.Order, error)
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
	GetUserBalances(ctx context.Context, userID int) ([]models.Balance, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store         Store
	Engine        *engine.Engine
	Scheduler     *scheduler.Scheduler
	AuthService   *auth.AuthService
	Log           *zap.Logger
	MatchOnSubmit bool
	DepthLevels   int
}

// NewHandler creates a new handler
func NewHandler(store Store, eng *engine.Engine, sched *scheduler.Scheduler, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{
		Store:       store,
		Engine:      eng,
		Scheduler:   sched,
		AuthService: authService,
		Log:         log,
		DepthLevels: 20,
	}
}

type ctxKey int

const claimsKey ctxKey = iota

func claimsFrom(r *http.Request) (auth.Claims, bool) {
	c, ok := r.Context().Value(claimsKey).(auth.Claims)
	return c, ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		var vErr *models.ValidationError
		switch {
		case errors.Is(err, models.ErrUsernameTaken):
			writeError(w, http.StatusBadRequest, "username already taken")
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, vErr.Error())
		default:
			h.Log.Error("registration failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to register user")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := h.AuthService.VerifyToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects requests from non-admin users. Must run after
// JWTAuthMiddleware.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r)
		if !ok || !claims.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type placeOrderRequest struct {
	Pair     string `json:"pair"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// validate parses the request into an order, returning a ValidationError
// for anything malformed. Decimals cross the wire as strings.
func (h *Handler) validate(req placeOrderRequest, userID int) (*models.Order, models.Pair, error) {
	pair, ok := h.Engine.Pair(req.Pair)
	if !ok {
		return nil, models.Pair{}, models.ErrUnknownPair
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return nil, pair, &models.ValidationError{Field: "side", Reason: "must be 'buy' or 'sell'"}
	}
	if req.Type != models.TypeLimit && req.Type != models.TypeMarket {
		return nil, pair, &models.ValidationError{Field: "type", Reason: "must be 'limit' or 'market'"}
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return nil, pair, &models.ValidationError{Field: "quantity", Reason: "must be a positive decimal"}
	}

	order := &models.Order{
		UserID:   userID,
		Pair:     pair.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: qty,
		Status:   models.StatusOpen,
	}
	if req.Type == models.TypeLimit {
		price, err := decimal.NewFromString(req.Price)
		if err != nil || !price.IsPositive() {
			return nil, pair, &models.ValidationError{Field: "price", Reason: "must be a positive decimal"}
		}
		order.Price = price
	} else {
		order.Status = models.StatusPending
	}
	return order, pair, nil
}

// PlaceOrder handles order submission: validation, funds locking, and
// handoff to the matching engine.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, pair, err := h.validate(req, claims.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Market orders reserve quote funds at the last traded price.
	refPrice := decimal.Zero
	if order.Type == models.TypeMarket && order.Side == models.SideBuy {
		refPrice, ok = h.Engine.LastPrice(pair.Symbol)
		if !ok {
			writeError(w, http.StatusConflict, "no reference price for market buy")
			return
		}
	}
	lockAsset, lockAmount := settlement.InitialLock(order, pair, refPrice)
	order.LockedFunds = lockAmount

	created, err := h.Store.CreateOrder(r.Context(), order, lockAsset)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			writeError(w, http.StatusBadRequest, "insufficient funds")
			return
		}
		h.Log.Error("order creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	if created.Type == models.TypeMarket {
		trades, err := h.Engine.SubmitMarket(r.Context(), created)
		if err != nil && errors.Is(err, models.ErrNoLiquidity) {
			writeError(w, http.StatusConflict, "no liquidity for market order")
			return
		}
		if err != nil {
			h.Log.Error("market order failed", zap.Int("order_id", created.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to execute market order")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"order":  created,
			"trades": trades,
		})
		return
	}

	if err := h.Engine.SubmitLimit(created); err != nil {
		h.Log.Error("limit order submission failed", zap.Int("order_id", created.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit order")
		return
	}
	if h.MatchOnSubmit {
		h.Scheduler.Kick(created.Pair)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"order": created})
}

// CancelOrder cancels an open order, releasing its remaining reservation.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil || order.UserID != claims.UserID {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	err = h.Engine.Cancel(r.Context(), order.Pair, orderID, claims.UserID)
	if errors.Is(err, models.ErrOrderNotFound) && order.Status == models.StatusPending {
		// A market order stranded outside the book by a settlement outage
		// still holds its reservation; release it directly.
		err = h.Engine.CancelDetached(r.Context(), order)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "order cancelled"})
	case errors.Is(err, models.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, models.ErrOrderNotOpen):
		writeError(w, http.StatusConflict, "order not open")
	default:
		h.Log.Error("cancel failed", zap.Int("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
	}
}

// GetUserOrders retrieves the caller's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.Store.GetUserOrders(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve orders")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserTrades retrieves the caller's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := h.Store.GetUserTrades(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetBalances retrieves the caller's wallet balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balances, err := h.Store.GetUserBalances(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve balances")
		return
	}
	if balances == nil {
		balances = []models.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetOrderBook returns the aggregated depth snapshot for a pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	levels := h.DepthLevels
	if s := r.URL.Query().Get("levels"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid levels")
			return
		}
		levels = n
	}

	snap, err := h.Engine.Depth(pair, levels)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown trading pair")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EngineStatus reports the scheduler's health snapshot for the admin
// dashboard.
func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Scheduler.Status(r.Context())
	if err != nil {
		h.Log.Error("status query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read engine status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// EngineStart starts the matching scheduler.
func (h *Handler) EngineStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start()
	writeJSON(w, http.StatusOK, map[string]string{"message": "engine running"})
}

// EngineStop stops the matching scheduler.
func (h *Handler) EngineStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"message": "engine stopped"})
}
