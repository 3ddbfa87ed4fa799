package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/exchange/internal/api"
	"github.com/meridianex/exchange/internal/auth"
	"github.com/meridianex/exchange/internal/config"
	"github.com/meridianex/exchange/internal/db"
	"github.com/meridianex/exchange/internal/engine"
	"github.com/meridianex/exchange/internal/logging"
	"github.com/meridianex/exchange/internal/memstore"
	"github.com/meridianex/exchange/internal/models"
	"github.com/meridianex/exchange/internal/scheduler"
	"github.com/meridianex/exchange/internal/settlement"
)

const migrationFile = "migrations/001_init.sql"

// store is the full persistence surface the server wires together.
type store interface {
	api.Store
	settlement.Ledger
	scheduler.TradeCounter
	auth.UserStore
	GetOpenOrders(ctx context.Context) ([]models.Order, error)
	GetLastTradePrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// wsHub pushes depth snapshots to connected clients.
type wsHub struct {
	eng    *engine.Engine
	log    *zap.Logger
	levels int

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newWSHub(eng *engine.Engine, levels int, log *zap.Logger) *wsHub {
	return &wsHub{eng: eng, log: log, levels: levels, clients: make(map[*wsClient]bool)}
}

func (h *wsHub) broadcast() {
	books := make(map[string]models.DepthSnapshot)
	for _, sym := range h.eng.Pairs() {
		snap, err := h.eng.Depth(sym, h.levels)
		if err != nil {
			continue
		}
		books[sym] = snap
	}
	data, err := json.Marshal(map[string]interface{}{"orderbooks": books})
	if err != nil {
		h.log.Error("failed to marshal depth snapshot", zap.Error(err))
		return
	}

	var dead []*wsClient
	h.mu.RLock()
	for client := range h.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			dead = append(dead, client)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, client := range dead {
			delete(h.clients, client)
			client.conn.Close()
		}
		h.mu.Unlock()
	}
}

func (h *wsHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Send the current book right away, then keep the connection alive
	// until the client goes away.
	h.broadcast()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
}

func (h *wsHub) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store, func(), error) {
	if cfg.Storage.Driver == "memory" {
		log.Warn("using in-memory storage, all state is lost on restart")
		return memstore.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	schema, err := os.ReadFile(migrationFile)
	if err != nil {
		database.Close(ctx)
		return nil, nil, fmt.Errorf("reading migration: %w", err)
	}
	if err := database.Migrate(ctx, string(schema)); err != nil {
		database.Close(ctx)
		return nil, nil, fmt.Errorf("applying migration: %w", err)
	}
	return database, func() { database.Close(context.Background()) }, nil
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	coord := settlement.NewCoordinator(st, log)
	eng := engine.New(cfg.Pairs(), coord, log)

	// Rebuild the resting books from persisted open orders so the engine
	// picks up where it left off.
	open, err := st.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}
	eng.Restore(open)
	for _, sym := range eng.Pairs() {
		price, err := st.GetLastTradePrice(ctx, sym)
		if err != nil {
			return fmt.Errorf("loading last trade price: %w", err)
		}
		eng.WarmLastPrice(sym, price)
	}
	log.Info("order books restored",
		zap.Int("open_orders", len(open)), zap.Strings("pairs", eng.Pairs()))

	sched := scheduler.New(eng, st, cfg.Interval(), log)
	sched.Start()
	defer sched.Stop()

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.TokenTTL())
	handler := api.NewHandler(st, eng, sched, authService, log)
	handler.MatchOnSubmit = cfg.Engine.MatchOnSubmit
	handler.DepthLevels = cfg.Engine.DepthLevels

	hub := newWSHub(eng, cfg.Engine.DepthLevels, log)
	go hub.loop(ctx, 2*time.Second)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", hub.handle)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/orderbook", handler.GetOrderBook)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/balances", handler.GetBalances)

		// Admin endpoints
		r.Group(func(r chi.Router) {
			r.Use(handler.AdminOnly)
			r.Get("/admin/engine/status", handler.EngineStatus)
			r.Post("/admin/engine/start", handler.EngineStart)
			r.Post("/admin/engine/stop", handler.EngineStop)
		})
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
