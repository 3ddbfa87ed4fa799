// Package scheduler drives the matching engine: a fixed ticker sweeps every
// configured pair, and submissions can kick an immediate pass for one pair.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianex/exchange/internal/engine"
	"github.com/meridianex/exchange/internal/models"
)

// TradeCounter is the slice of the trade store the scheduler needs for its
// health stats.
type TradeCounter interface {
	CountTrades(ctx context.Context) (int, error)
	CountTradesSince(ctx context.Context, since time.Time) (int, error)
}

// Stats is the engine health block reported to the admin dashboard.
type Stats struct {
	PendingOrders int `json:"pendingOrders"`
	TotalTrades   int `json:"totalTrades"`
	Last24hTrades int `json:"last24hTrades"`
}

// Status is one consistent snapshot of the scheduler.
type Status struct {
	IsRunning bool     `json:"isRunning"`
	Interval  int64    `json:"interval"` // milliseconds
	Degraded  []string `json:"degraded,omitempty"`
	Stats     Stats    `json:"stats"`
}

// Scheduler owns the Stopped/Running lifecycle. Start on a running
// scheduler and Stop on a stopped one are no-ops; Stop waits for the
// in-flight sweep to complete.
type Scheduler struct {
	eng      *engine.Engine
	trades   TradeCounter
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	kicks   chan string
	faults  map[string]string // pair -> last error from a matching pass
}

// New creates a stopped scheduler sweeping at the given interval.
func New(eng *engine.Engine, trades TradeCounter, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		eng:      eng,
		trades:   trades,
		interval: interval,
		log:      log,
		kicks:    make(chan string, 256),
		faults:   make(map[string]string),
	}
}

// Start begins the matching loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop, letting the in-flight sweep finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info("scheduler stopped")
}

// Kick requests an immediate matching pass for one pair, used by the
// match-on-submit trigger. Dropped when the scheduler is saturated or
// stopped; the ticker sweep picks the pair up anyway.
func (s *Scheduler) Kick(pair string) {
	select {
	case s.kicks <- pair:
	default:
	}
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case pair := <-s.kicks:
			s.matchOne(pair)
		case <-ticker.C:
			for _, pair := range s.eng.Pairs() {
				s.matchOne(pair)
			}
		}
	}
}

// matchOne runs a single pass for one pair. Faults are isolated: a panic or
// settlement failure marks the pair degraded and the loop moves on.
func (s *Scheduler) matchOne(pair string) {
	defer func() {
		if r := recover(); r != nil {
			fault := &models.EngineFault{Pair: pair, Err: fmt.Errorf("panic: %v", r)}
			s.recordFault(pair, fault.Error())
			s.log.Error("matching pass panicked",
				zap.String("pair", pair), zap.Any("panic", r))
		}
	}()

	ctx := context.Background()
	n, err := s.eng.MatchPair(ctx, pair)
	if err != nil {
		s.recordFault(pair, err.Error())
		s.log.Error("matching pass failed",
			zap.String("pair", pair), zap.Int("trades", n), zap.Error(err))
		return
	}
	s.clearFault(pair)
	if n > 0 {
		s.log.Debug("matching pass complete",
			zap.String("pair", pair), zap.Int("trades", n))
	}
}

func (s *Scheduler) recordFault(pair, msg string) {
	s.mu.Lock()
	s.faults[pair] = msg
	s.mu.Unlock()
}

func (s *Scheduler) clearFault(pair string) {
	s.mu.Lock()
	delete(s.faults, pair)
	s.mu.Unlock()
}

// Status returns a race-free snapshot of the scheduler and engine health.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	total, err := s.trades.CountTrades(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("counting trades: %w", err)
	}
	last24h, err := s.trades.CountTradesSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return Status{}, fmt.Errorf("counting recent trades: %w", err)
	}

	s.mu.Lock()
	st := Status{
		IsRunning: s.running,
		Interval:  s.interval.Milliseconds(),
	}
	for pair := range s.faults {
		st.Degraded = append(st.Degraded, pair)
	}
	s.mu.Unlock()

	st.Stats = Stats{
		PendingOrders: s.eng.PendingOrders(),
		TotalTrades:   total,
		Last24hTrades: last24h,
	}
	return st, nil
}
