package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned when a wallet lock fails at order
	// submission. The order is not created.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownPair is returned for orders on a pair the engine does not trade.
	ErrUnknownPair = errors.New("unknown trading pair")

	// ErrOrderNotOpen is returned when cancelling an order that is already
	// filled or cancelled.
	ErrOrderNotOpen = errors.New("order not open")

	// ErrOrderNotFound is returned when an order id does not exist or is not
	// owned by the caller.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNoLiquidity is returned when a market order finds no opposite-side
	// orders to cross.
	ErrNoLiquidity = errors.New("no liquidity for market order")

	// ErrUsernameTaken is returned when registering a username that already
	// exists.
	ErrUsernameTaken = errors.New("username already taken")
)

// ValidationError reports a malformed order field. Rejected before any
// funds are locked.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SettlementError reports a failed balance transfer mid-match. The match is
// rolled back and retried on the next scheduler tick, so it is retriable.
type SettlementError struct {
	Pair        string
	BuyOrderID  int
	SellOrderID int
	Err         error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed for %s (buy %d / sell %d): %v",
		e.Pair, e.BuyOrderID, e.SellOrderID, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// EngineFault reports an unexpected failure during a matching pass. Faults
// are isolated to one pair; the scheduler keeps driving the others.
type EngineFault struct {
	Pair string
	Err  error
}

func (e *EngineFault) Error() string {
	return fmt.Sprintf("engine fault on %s: %v", e.Pair, e.Err)
}

func (e *EngineFault) Unwrap() error {
	return e.Err
}
