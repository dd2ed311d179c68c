package escrow

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrutil/v4"
)

var (
	// ErrAlreadyExists guards idempotent game creation.
	ErrAlreadyExists = errors.New("game already on record")
	// ErrNotFound reports an unknown game id.
	ErrNotFound = errors.New("game not found")
	// ErrNotReady rejects result verification before both sides funded.
	ErrNotReady = errors.New("game not fully funded")
	// ErrWinnerConflict rejects a winner report contradicting an earlier one.
	ErrWinnerConflict = errors.New("conflicting winner already recorded")
	// ErrNoWinner rejects settlement before any verified result.
	ErrNoWinner = errors.New("no verified winner for game")
	// ErrAlreadySettled rejects settlement of a completed game. It is
	// checked before any ledger call; it is the sole guard against
	// double payout.
	ErrAlreadySettled = errors.New("game already settled")
	// ErrSettleInFlight reports a concurrent settlement attempt. Safe to
	// retry once the in-flight attempt resolves.
	ErrSettleInFlight = errors.New("settlement already in progress")
	// ErrLedger wraps failures from the external ledger. Callers may
	// retry: completed is only set after a confirmed transfer.
	ErrLedger = errors.New("external ledger error")
)

// InsufficientFundsError reports that the ledger balance cannot cover
// the pot at settlement time. No partial transfer is made.
type InsufficientFundsError struct {
	Need      dcrutil.Amount
	Available dcrutil.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %s, have %s (short %s)",
		e.Need, e.Available, e.Need-e.Available)
}

// Shortfall returns how much is missing.
func (e *InsufficientFundsError) Shortfall() dcrutil.Amount {
	return e.Need - e.Available
}
