// Package escrow manages the funds lifecycle of two-party wagers:
// initiate -> fund -> verify result -> settle, with a fixed integer
// house-fee percentage and an exactly-once payout guarantee.
package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
)

// Party identifies one side of a wager: the stable payout identity and
// the display name it used for the session.
type Party struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Record is the audit artifact of a single wagered game. It is created
// once, mutated only by funding confirmation and result verification,
// and never deleted; Completed is terminal.
type Record struct {
	GameID       string     `json:"game_id"`
	Player1      Party      `json:"player1"`
	Player2      Party      `json:"player2"`
	BetAtoms     int64      `json:"bet_atoms"`
	Funded1      bool       `json:"funded1"`
	Funded2      bool       `json:"funded2"`
	Winner       string     `json:"winner,omitempty"`
	Evidence     string     `json:"evidence,omitempty"`
	Completed    bool       `json:"completed"`
	PayoutAtoms  int64      `json:"payout_atoms,omitempty"`
	FeeAtoms     int64      `json:"fee_atoms,omitempty"`
	PayoutTxHash string     `json:"payout_tx_hash,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

// Ready reports whether both sides have funded.
func (r *Record) Ready() bool { return r.Funded1 && r.Funded2 }

// Pot returns the total wagered amount.
func (r *Record) Pot() int64 { return 2 * r.BetAtoms }

// gameState wraps a record with its per-game exclusion. The settling
// flag keeps ledger calls outside the mutex while still preventing two
// settlement attempts from interleaving.
type gameState struct {
	mu       sync.Mutex
	rec      Record
	settling bool
}

// SettleResult reports the outcome of a successful settlement.
type SettleResult struct {
	GameID       string
	Winner       string
	PayoutAtoms  int64
	FeeAtoms     int64
	PayoutTxHash string
}

// Engine owns the wager lifecycle for all games. Operations on
// different games proceed fully in parallel; operations on one game are
// linearized by its gameState mutex.
type Engine struct {
	mu    sync.RWMutex
	games map[string]*gameState

	feePercent int64
	ledger     LedgerClient
	store      Store // optional write-through audit store
	log        slog.Logger
}

// NewEngine creates a settlement engine charging feePercent of the pot
// at settlement. Previously persisted records are reloaded from store
// so a retried Settle after restart still sees Completed.
func NewEngine(feePercent int64, ledger LedgerClient, store Store, log slog.Logger) (*Engine, error) {
	if feePercent < 0 || feePercent > 100 {
		return nil, fmt.Errorf("fee percent out of range: %d", feePercent)
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	e := &Engine{
		games:      make(map[string]*gameState),
		feePercent: feePercent,
		ledger:     ledger,
		store:      store,
		log:        log,
	}
	if store != nil {
		recs, err := store.ListEscrowRecords(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to load escrow records: %w", err)
		}
		for _, rec := range recs {
			e.games[rec.GameID] = &gameState{rec: *rec}
		}
		if len(recs) > 0 {
			log.Infof("restored %d escrow records", len(recs))
		}
	}
	return e, nil
}

// InitiateGame creates the wager record for gameID with both funded
// flags false. A second call with the same id fails with
// ErrAlreadyExists and leaves the first record untouched.
func (e *Engine) InitiateGame(ctx context.Context, gameID string, player1, player2 Party, betAtoms int64) (*Record, error) {
	if gameID == "" {
		return nil, fmt.Errorf("empty game id")
	}
	if betAtoms <= 0 {
		return nil, fmt.Errorf("bet amount must be positive: %d", betAtoms)
	}
	if player1.Address == "" || player2.Address == "" || player1.Address == player2.Address {
		return nil, fmt.Errorf("invalid wager parties")
	}

	e.mu.Lock()
	if _, exists := e.games[gameID]; exists {
		e.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	st := &gameState{rec: Record{
		GameID:    gameID,
		Player1:   player1,
		Player2:   player2,
		BetAtoms:  betAtoms,
		CreatedAt: time.Now(),
	}}
	e.games[gameID] = st
	e.mu.Unlock()

	rec := st.rec
	if err := e.persist(ctx, &rec); err != nil {
		return nil, err
	}
	e.log.Infof("wager initiated: game=%s bet=%s pot=%s",
		gameID, dcrutil.Amount(betAtoms), dcrutil.Amount(rec.Pot()))
	return &rec, nil
}

func (e *Engine) state(gameID string) *gameState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.games[gameID]
}

// ConfirmFunding marks participant (by payout address) as funded.
// Confirming an already-funded participant is a no-op, not an error.
func (e *Engine) ConfirmFunding(ctx context.Context, gameID, participant string) error {
	st := e.state(gameID)
	if st == nil {
		return ErrNotFound
	}

	st.mu.Lock()
	var changed bool
	switch participant {
	case st.rec.Player1.Address:
		changed = !st.rec.Funded1
		st.rec.Funded1 = true
	case st.rec.Player2.Address:
		changed = !st.rec.Funded2
		st.rec.Funded2 = true
	default:
		st.mu.Unlock()
		return fmt.Errorf("%w: participant %s not part of game %s", ErrNotFound, participant, gameID)
	}
	rec := st.rec
	st.mu.Unlock()

	if !changed {
		return nil
	}
	if err := e.persist(ctx, &rec); err != nil {
		return err
	}
	e.log.Debugf("funding confirmed: game=%s participant=%s ready=%t", gameID, participant, rec.Ready())
	return nil
}

// IsReady reports whether both sides of the wager have funded.
func (e *Engine) IsReady(gameID string) (bool, error) {
	st := e.state(gameID)
	if st == nil {
		return false, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Ready(), nil
}

// VerifyResult records the declared winner. Duplicate reports of the
// same winner are no-ops; a contradictory report fails with
// ErrWinnerConflict and changes nothing.
func (e *Engine) VerifyResult(ctx context.Context, gameID, winner, evidence string) error {
	st := e.state(gameID)
	if st == nil {
		return ErrNotFound
	}

	st.mu.Lock()
	if !st.rec.Ready() {
		st.mu.Unlock()
		return ErrNotReady
	}
	if winner != st.rec.Player1.Address && winner != st.rec.Player2.Address {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s not part of game %s", ErrNotFound, winner, gameID)
	}
	if st.rec.Winner != "" {
		prev := st.rec.Winner
		st.mu.Unlock()
		if prev != winner {
			return ErrWinnerConflict
		}
		return nil
	}
	st.rec.Winner = winner
	st.rec.Evidence = evidence
	rec := st.rec
	st.mu.Unlock()

	if err := e.persist(ctx, &rec); err != nil {
		return err
	}
	e.log.Infof("result verified: game=%s winner=%s", gameID, winner)
	return nil
}

// Settle pays the verified winner the pot minus the house fee, exactly
// once. The Completed check happens before any ledger call. The ledger
// is never called while the per-game mutex is held; a concurrent Settle
// during the ledger round-trip gets ErrSettleInFlight and may retry.
func (e *Engine) Settle(ctx context.Context, gameID string) (*SettleResult, error) {
	st := e.state(gameID)
	if st == nil {
		return nil, ErrNotFound
	}

	st.mu.Lock()
	if st.rec.Completed {
		st.mu.Unlock()
		return nil, ErrAlreadySettled
	}
	if st.rec.Winner == "" {
		st.mu.Unlock()
		return nil, ErrNoWinner
	}
	if st.settling {
		st.mu.Unlock()
		return nil, ErrSettleInFlight
	}
	st.settling = true
	pot := dcrutil.Amount(st.rec.Pot())
	winner := st.rec.Winner
	st.mu.Unlock()

	clearSettling := func() {
		st.mu.Lock()
		st.settling = false
		st.mu.Unlock()
	}

	bal, err := e.ledger.Balance(ctx)
	if err != nil {
		clearSettling()
		return nil, fmt.Errorf("%w: balance query: %v", ErrLedger, err)
	}
	if bal < pot {
		clearSettling()
		return nil, &InsufficientFundsError{Need: pot, Available: bal}
	}

	// Integer fee math: the division remainder accrues to the house.
	fee := pot * dcrutil.Amount(e.feePercent) / 100
	payout := pot - fee

	txh, err := e.ledger.Transfer(ctx, winner, payout)
	if err != nil {
		clearSettling()
		return nil, fmt.Errorf("%w: transfer: %v", ErrLedger, err)
	}
	if err := e.ledger.WaitConfirmed(ctx, txh); err != nil {
		// Reconciliation gap: the transfer was submitted but not
		// confirmed. Completed stays false so a retry is possible; the
		// operator reconciles against the ledger if it went through.
		clearSettling()
		e.log.Warnf("settlement unconfirmed: game=%s tx=%s: %v", gameID, txh, err)
		return nil, fmt.Errorf("%w: confirmation: %v", ErrLedger, err)
	}

	now := time.Now()
	st.mu.Lock()
	st.rec.Completed = true
	st.rec.PayoutAtoms = int64(payout)
	st.rec.FeeAtoms = int64(fee)
	st.rec.PayoutTxHash = string(txh)
	st.rec.SettledAt = &now
	st.settling = false
	rec := st.rec
	st.mu.Unlock()

	if err := e.persist(ctx, &rec); err != nil {
		// Funds already moved; surface the audit gap loudly but do not
		// fail the settlement.
		e.log.Errorf("CRITICAL: game %s settled (tx=%s) but audit record not persisted: %v",
			gameID, txh, err)
	}

	e.log.Infof("settled game=%s winner=%s payout=%s fee=%s tx=%s",
		gameID, winner, payout, fee, txh)
	return &SettleResult{
		GameID:       gameID,
		Winner:       winner,
		PayoutAtoms:  int64(payout),
		FeeAtoms:     int64(fee),
		PayoutTxHash: string(txh),
	}, nil
}

// GetRecord returns a copy of the audit record for gameID.
func (e *Engine) GetRecord(gameID string) (*Record, error) {
	st := e.state(gameID)
	if st == nil {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	rec := st.rec
	return &rec, nil
}

func (e *Engine) persist(ctx context.Context, rec *Record) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveEscrowRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist escrow record %s: %w", rec.GameID, err)
	}
	return nil
}
