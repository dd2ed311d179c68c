package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
)

type fakeTransfer struct {
	to  string
	amt dcrutil.Amount
}

// fakeLedger is an in-memory LedgerClient with controllable failures
// and an optional gate that holds confirmations open.
type fakeLedger struct {
	mu          sync.Mutex
	balance     dcrutil.Amount
	transfers   []fakeTransfer
	transferErr error
	confirmErr  error
	confirmGate chan struct{}
}

func (f *fakeLedger) Balance(ctx context.Context) (dcrutil.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeLedger) Transfer(ctx context.Context, to string, amt dcrutil.Amount) (TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers = append(f.transfers, fakeTransfer{to: to, amt: amt})
	return TxHandle(fmt.Sprintf("tx-%d", len(f.transfers))), nil
}

func (f *fakeLedger) WaitConfirmed(ctx context.Context, h TxHandle) error {
	f.mu.Lock()
	gate := f.confirmGate
	confirmErr := f.confirmErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return confirmErr
}

func (f *fakeLedger) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// memStore is an in-memory Store for restart tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]Record)}
}

func (m *memStore) SaveEscrowRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.GameID] = *rec
	return nil
}

func (m *memStore) FetchEscrowRecord(ctx context.Context, gameID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[gameID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rec, nil
}

func (m *memStore) ListEscrowRecords(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.recs {
		r := rec
		out = append(out, &r)
	}
	return out, nil
}

func newTestEngine(t *testing.T, feePercent int64, ledger *fakeLedger, store Store) *Engine {
	t.Helper()
	e, err := NewEngine(feePercent, ledger, store, slog.Disabled)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func initiateFunded(t *testing.T, e *Engine, gameID string, bet int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.InitiateGame(ctx, gameID, Party{Address: "p1", Name: "alice"},
		Party{Address: "p2", Name: "bob"}, bet)
	if err != nil {
		t.Fatalf("InitiateGame: %v", err)
	}
	if err := e.ConfirmFunding(ctx, gameID, "p1"); err != nil {
		t.Fatalf("ConfirmFunding p1: %v", err)
	}
	if err := e.ConfirmFunding(ctx, gameID, "p2"); err != nil {
		t.Fatalf("ConfirmFunding p2: %v", err)
	}
}

func TestWagerLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 10_000}
	e := newTestEngine(t, 5, ledger, nil)

	rec, err := e.InitiateGame(ctx, "g1", Party{Address: "p1", Name: "alice"},
		Party{Address: "p2", Name: "bob"}, 1000)
	if err != nil {
		t.Fatalf("InitiateGame: %v", err)
	}
	if rec.Funded1 || rec.Funded2 {
		t.Fatal("new wager must start unfunded")
	}

	// Duplicate initiation fails and leaves the record untouched.
	if _, err := e.InitiateGame(ctx, "g1", Party{Address: "x"}, Party{Address: "y"}, 5); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate initiate: got %v, want ErrAlreadyExists", err)
	}

	if ready, _ := e.IsReady("g1"); ready {
		t.Fatal("unfunded wager reported ready")
	}
	if err := e.ConfirmFunding(ctx, "g1", "p1"); err != nil {
		t.Fatalf("ConfirmFunding: %v", err)
	}
	// Repeat confirmation is a no-op.
	if err := e.ConfirmFunding(ctx, "g1", "p1"); err != nil {
		t.Fatalf("repeat ConfirmFunding: %v", err)
	}
	if ready, _ := e.IsReady("g1"); ready {
		t.Fatal("half-funded wager reported ready")
	}
	if err := e.ConfirmFunding(ctx, "g1", "p2"); err != nil {
		t.Fatalf("ConfirmFunding: %v", err)
	}
	if ready, _ := e.IsReady("g1"); !ready {
		t.Fatal("fully funded wager not ready")
	}

	if err := e.VerifyResult(ctx, "g1", "p1", "final-state"); err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}
	// Re-reporting the same winner is a no-op.
	if err := e.VerifyResult(ctx, "g1", "p1", "final-state"); err != nil {
		t.Fatalf("repeat VerifyResult: %v", err)
	}

	res, err := e.Settle(ctx, "g1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// Pot 2000, 5% fee = 100, payout 1900.
	if res.PayoutAtoms != 1900 || res.FeeAtoms != 100 {
		t.Fatalf("got payout=%d fee=%d, want 1900/100", res.PayoutAtoms, res.FeeAtoms)
	}
	if res.Winner != "p1" || res.PayoutTxHash == "" {
		t.Fatalf("bad settle result: %+v", res)
	}
	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("got %d transfers, want 1", n)
	}

	if _, err := e.Settle(ctx, "g1"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second Settle: got %v, want ErrAlreadySettled", err)
	}
	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("retried settle moved funds: %d transfers", n)
	}

	got, err := e.GetRecord("g1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !got.Completed || got.SettledAt == nil || got.PayoutAtoms != 1900 {
		t.Fatalf("bad audit record: %+v", got)
	}
}

func TestFeeRemainderAccruesToHouse(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 1_000_000}
	e := newTestEngine(t, 5, ledger, nil)

	// Pot 66; 5% is 3.3 which floors to 3, so the winner gets 63.
	initiateFunded(t, e, "g1", 33)
	if err := e.VerifyResult(ctx, "g1", "p2", ""); err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}
	res, err := e.Settle(ctx, "g1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.FeeAtoms != 3 || res.PayoutAtoms != 63 {
		t.Fatalf("got payout=%d fee=%d, want 63/3", res.PayoutAtoms, res.FeeAtoms)
	}
	if res.FeeAtoms+res.PayoutAtoms != 66 {
		t.Fatal("payout and fee must partition the pot")
	}
}

func TestZeroFee(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 1000}
	e := newTestEngine(t, 0, ledger, nil)

	initiateFunded(t, e, "g1", 100)
	if err := e.VerifyResult(ctx, "g1", "p1", ""); err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}
	res, err := e.Settle(ctx, "g1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.PayoutAtoms != 200 || res.FeeAtoms != 0 {
		t.Fatalf("got payout=%d fee=%d, want 200/0", res.PayoutAtoms, res.FeeAtoms)
	}
}

func TestVerifyResultErrors(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 1000}
	e := newTestEngine(t, 2, ledger, nil)

	if err := e.VerifyResult(ctx, "missing", "p1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown game: got %v, want ErrNotFound", err)
	}

	if _, err := e.InitiateGame(ctx, "g1", Party{Address: "p1"}, Party{Address: "p2"}, 100); err != nil {
		t.Fatalf("InitiateGame: %v", err)
	}
	if err := e.VerifyResult(ctx, "g1", "p1", ""); !errors.Is(err, ErrNotReady) {
		t.Fatalf("unfunded verify: got %v, want ErrNotReady", err)
	}

	if err := e.ConfirmFunding(ctx, "g1", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfirmFunding(ctx, "g1", "p2"); err != nil {
		t.Fatal(err)
	}
	if err := e.VerifyResult(ctx, "g1", "stranger", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outsider winner: got %v, want ErrNotFound", err)
	}

	if err := e.VerifyResult(ctx, "g1", "p1", ""); err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}
	if err := e.VerifyResult(ctx, "g1", "p2", ""); !errors.Is(err, ErrWinnerConflict) {
		t.Fatalf("conflicting winner: got %v, want ErrWinnerConflict", err)
	}
	// Conflict changed nothing.
	rec, _ := e.GetRecord("g1")
	if rec.Winner != "p1" {
		t.Fatalf("winner changed by conflicting report: %s", rec.Winner)
	}
}

func TestSettleWithoutWinner(t *testing.T) {
	ledger := &fakeLedger{balance: 1000}
	e := newTestEngine(t, 2, ledger, nil)

	initiateFunded(t, e, "g1", 100)
	if _, err := e.Settle(context.Background(), "g1"); !errors.Is(err, ErrNoWinner) {
		t.Fatalf("got %v, want ErrNoWinner", err)
	}
}

func TestSettleInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 150}
	e := newTestEngine(t, 2, ledger, nil)

	initiateFunded(t, e, "g1", 100)
	if err := e.VerifyResult(ctx, "g1", "p1", ""); err != nil {
		t.Fatal(err)
	}

	_, err := e.Settle(ctx, "g1")
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientFundsError", err)
	}
	if insufficient.Shortfall() != 50 {
		t.Fatalf("got shortfall %d, want 50", insufficient.Shortfall())
	}
	if n := ledger.transferCount(); n != 0 {
		t.Fatalf("transfer attempted with insufficient funds: %d", n)
	}

	// Failure is retryable once the balance covers the pot.
	ledger.mu.Lock()
	ledger.balance = 500
	ledger.mu.Unlock()
	if _, err := e.Settle(ctx, "g1"); err != nil {
		t.Fatalf("retry after top-up: %v", err)
	}
}

func TestSettleTransferFailureRetryable(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 1000, transferErr: errors.New("wallet offline")}
	e := newTestEngine(t, 2, ledger, nil)

	initiateFunded(t, e, "g1", 100)
	if err := e.VerifyResult(ctx, "g1", "p1", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Settle(ctx, "g1"); !errors.Is(err, ErrLedger) {
		t.Fatalf("got %v, want ErrLedger", err)
	}
	rec, _ := e.GetRecord("g1")
	if rec.Completed {
		t.Fatal("failed settlement must not complete the record")
	}

	ledger.mu.Lock()
	ledger.transferErr = nil
	ledger.mu.Unlock()
	if _, err := e.Settle(ctx, "g1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("got %d transfers, want 1", n)
	}
}

// TestConcurrentSettleExactlyOnce holds the confirmation gate open while
// many Settle calls race; funds must move exactly once.
func TestConcurrentSettleExactlyOnce(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	ledger := &fakeLedger{balance: 1000, confirmGate: gate}
	e := newTestEngine(t, 2, ledger, nil)

	initiateFunded(t, e, "g1", 100)
	if err := e.VerifyResult(ctx, "g1", "p1", ""); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := e.Settle(ctx, "g1")
			errs <- err
		}()
	}

	// Let the losers drain first: all but the in-flight winner must see
	// ErrSettleInFlight while the gate is closed.
	var inFlight int
	for i := 0; i < racers-1; i++ {
		if err := <-errs; errors.Is(err, ErrSettleInFlight) {
			inFlight++
		} else {
			t.Fatalf("racing settle got %v, want ErrSettleInFlight", err)
		}
	}
	close(gate)
	if err := <-errs; err != nil {
		t.Fatalf("winning settle failed: %v", err)
	}

	if inFlight != racers-1 {
		t.Fatalf("got %d in-flight rejections, want %d", inFlight, racers-1)
	}
	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("got %d transfers, want exactly 1", n)
	}
}

// TestRestartSeesCompleted reloads the engine from the store and checks
// a settled game stays settled across the restart.
func TestRestartSeesCompleted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ledger := &fakeLedger{balance: 1000}

	e := newTestEngine(t, 2, ledger, store)
	initiateFunded(t, e, "g1", 100)
	if err := e.VerifyResult(ctx, "g1", "p1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Settle(ctx, "g1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	e2 := newTestEngine(t, 2, ledger, store)
	if _, err := e2.Settle(ctx, "g1"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("post-restart settle: got %v, want ErrAlreadySettled", err)
	}
	if n := ledger.transferCount(); n != 1 {
		t.Fatalf("restart allowed a second payout: %d transfers", n)
	}
}

func TestConfirmFundingUnknownParticipant(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balance: 1000}
	e := newTestEngine(t, 2, ledger, nil)

	if _, err := e.InitiateGame(ctx, "g1", Party{Address: "p1"}, Party{Address: "p2"}, 100); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfirmFunding(ctx, "g1", "stranger"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestInitiateGameValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 2, &fakeLedger{}, nil)

	if _, err := e.InitiateGame(ctx, "", Party{Address: "a"}, Party{Address: "b"}, 10); err == nil {
		t.Fatal("empty game id accepted")
	}
	if _, err := e.InitiateGame(ctx, "g1", Party{Address: "a"}, Party{Address: "b"}, 0); err == nil {
		t.Fatal("zero bet accepted")
	}
	if _, err := e.InitiateGame(ctx, "g1", Party{Address: "a"}, Party{Address: "a"}, 10); err == nil {
		t.Fatal("identical parties accepted")
	}

	if _, err := NewEngine(101, &fakeLedger{}, nil, slog.Disabled); err == nil {
		t.Fatal("fee over 100 accepted")
	}
}
