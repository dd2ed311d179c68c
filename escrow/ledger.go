package escrow

import (
	"context"

	"github.com/decred/dcrd/dcrutil/v4"
)

// TxHandle identifies a submitted transfer while its confirmation is
// pending. Its contents are ledger specific (a txid, a tip sequence).
type TxHandle string

// LedgerClient is the engine's boundary to the external value-transfer
// system. Every call is fallible and possibly slow; implementations own
// their retry/backoff policy. The engine never calls the ledger while
// holding per-game state locks.
type LedgerClient interface {
	// Balance returns the funds available for payouts.
	Balance(ctx context.Context) (dcrutil.Amount, error)
	// Transfer submits a payout of amt to the destination identity and
	// returns a handle for confirmation tracking.
	Transfer(ctx context.Context, to string, amt dcrutil.Amount) (TxHandle, error)
	// WaitConfirmed blocks until the transfer identified by h is
	// confirmed, or fails.
	WaitConfirmed(ctx context.Context, h TxHandle) error
}

// Store persists escrow records. Records are an append-only audit
// artifact: saved on every mutation, never deleted.
type Store interface {
	SaveEscrowRecord(ctx context.Context, rec *Record) error
	FetchEscrowRecord(ctx context.Context, gameID string) (*Record, error)
	ListEscrowRecords(ctx context.Context) ([]*Record, error)
}
