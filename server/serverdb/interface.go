package serverdb

import (
	"context"
	"errors"
	"time"

	"github.com/vctt94/arcadebisonrelay/escrow"
)

var (
	ErrDuplicateEntry       = errors.New("tip already stored")
	ErrEscrowBucketNotFound = errors.New("escrow bucket not found")
	ErrTipBucketNotFound    = errors.New("tip bucket not found")
	ErrRecordNotFound       = errors.New("record not found")
)

// FundingTip is a received funding tip applied to a wagered game. Kept
// so a restart can re-derive which side of a wager has paid.
type FundingTip struct {
	SequenceID   uint64    `json:"sequence_id"`
	UID          []byte    `json:"uid"`
	GameID       string    `json:"game_id"`
	AmountMatoms int64     `json:"amount_matoms"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ServerDB persists the escrow audit trail and the funding tips behind
// it. Escrow records are append-only: saved on every mutation, never
// deleted.
type ServerDB interface {
	escrow.Store

	StoreFundingTip(ctx context.Context, tip *FundingTip) error
	FetchFundingTips(ctx context.Context, gameID string) ([]*FundingTip, error)

	Close() error
}
