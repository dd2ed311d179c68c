package serverdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vctt94/arcadebisonrelay/escrow"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEscrowRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.FetchEscrowRecord(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("got %v, want ErrRecordNotFound", err)
	}

	rec := &escrow.Record{
		GameID:    "g1",
		Player1:   escrow.Party{Address: "p1", Name: "alice"},
		Player2:   escrow.Party{Address: "p2", Name: "bob"},
		BetAtoms:  1000,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.SaveEscrowRecord(ctx, rec); err != nil {
		t.Fatalf("SaveEscrowRecord: %v", err)
	}

	got, err := db.FetchEscrowRecord(ctx, "g1")
	if err != nil {
		t.Fatalf("FetchEscrowRecord: %v", err)
	}
	if got.GameID != "g1" || got.Player1.Address != "p1" || got.BetAtoms != 1000 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Upsert: settlement fields survive a re-save.
	rec.Completed = true
	rec.PayoutAtoms = 1960
	rec.PayoutTxHash = "tx1"
	if err := db.SaveEscrowRecord(ctx, rec); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, err = db.FetchEscrowRecord(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed || got.PayoutAtoms != 1960 || got.PayoutTxHash != "tx1" {
		t.Fatalf("upsert lost settlement fields: %+v", got)
	}

	recs, err := db.ListEscrowRecords(ctx)
	if err != nil {
		t.Fatalf("ListEscrowRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestFundingTipDuplicate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tip := &FundingTip{
		SequenceID:   42,
		UID:          []byte{1, 2, 3},
		GameID:       "g1",
		AmountMatoms: 1_000_000,
		ReceivedAt:   time.Now().UTC(),
	}
	if err := db.StoreFundingTip(ctx, tip); err != nil {
		t.Fatalf("StoreFundingTip: %v", err)
	}
	if err := db.StoreFundingTip(ctx, tip); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("got %v, want ErrDuplicateEntry", err)
	}

	tips, err := db.FetchFundingTips(ctx, "g1")
	if err != nil {
		t.Fatalf("FetchFundingTips: %v", err)
	}
	if len(tips) != 1 || tips[0].SequenceID != 42 {
		t.Fatalf("bad tips: %+v", tips)
	}

	// Unknown game yields no tips, not an error.
	tips, err = db.FetchFundingTips(ctx, "other")
	if err != nil || len(tips) != 0 {
		t.Fatalf("got %v/%v, want empty/nil", tips, err)
	}
}
