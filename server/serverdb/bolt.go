package serverdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vctt94/arcadebisonrelay/escrow"
)

var (
	escrowBucket = []byte("escrows")
	tipsBucket   = []byte("fundingtips")
)

// BoltDB is the bbolt-backed ServerDB.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the database at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(escrowBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tipsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

// SaveEscrowRecord upserts the audit record for rec.GameID.
func (b *BoltDB) SaveEscrowRecord(ctx context.Context, rec *escrow.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal escrow record: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(escrowBucket)
		if bkt == nil {
			return ErrEscrowBucketNotFound
		}
		return bkt.Put([]byte(rec.GameID), data)
	})
}

func (b *BoltDB) FetchEscrowRecord(ctx context.Context, gameID string) (*escrow.Record, error) {
	var rec *escrow.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(escrowBucket)
		if bkt == nil {
			return ErrEscrowBucketNotFound
		}
		data := bkt.Get([]byte(gameID))
		if data == nil {
			return ErrRecordNotFound
		}
		rec = new(escrow.Record)
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltDB) ListEscrowRecords(ctx context.Context) ([]*escrow.Record, error) {
	var recs []*escrow.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(escrowBucket)
		if bkt == nil {
			return ErrEscrowBucketNotFound
		}
		return bkt.ForEach(func(k, v []byte) error {
			rec := new(escrow.Record)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("corrupt escrow record %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// StoreFundingTip records a funding tip under its game, keyed by the
// tip's sequence id. Storing the same sequence twice fails with
// ErrDuplicateEntry so replayed tip streams cannot double-fund.
func (b *BoltDB) StoreFundingTip(ctx context.Context, tip *FundingTip) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return fmt.Errorf("failed to marshal funding tip: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(tipsBucket)
		if bkt == nil {
			return ErrTipBucketNotFound
		}
		gameBkt, err := bkt.CreateBucketIfNotExists([]byte(tip.GameID))
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], tip.SequenceID)
		if gameBkt.Get(key[:]) != nil {
			return ErrDuplicateEntry
		}
		return gameBkt.Put(key[:], data)
	})
}

func (b *BoltDB) FetchFundingTips(ctx context.Context, gameID string) ([]*FundingTip, error) {
	var tips []*FundingTip
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(tipsBucket)
		if bkt == nil {
			return ErrTipBucketNotFound
		}
		gameBkt := bkt.Bucket([]byte(gameID))
		if gameBkt == nil {
			return nil
		}
		return gameBkt.ForEach(func(k, v []byte) error {
			tip := new(FundingTip)
			if err := json.Unmarshal(v, tip); err != nil {
				return fmt.Errorf("corrupt funding tip %x: %w", k, err)
			}
			tips = append(tips, tip)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tips, nil
}
