package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/slog"

	"github.com/vctt94/arcadebisonrelay/escrow"
)

const (
	defaultRequiredConfs = 1
	confirmPollInterval  = 5 * time.Second
)

// WalletLedger pays winners on-chain through a dcrwallet JSON-RPC
// connection. Balance and transfers go over RawRequest; confirmation
// polls the wallet's view of the transaction until the required number
// of confirmations is reached.
type WalletLedger struct {
	rpc           *rpcclient.Client
	log           slog.Logger
	requiredConfs int64
}

func NewWalletLedger(rpc *rpcclient.Client, log slog.Logger, requiredConfs int64) *WalletLedger {
	if requiredConfs <= 0 {
		requiredConfs = defaultRequiredConfs
	}
	return &WalletLedger{rpc: rpc, log: log, requiredConfs: requiredConfs}
}

// Balance returns the wallet's total spendable balance.
func (w *WalletLedger) Balance(ctx context.Context) (dcrutil.Amount, error) {
	res, err := w.rpc.RawRequest(ctx, "getbalance", nil)
	if err != nil {
		return 0, fmt.Errorf("getbalance: %w", err)
	}
	var bal struct {
		TotalSpendable float64 `json:"totalspendable"`
	}
	if err := json.Unmarshal(res, &bal); err != nil {
		return 0, fmt.Errorf("decode getbalance result: %w", err)
	}
	amt, err := dcrutil.NewAmount(bal.TotalSpendable)
	if err != nil {
		return 0, fmt.Errorf("bad balance value %f: %w", bal.TotalSpendable, err)
	}
	return amt, nil
}

// Transfer sends amt to the destination address and returns the txid as
// the confirmation handle.
func (w *WalletLedger) Transfer(ctx context.Context, to string, amt dcrutil.Amount) (escrow.TxHandle, error) {
	if to == "" {
		return "", fmt.Errorf("empty destination address")
	}
	addrParam, err := json.Marshal(to)
	if err != nil {
		return "", err
	}
	amtParam, err := json.Marshal(amt.ToCoin())
	if err != nil {
		return "", err
	}
	res, err := w.rpc.RawRequest(ctx, "sendtoaddress", []json.RawMessage{addrParam, amtParam})
	if err != nil {
		return "", fmt.Errorf("sendtoaddress: %w", err)
	}
	var txid string
	if err := json.Unmarshal(res, &txid); err != nil {
		return "", fmt.Errorf("decode sendtoaddress result: %w", err)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return "", fmt.Errorf("wallet returned malformed txid %q: %w", txid, err)
	}
	w.log.Infof("payout submitted: %s -> %s (%s)", txid, to, amt)
	return escrow.TxHandle(txid), nil
}

// WaitConfirmed polls the wallet for the transaction until it has the
// required confirmations or ctx ends.
func (w *WalletLedger) WaitConfirmed(ctx context.Context, h escrow.TxHandle) error {
	if _, err := chainhash.NewHashFromStr(string(h)); err != nil {
		return fmt.Errorf("bad transfer handle %q: %w", h, err)
	}
	txidParam, err := json.Marshal(string(h))
	if err != nil {
		return err
	}

	t := time.NewTicker(confirmPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			res, err := w.rpc.RawRequest(ctx, "gettransaction", []json.RawMessage{txidParam})
			if err != nil {
				w.log.Debugf("gettransaction %s failed: %v", h, err)
				continue
			}
			var tx struct {
				Confirmations int64 `json:"confirmations"`
			}
			if err := json.Unmarshal(res, &tx); err != nil {
				return fmt.Errorf("decode gettransaction result: %w", err)
			}
			if tx.Confirmations >= w.requiredConfs {
				w.log.Debugf("payout %s confirmed (%d confs)", h, tx.Confirmations)
				return nil
			}
		}
	}
}
