// Package ledger provides the external value-transfer clients consumed
// by the escrow engine: BisonRelay tip payouts routed through the
// operator bot, and dcrwallet JSON-RPC transfers.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"

	"github.com/vctt94/arcadebisonrelay/escrow"
)

// PayTipper is the slice of the bot the tip ledger needs.
type PayTipper interface {
	PayTip(ctx context.Context, recipient zkidentity.ShortID, amount dcrutil.Amount, priority int32) error
}

// pendingTip tracks one submitted payout until a tip-progress event
// resolves it.
type pendingTip struct {
	recipient zkidentity.ShortID
	amount    dcrutil.Amount
	resolved  bool
	done      chan error
}

// TipLedger pays winners with BisonRelay tips. The operator balance is
// the sum of confirmed funding tips minus confirmed payouts; the server
// credits it as funding arrives. Tip sends are asynchronous, so
// WaitConfirmed blocks until the matching progress event is routed in
// via HandleTipProgress.
type TipLedger struct {
	mu      sync.Mutex
	bot     PayTipper
	log     slog.Logger
	balance dcrutil.Amount
	nextSeq uint64
	pending map[escrow.TxHandle]*pendingTip
}

func NewTipLedger(bot PayTipper, log slog.Logger) *TipLedger {
	return &TipLedger{
		bot:     bot,
		log:     log,
		pending: make(map[escrow.TxHandle]*pendingTip),
	}
}

// Credit adds confirmed funding to the operator balance.
func (t *TipLedger) Credit(amount dcrutil.Amount) {
	t.mu.Lock()
	t.balance += amount
	t.mu.Unlock()
}

// Balance returns the operator funds available for payouts.
func (t *TipLedger) Balance(ctx context.Context) (dcrutil.Amount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance, nil
}

// Transfer submits a tip payout to the recipient identity (hex short
// id). The returned handle resolves through WaitConfirmed.
func (t *TipLedger) Transfer(ctx context.Context, to string, amt dcrutil.Amount) (escrow.TxHandle, error) {
	var recipient zkidentity.ShortID
	if err := recipient.FromString(to); err != nil {
		return "", fmt.Errorf("bad recipient id %q: %w", to, err)
	}

	t.mu.Lock()
	t.nextSeq++
	h := escrow.TxHandle(fmt.Sprintf("tip:%d:%s", t.nextSeq, to))
	t.pending[h] = &pendingTip{
		recipient: recipient,
		amount:    amt,
		done:      make(chan error, 1),
	}
	t.mu.Unlock()

	if err := t.bot.PayTip(ctx, recipient, amt, 0); err != nil {
		t.mu.Lock()
		delete(t.pending, h)
		t.mu.Unlock()
		return "", fmt.Errorf("pay tip: %w", err)
	}
	t.log.Debugf("tip payout submitted: %s -> %s (%s)", h, to, amt)
	return h, nil
}

// WaitConfirmed blocks until the payout's tip-progress event arrives.
// The pending entry is only removed here, so a progress event racing
// ahead of the wait still resolves correctly.
func (t *TipLedger) WaitConfirmed(ctx context.Context, h escrow.TxHandle) error {
	t.mu.Lock()
	p := t.pending[h]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("unknown transfer handle %q", h)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.done:
		t.mu.Lock()
		delete(t.pending, h)
		t.mu.Unlock()
		return err
	}
}

// HandleTipProgress resolves a pending payout matching the event's
// recipient and amount. The server pumps these from the payments
// TipProgress stream. Unmatched events are ignored: they belong to
// tips the ledger did not send.
func (t *TipLedger) HandleTipProgress(uid []byte, amountMatoms int64, completed bool, sendErr string) {
	amount := dcrutil.Amount(amountMatoms / 1000)

	t.mu.Lock()
	var h escrow.TxHandle
	var p *pendingTip
	for cand, pt := range t.pending {
		if !pt.resolved && pt.amount == amount && matchesUID(pt.recipient, uid) {
			h, p = cand, pt
			break
		}
	}
	if p == nil {
		t.mu.Unlock()
		return
	}
	p.resolved = true
	if completed && sendErr == "" {
		t.balance -= amount
	}
	t.mu.Unlock()

	if completed && sendErr == "" {
		p.done <- nil
		t.log.Debugf("tip payout confirmed: %s", h)
		return
	}
	p.done <- fmt.Errorf("tip payout failed: %s", sendErr)
}

func matchesUID(id zkidentity.ShortID, uid []byte) bool {
	var other zkidentity.ShortID
	if len(uid) != len(other) {
		return false
	}
	copy(other[:], uid)
	return other == id
}
