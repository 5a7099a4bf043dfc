package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type simOutcome int

const (
	simConfirm simOutcome = iota
	simRevert
	simHang
)

// Transfer is a transfer the simulated chain has finalized.
type Transfer struct {
	TxHash string
	From   string
	To     string
	Amount int64
}

type simTx struct {
	Transfer
	outcome simOutcome
}

// Simulated is an in-memory chain for devnet and tests. Failures are
// scripted in order: each FailSubmit consumes one SubmitTransfer call,
// each RevertNext or HangNext applies to the next accepted transfer.
type Simulated struct {
	mu           sync.Mutex
	seq          uint64
	txs          map[string]*simTx
	submitErrs   []error
	outcomes     []simOutcome
	confirmed    []Transfer
	submits      int
	confirmDelay time.Duration
}

func NewSimulated() *Simulated {
	return &Simulated{txs: make(map[string]*simTx)}
}

func (s *Simulated) FailSubmit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, err)
}

func (s *Simulated) RevertNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, simRevert)
}

// HangNext makes the next transfer never confirm; AwaitConfirmation blocks
// until its context ends.
func (s *Simulated) HangNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, simHang)
}

func (s *Simulated) SetConfirmDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmDelay = d
}

func (s *Simulated) SubmitTransfer(ctx context.Context, amount int64, from, to string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submits++
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("transfer amount %d must be positive", amount)
	}

	s.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.seq)
	hash := crypto.Keccak256Hash(buf[:]).Hex()

	outcome := simConfirm
	if len(s.outcomes) > 0 {
		outcome = s.outcomes[0]
		s.outcomes = s.outcomes[1:]
	}
	s.txs[hash] = &simTx{Transfer: Transfer{TxHash: hash, From: from, To: to, Amount: amount}, outcome: outcome}
	return hash, nil
}

func (s *Simulated) AwaitConfirmation(ctx context.Context, txHash string) (TxStatus, error) {
	s.mu.Lock()
	tx, ok := s.txs[txHash]
	delay := s.confirmDelay
	s.mu.Unlock()
	if !ok {
		return TxPending, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
	}

	if tx.outcome == simHang {
		<-ctx.Done()
		return TxPending, ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return TxPending, ctx.Err()
		case <-timer.C:
		}
	}
	if tx.outcome == simRevert {
		return TxReverted, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized(txHash) {
		s.confirmed = append(s.confirmed, tx.Transfer)
	}
	return TxConfirmed, nil
}

func (s *Simulated) finalized(hash string) bool {
	for _, t := range s.confirmed {
		if t.TxHash == hash {
			return true
		}
	}
	return false
}

// Transfers returns confirmed transfers in confirmation order.
func (s *Simulated) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.confirmed...)
}

// Submits counts SubmitTransfer calls, failed ones included.
func (s *Simulated) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}
