// Package chain is the custody-transfer collaborator of the settlement
// worker. The exchange core never talks to a node itself; it submits
// transfers and awaits their confirmation through Client.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/custodex/pkg/errs"
)

var (
	ErrUnknownSigner  = fmt.Errorf("%w: no signing key for address", errs.ErrValidation)
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", errs.ErrValidation)
	ErrTxNotFound     = errors.New("transaction not found")

	// ErrReverted means the transaction was mined but failed. Its hash is
	// useless and the transfer must be submitted again.
	ErrReverted = fmt.Errorf("%w: transaction reverted", errs.ErrSettlementFailure)
)

type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	}
	return fmt.Sprintf("TxStatus(%d)", int(s))
}

// Client moves funds on chain. Implementations must be safe for concurrent
// use.
type Client interface {
	// SubmitTransfer signs and broadcasts a transfer of amount minor units
	// from one custody-controlled address to another and returns its hash.
	SubmitTransfer(ctx context.Context, amount int64, from, to string) (string, error)
	// AwaitConfirmation blocks until txHash is final, reverted, or ctx ends.
	AwaitConfirmation(ctx context.Context, txHash string) (TxStatus, error)
}
