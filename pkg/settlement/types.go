package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/custodex/pkg/errs"
)

// DefaultMaxRetries is the retry cap after which a settlement fails for good.
const DefaultMaxRetries = 3

var (
	ErrNotFound       = fmt.Errorf("settlement %w", errs.ErrNotFound)
	ErrAlreadyClaimed = errors.New("settlement already claimed")
	ErrLeaseLost      = errors.New("settlement lease lost")
	ErrNotFailed      = fmt.Errorf("%w: only failed settlements can be requeued", errs.ErrValidation)
	ErrNotReconciling = fmt.Errorf("%w: settlement is not held for reconciliation", errs.ErrValidation)
)

type Kind int8

const (
	Deposit Kind = iota + 1
	Withdrawal
)

func (k Kind) String() string {
	switch k {
	case Deposit:
		return "deposit"
	case Withdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

func ParseKind(v string) (Kind, error) {
	switch v {
	case "deposit":
		return Deposit, nil
	case "withdrawal":
		return Withdrawal, nil
	}
	return 0, fmt.Errorf("unknown settlement kind %q", v)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Status of a settlement:
//
//	pending -> confirming -> confirmed
//	                      -> failed
//	                      -> pending (retryable, retry_count + 1)
type Status int8

const (
	Pending Status = iota
	Confirming
	Confirmed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirming:
		return "confirming"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseStatus(v string) (Status, error) {
	switch v {
	case "pending":
		return Pending, nil
	case "confirming":
		return Confirming, nil
	case "confirmed":
		return Confirmed, nil
	case "failed":
		return Failed, nil
	}
	return 0, fmt.Errorf("unknown settlement status %q", v)
}

func (s Status) Terminal() bool { return s == Confirmed || s == Failed }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Settlement is a deposit into or withdrawal out of custody. Amount is in the
// asset's minor unit. Address is the external side of the transfer: the
// source of a deposit or the destination of a withdrawal.
type Settlement struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	User        string `json:"user"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Address     string `json:"address"`
	Status      Status `json:"status"`
	RetryCount  int    `json:"retry_count"`
	Requeues    int    `json:"requeues,omitempty"` // operator requeues after failure
	TxHash      string `json:"tx_hash,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LeaseOwner  string `json:"lease_owner,omitempty"`
	LeaseUntil  int64  `json:"lease_until,omitempty"` // unix nanos
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	ConfirmedAt int64  `json:"confirmed_at,omitempty"`

	// Submitting is set while a transfer may be on its way to the chain
	// without its hash recorded yet.
	Submitting bool `json:"submitting,omitempty"`

	// Reconcile holds the reason a row waits for an operator. Such rows are
	// never claimed.
	Reconcile string `json:"reconcile,omitempty"`

	// OrphanTxs are hashes that were still unresolved when the row gave up
	// on them.
	OrphanTxs []string `json:"orphan_txs,omitempty"`
}

// Claimable reports whether a worker may take the row at now: pending rows,
// and confirming rows whose holder let the lease expire.
func (s *Settlement) Claimable(now time.Time) bool {
	if s.Reconcile != "" {
		return false
	}
	switch s.Status {
	case Pending:
		return true
	case Confirming:
		return s.LeaseUntil <= now.UnixNano()
	default:
		return false
	}
}

// Update is the persisted outcome of one worker step.
type Update struct {
	Status     Status
	RetryCount int
	TxHash     string
	LastError  string
	Submitting bool
	Reconcile  string
	OrphanTx   string // appended to OrphanTxs
	At         time.Time
}

// Apply writes u onto s. Leaving confirming releases the lease.
func (s *Settlement) Apply(u Update) {
	s.Status = u.Status
	s.RetryCount = u.RetryCount
	s.TxHash = u.TxHash
	s.LastError = u.LastError
	s.Submitting = u.Submitting
	s.Reconcile = u.Reconcile
	if u.OrphanTx != "" {
		s.OrphanTxs = append(s.OrphanTxs, u.OrphanTx)
	}
	s.UpdatedAt = u.At.UnixNano()
	if u.Status == Confirmed {
		s.ConfirmedAt = u.At.UnixNano()
	}
	if u.Status != Confirming {
		s.LeaseOwner = ""
		s.LeaseUntil = 0
	}
}
