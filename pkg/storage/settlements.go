package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/custodex/pkg/settlement"
)

func putSettlement(b *pebble.Batch, s *settlement.Settlement) error {
	data, err := encode(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement %s: %w", s.ID, err)
	}
	if err := b.Set(settlementKey(s.ID), data, nil); err != nil {
		return err
	}
	if s.Reconcile != "" {
		err = b.Set(reconcileKey(s.ID), []byte(s.ID), nil)
	} else {
		err = b.Delete(reconcileKey(s.ID), nil)
	}
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return b.Delete(queueKey(s), nil)
	}
	return b.Set(queueKey(s), []byte(s.ID), nil)
}

func (s *PebbleStore) getSettlement(id string) (settlement.Settlement, error) {
	var st settlement.Settlement
	found, err := getJSON(s.db, settlementKey(id), &st)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if !found {
		return settlement.Settlement{}, fmt.Errorf("%w: %s", settlement.ErrNotFound, id)
	}
	return st, nil
}

func (s *PebbleStore) writeSettlement(st *settlement.Settlement) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := putSettlement(b, st); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// CreateSettlement stores a new pending deposit or withdrawal.
func (s *PebbleStore) CreateSettlement(ctx context.Context, st settlement.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, closer, err := s.db.Get(settlementKey(st.ID)); err == nil {
		closer.Close()
		return fmt.Errorf("settlement %s already exists", st.ID)
	} else if err != pebble.ErrNotFound {
		return err
	}
	if st.Status != settlement.Pending {
		return fmt.Errorf("new settlement %s must be pending, got %s", st.ID, st.Status)
	}
	return s.writeSettlement(&st)
}

func (s *PebbleStore) GetSettlement(ctx context.Context, id string) (settlement.Settlement, error) {
	return s.getSettlement(id)
}

// LoadPendingSettlements returns up to limit rows of kind that a worker may
// claim at now, oldest first.
func (s *PebbleStore) LoadPendingSettlements(ctx context.Context, kind settlement.Kind, now time.Time, limit int) ([]settlement.Settlement, error) {
	var ids []string
	err := scan(s.db, queuePrefix(kind), func(_, value []byte) (bool, error) {
		ids = append(ids, string(value))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var out []settlement.Settlement
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		st, err := s.getSettlement(id)
		if err != nil {
			return nil, err
		}
		if st.Claimable(now) {
			out = append(out, st)
		}
	}
	return out, nil
}

// ClaimSettlement moves a claimable row to confirming under owner's lease.
// Losing the race returns settlement.ErrAlreadyClaimed.
func (s *PebbleStore) ClaimSettlement(ctx context.Context, id, owner string, now, leaseUntil time.Time) (settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getSettlement(id)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if !st.Claimable(now) {
		return settlement.Settlement{}, fmt.Errorf("%w: %s is %s", settlement.ErrAlreadyClaimed, id, st.Status)
	}
	st.Status = settlement.Confirming
	st.LeaseOwner = owner
	st.LeaseUntil = leaseUntil.UnixNano()
	st.UpdatedAt = now.UnixNano()
	if err := s.writeSettlement(&st); err != nil {
		return settlement.Settlement{}, err
	}
	return st, nil
}

// UpdateSettlement applies a worker step. Only the current lease holder may
// write; a worker whose lease expired and was taken over gets ErrLeaseLost.
func (s *PebbleStore) UpdateSettlement(ctx context.Context, id, owner string, u settlement.Update) (settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getSettlement(id)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if st.Status != settlement.Confirming || st.LeaseOwner != owner {
		return settlement.Settlement{}, fmt.Errorf("%w: %s held by %q", settlement.ErrLeaseLost, id, st.LeaseOwner)
	}
	st.Apply(u)
	if err := s.writeSettlement(&st); err != nil {
		return settlement.Settlement{}, err
	}
	return st, nil
}

// RequeueSettlement is the operator action that returns a failed row to
// pending with a fresh retry budget.
func (s *PebbleStore) RequeueSettlement(ctx context.Context, id string, now time.Time) (settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getSettlement(id)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if st.Status != settlement.Failed {
		return settlement.Settlement{}, fmt.Errorf("%w: %s is %s", settlement.ErrNotFailed, id, st.Status)
	}
	st.Status = settlement.Pending
	st.RetryCount = 0
	st.Requeues++
	st.TxHash = ""
	st.LastError = ""
	st.Submitting = false
	st.Reconcile = ""
	st.UpdatedAt = now.UnixNano()
	if err := s.writeSettlement(&st); err != nil {
		return settlement.Settlement{}, err
	}
	return st, nil
}

// LoadReconciliations returns the rows held for an operator, in id order.
func (s *PebbleStore) LoadReconciliations(ctx context.Context) ([]settlement.Settlement, error) {
	var ids []string
	err := scan(s.db, []byte(prefixReconcile), func(_, value []byte) (bool, error) {
		ids = append(ids, string(value))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]settlement.Settlement, 0, len(ids))
	for _, id := range ids {
		st, err := s.getSettlement(id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ResolveSettlement is the operator answer to a held row.
//
// A row held in confirming goes back to pending: with txHash set the next
// worker awaits that transfer, with an empty txHash the operator states
// nothing reached the chain and the transfer is submitted again. A failed
// row only has its hold acknowledged, which requires an empty txHash.
func (s *PebbleStore) ResolveSettlement(ctx context.Context, id, txHash string, now time.Time) (settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getSettlement(id)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if st.Reconcile == "" {
		return settlement.Settlement{}, fmt.Errorf("%w: %s", settlement.ErrNotReconciling, id)
	}
	switch st.Status {
	case settlement.Confirming:
		st.Status = settlement.Pending
		st.TxHash = txHash
		st.Submitting = false
		st.LeaseOwner = ""
		st.LeaseUntil = 0
	case settlement.Failed:
		if txHash != "" {
			return settlement.Settlement{}, fmt.Errorf("%w: %s already failed, requeue it instead", settlement.ErrNotReconciling, id)
		}
	default:
		return settlement.Settlement{}, fmt.Errorf("%w: %s is %s", settlement.ErrNotReconciling, id, st.Status)
	}
	st.Reconcile = ""
	st.UpdatedAt = now.UnixNano()
	if err := s.writeSettlement(&st); err != nil {
		return settlement.Settlement{}, err
	}
	return st, nil
}
