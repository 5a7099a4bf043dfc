package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/custodex/pkg/chain"
	"github.com/uhyunpark/custodex/pkg/metrics"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Store is the persisted settlement queue.
type Store interface {
	LoadPendingSettlements(ctx context.Context, kind Kind, now time.Time, limit int) ([]Settlement, error)
	ClaimSettlement(ctx context.Context, id, owner string, now, leaseUntil time.Time) (Settlement, error)
	UpdateSettlement(ctx context.Context, id, owner string, u Update) (Settlement, error)
}

// Ledger is the part of the balance ledger the worker reconciles against.
type Ledger interface {
	Credit(ctx context.Context, ref, user, asset string, amount int64) error
	Unlock(ctx context.Context, ref, user, asset string, amount int64) error
	DebitLocked(ctx context.Context, ref, user, asset string, amount int64) error
}

type Config struct {
	// Owner is the lease owner id, unique per worker instance.
	Owner        string
	PollInterval time.Duration
	// ChainTimeout bounds submit plus confirmation of one item. Lease must
	// outlive it.
	ChainTimeout time.Duration
	Lease        time.Duration
	MaxRetries   int
	BatchSize    int
	Concurrency  int

	// CustodyAddress receives deposits and funds withdrawals.
	CustodyAddress string
}

func DefaultConfig() Config {
	return Config{
		Owner:        "settlement-0",
		PollInterval: 2 * time.Second,
		ChainTimeout: 30 * time.Second,
		Lease:        2 * time.Minute,
		MaxRetries:   DefaultMaxRetries,
		BatchSize:    100,
		Concurrency:  8,
	}
}

// Ledger references of a settlement. Each is applied at most once. Lock
// and rollback refs carry the requeue count because an operator requeue
// reserves the funds again.
func DepositRef(id string) string    { return "deposit:" + id }
func WithdrawalRef(id string) string { return "withdrawal:" + id }

func WithdrawalLockRef(id string, requeues int) string {
	return attemptRef("withdrawal:"+id+":lock", requeues)
}

func WithdrawalRollbackRef(id string, requeues int) string {
	return attemptRef("withdrawal-rollback:"+id, requeues)
}

func attemptRef(ref string, n int) string {
	if n == 0 {
		return ref
	}
	return ref + "#" + strconv.Itoa(n)
}

// Worker drives settlements from pending to a terminal state. Several
// workers may share one store; the claim lease keeps a row with one of them.
type Worker struct {
	cfg     Config
	store   Store
	ledger  Ledger
	chain   chain.Client
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewWorker(cfg Config, store Store, ledger Ledger, client chain.Client, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = def.ChainTimeout
	}
	if cfg.Lease <= cfg.ChainTimeout {
		cfg.Lease = 2 * cfg.ChainTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Owner == "" {
		cfg.Owner = def.Owner
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{cfg: cfg, store: store, ledger: ledger, chain: client, clock: clock, log: log, metrics: m}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("settlement_worker_started", "owner", w.cfg.Owner, "interval", w.cfg.PollInterval)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Errorw("settlement_poll_failed", "err", err)
		}
		select {
		case <-ctx.Done():
			w.log.Infow("settlement_worker_stopped", "owner", w.cfg.Owner)
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes one batch of deposits and one of withdrawals and returns
// how many rows this worker claimed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	claimed := 0
	for _, kind := range []Kind{Deposit, Withdrawal} {
		rows, err := w.store.LoadPendingSettlements(ctx, kind, w.clock.Now(), w.cfg.BatchSize)
		if err != nil {
			return claimed, fmt.Errorf("load pending %s: %w", kind, err)
		}

		var g errgroup.Group
		g.SetLimit(w.cfg.Concurrency)
		results := make([]bool, len(rows))
		for i := range rows {
			g.Go(func() error {
				results[i] = w.process(ctx, rows[i].ID)
				return nil
			})
		}
		_ = g.Wait()
		for _, ok := range results {
			if ok {
				claimed++
			}
		}
	}
	return claimed, nil
}

// process claims one row and drives it one step. It reports whether the
// claim succeeded.
func (w *Worker) process(ctx context.Context, id string) bool {
	now := w.clock.Now()
	st, err := w.store.ClaimSettlement(ctx, id, w.cfg.Owner, now, now.Add(w.cfg.Lease))
	if errors.Is(err, ErrAlreadyClaimed) {
		w.log.Debugw("settlement_claimed_elsewhere", "id", id)
		return false
	}
	if err != nil {
		w.log.Errorw("settlement_claim_failed", "id", id, "err", err)
		return false
	}
	w.metrics.Settlement(st.Kind.String(), Confirming.String())

	chainCtx, cancel := context.WithTimeout(ctx, w.cfg.ChainTimeout)
	defer cancel()

	if st.Submitting && st.TxHash == "" {
		// an earlier holder may have broadcast without recording the hash
		w.hold(ctx, &st, "submission outcome unknown")
		return true
	}

	if st.TxHash == "" {
		intent, err := w.store.UpdateSettlement(ctx, st.ID, w.cfg.Owner, Update{
			Status: Confirming, RetryCount: st.RetryCount, LastError: st.LastError, Submitting: true, At: w.clock.Now(),
		})
		if err != nil {
			w.log.Errorw("settlement_intent_failed", "id", id, "err", err)
			return true
		}
		st = intent

		from, to := w.route(&st)
		start := time.Now()
		hash, err := w.chain.SubmitTransfer(chainCtx, st.Amount, from, to)
		w.metrics.ChainCall("submit", outcome(err), time.Since(start))
		if err != nil {
			w.fail(ctx, &st, fmt.Errorf("submit: %w", err), "")
			return true
		}
		st.TxHash = hash
		if err := w.recordHash(ctx, &st); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				w.log.Warnw("settlement_lease_lost", "id", id, "tx", hash)
				return true
			}
			// the terminal update below still carries the hash
			w.log.Errorw("settlement_hash_not_persisted", "id", id, "tx", hash, "err", err)
		}
		w.log.Infow("settlement_submitted", "id", st.ID, "kind", st.Kind, "tx", hash, "retry", st.RetryCount)
	}

	start := time.Now()
	status, err := w.chain.AwaitConfirmation(chainCtx, st.TxHash)
	w.metrics.ChainCall("await", outcome(err), time.Since(start))
	switch {
	case err != nil:
		w.fail(ctx, &st, fmt.Errorf("await %s: %w", st.TxHash, err), st.TxHash)
	case status == chain.TxReverted:
		w.fail(ctx, &st, fmt.Errorf("%w: %s", chain.ErrReverted, st.TxHash), "")
	case status == chain.TxConfirmed:
		w.confirm(ctx, &st)
	default:
		w.fail(ctx, &st, fmt.Errorf("tx %s still %s", st.TxHash, status), st.TxHash)
	}
	return true
}

const hashWriteAttempts = 3

// recordHash stores st.TxHash and clears the submit intent. A lost lease
// stops the retries since the new holder owns the row.
func (w *Worker) recordHash(ctx context.Context, st *Settlement) error {
	var err error
	for i := 0; i < hashWriteAttempts; i++ {
		var saved Settlement
		saved, err = w.store.UpdateSettlement(ctx, st.ID, w.cfg.Owner, Update{
			Status: Confirming, RetryCount: st.RetryCount, TxHash: st.TxHash, LastError: st.LastError, At: w.clock.Now(),
		})
		if err == nil {
			*st = saved
			return nil
		}
		if errors.Is(err, ErrLeaseLost) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// hold parks a row for an operator. Funds stay reserved and no worker
// claims it until the operator resolves it.
func (w *Worker) hold(ctx context.Context, st *Settlement, reason string) {
	if _, err := w.store.UpdateSettlement(ctx, st.ID, w.cfg.Owner, Update{
		Status:     Confirming,
		RetryCount: st.RetryCount,
		LastError:  st.LastError,
		Submitting: true,
		Reconcile:  reason,
		At:         w.clock.Now(),
	}); err != nil {
		w.log.Errorw("settlement_hold_failed", "id", st.ID, "err", err)
		return
	}
	w.metrics.Settlement(st.Kind.String(), "reconcile")
	w.log.Warnw("settlement_needs_reconciliation", "id", st.ID, "kind", st.Kind, "user", st.User, "amount", st.Amount, "reason", reason)
}

func (w *Worker) route(st *Settlement) (from, to string) {
	if st.Kind == Deposit {
		return st.Address, w.cfg.CustodyAddress
	}
	return w.cfg.CustodyAddress, st.Address
}

// confirm applies the balance change and only then records the terminal
// status. If the ledger call fails the row keeps its lease and hash; the
// next claim re-awaits the same tx and the ref makes the retry a no-op.
func (w *Worker) confirm(ctx context.Context, st *Settlement) {
	var err error
	switch st.Kind {
	case Deposit:
		err = w.ledger.Credit(ctx, DepositRef(st.ID), st.User, st.Asset, st.Amount)
	case Withdrawal:
		err = w.ledger.DebitLocked(ctx, WithdrawalRef(st.ID), st.User, st.Asset, st.Amount)
	}
	if err != nil {
		w.log.Errorw("settlement_ledger_failed", "id", st.ID, "kind", st.Kind, "err", err)
		return
	}

	if _, err := w.store.UpdateSettlement(ctx, st.ID, w.cfg.Owner, Update{
		Status: Confirmed, RetryCount: st.RetryCount, TxHash: st.TxHash, At: w.clock.Now(),
	}); err != nil {
		w.log.Errorw("settlement_status_failed", "id", st.ID, "status", Confirmed, "err", err)
		return
	}
	w.metrics.Settlement(st.Kind.String(), Confirmed.String())
	w.log.Infow("settlement_confirmed", "id", st.ID, "kind", st.Kind, "user", st.User, "asset", st.Asset, "amount", st.Amount, "tx", st.TxHash)
}

// fail counts one failed attempt. Under the cap the row goes back to
// pending with its funds still reserved; at the cap a withdrawal's lock is
// released before the row is marked failed.
func (w *Worker) fail(ctx context.Context, st *Settlement, cause error, keepHash string) {
	retry := st.RetryCount + 1
	next := Pending
	if retry >= w.cfg.MaxRetries {
		next = Failed
	}

	if next == Failed && st.Kind == Withdrawal {
		if err := w.ledger.Unlock(ctx, WithdrawalRollbackRef(st.ID, st.Requeues), st.User, st.Asset, st.Amount); err != nil {
			w.log.Errorw("settlement_rollback_failed", "id", st.ID, "err", err)
			return
		}
	}

	u := Update{Status: next, RetryCount: retry, TxHash: keepHash, LastError: cause.Error(), At: w.clock.Now()}
	if next == Failed && keepHash != "" {
		// the transfer may still land after the row gave up on it
		u.TxHash = ""
		u.OrphanTx = keepHash
		u.Reconcile = "unresolved transfer after final failure"
	}
	if _, err := w.store.UpdateSettlement(ctx, st.ID, w.cfg.Owner, u); err != nil {
		w.log.Errorw("settlement_status_failed", "id", st.ID, "status", next, "err", err)
		return
	}
	w.metrics.Settlement(st.Kind.String(), next.String())
	if next == Failed {
		w.log.Warnw("settlement_failed", "id", st.ID, "kind", st.Kind, "user", st.User, "retries", retry, "err", cause)
		return
	}
	w.log.Infow("settlement_retry", "id", st.ID, "kind", st.Kind, "retry", retry, "err", cause)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
