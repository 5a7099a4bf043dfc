package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/chain"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/settlement"
	"github.com/uhyunpark/custodex/pkg/storage"
	"github.com/uhyunpark/custodex/pkg/util"
)

const (
	custody  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	external = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type harness struct {
	store  *storage.PebbleStore
	ledger *ledger.PebbleLedger
	sim    *chain.Simulated
	clock  *util.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	led, err := ledger.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })
	return &harness{
		store:  store,
		ledger: led,
		sim:    chain.NewSimulated(),
		clock:  util.NewManualClock(time.Unix(1700000000, 0)),
	}
}

func (h *harness) worker(owner string, timeout time.Duration) *settlement.Worker {
	return h.workerOn(h.store, owner, timeout)
}

func (h *harness) workerOn(store settlement.Store, owner string, timeout time.Duration) *settlement.Worker {
	return settlement.NewWorker(settlement.Config{
		Owner:          owner,
		ChainTimeout:   timeout,
		Lease:          time.Minute,
		CustodyAddress: custody,
	}, store, h.ledger, h.sim, h.clock, zap.NewNop().Sugar(), nil)
}

// flakyStore fails writes that record the hash of an in-flight transfer.
type flakyStore struct {
	*storage.PebbleStore

	mu       sync.Mutex
	failures int // writes left to fail; negative fails every one
}

func (s *flakyStore) UpdateSettlement(ctx context.Context, id, owner string, u settlement.Update) (settlement.Settlement, error) {
	if u.Status == settlement.Confirming && u.TxHash != "" {
		s.mu.Lock()
		fail := s.failures != 0
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			return settlement.Settlement{}, errors.New("disk full")
		}
	}
	return s.PebbleStore.UpdateSettlement(ctx, id, owner, u)
}

func (h *harness) create(t *testing.T, id string, kind settlement.Kind, user string, amount int64) {
	t.Helper()
	err := h.store.CreateSettlement(context.Background(), settlement.Settlement{
		ID: id, Kind: kind, User: user, Asset: "ETH", Amount: amount, Address: external,
		CreatedAt: h.clock.Now().UnixNano(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) withdraw(t *testing.T, id, user string, amount int64) {
	t.Helper()
	if err := h.ledger.Lock(context.Background(), settlement.WithdrawalLockRef(id, 0), user, "ETH", amount); err != nil {
		t.Fatal(err)
	}
	h.create(t, id, settlement.Withdrawal, user, amount)
}

func (h *harness) get(t *testing.T, id string) settlement.Settlement {
	t.Helper()
	st, err := h.store.GetSettlement(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func (h *harness) balance(t *testing.T, user string, available, locked int64) {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), user, "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if b.Available != available || b.Locked != locked {
		t.Errorf("%s balance = %d/%d, want %d/%d", user, b.Available, b.Locked, available, locked)
	}
}

func poll(t *testing.T, w *settlement.Worker) int {
	t.Helper()
	n, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return n
}

func TestDepositCreditedOnlyAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", time.Second)
	h.create(t, "d1", settlement.Deposit, "alice", 500)

	h.sim.FailSubmit(errors.New("node unavailable"))
	poll(t, w)
	h.balance(t, "alice", 0, 0)
	if st := h.get(t, "d1"); st.Status != settlement.Pending || st.RetryCount != 1 || st.LastError == "" {
		t.Fatalf("after failure = %+v", st)
	}

	poll(t, w)
	st := h.get(t, "d1")
	if st.Status != settlement.Confirmed || st.TxHash == "" || st.ConfirmedAt == 0 || st.LeaseOwner != "" {
		t.Fatalf("after success = %+v", st)
	}
	h.balance(t, "alice", 500, 0)

	transfers := h.sim.Transfers()
	if len(transfers) != 1 || transfers[0].From != external || transfers[0].To != custody {
		t.Errorf("transfers = %+v, want one sweep into custody", transfers)
	}

	// confirmed rows are never picked up again
	if n := poll(t, w); n != 0 {
		t.Errorf("claimed %d rows after confirmation", n)
	}
	h.balance(t, "alice", 500, 0)
}

func TestWithdrawalFailsAfterThreeRetries(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", time.Second)
	ctx := context.Background()
	if err := h.ledger.Credit(ctx, "deposit:seed", "alice", "ETH", 200); err != nil {
		t.Fatal(err)
	}
	h.withdraw(t, "wd1", "alice", 100)
	h.balance(t, "alice", 100, 100)

	for i := 0; i < 3; i++ {
		h.sim.FailSubmit(fmt.Errorf("rejected %d", i))
	}
	for i := 1; i <= 2; i++ {
		poll(t, w)
		st := h.get(t, "wd1")
		if st.Status != settlement.Pending || st.RetryCount != i {
			t.Fatalf("after failure %d = %s retry %d", i, st.Status, st.RetryCount)
		}
		// still reserved while retrying
		h.balance(t, "alice", 100, 100)
	}

	poll(t, w)
	st := h.get(t, "wd1")
	if st.Status != settlement.Failed || st.RetryCount != 3 {
		t.Fatalf("after third failure = %s retry %d", st.Status, st.RetryCount)
	}
	h.balance(t, "alice", 200, 0)

	if n := poll(t, w); n != 0 {
		t.Errorf("failed row claimed again (%d)", n)
	}
	if len(h.sim.Transfers()) != 0 {
		t.Errorf("transfers = %+v, want none", h.sim.Transfers())
	}
}

func TestWithdrawalConfirmedDebitsLocked(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", time.Second)
	if err := h.ledger.Credit(context.Background(), "deposit:seed", "bob", "ETH", 300); err != nil {
		t.Fatal(err)
	}
	h.withdraw(t, "wd1", "bob", 120)

	poll(t, w)
	if st := h.get(t, "wd1"); st.Status != settlement.Confirmed {
		t.Fatalf("status = %s", st.Status)
	}
	h.balance(t, "bob", 180, 0)
	transfers := h.sim.Transfers()
	if len(transfers) != 1 || transfers[0].From != custody || transfers[0].To != external || transfers[0].Amount != 120 {
		t.Errorf("transfers = %+v", transfers)
	}
}

func TestChainTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", 20*time.Millisecond)
	h.create(t, "d1", settlement.Deposit, "alice", 50)

	h.sim.HangNext()
	poll(t, w)
	st := h.get(t, "d1")
	if st.Status != settlement.Pending || st.RetryCount != 1 {
		t.Fatalf("after timeout = %s retry %d", st.Status, st.RetryCount)
	}
	if st.TxHash == "" || !strings.Contains(st.LastError, "deadline") {
		t.Errorf("timeout row = %+v, want kept hash and deadline error", st)
	}

	// the row waits on the same tx again rather than paying twice
	for i := 0; i < 2; i++ {
		poll(t, w)
	}
	st = h.get(t, "d1")
	if st.Status != settlement.Failed || st.RetryCount != 3 {
		t.Errorf("after three timeouts = %s retry %d", st.Status, st.RetryCount)
	}
	if h.sim.Submits() != 1 {
		t.Errorf("submits = %d, want 1", h.sim.Submits())
	}
	h.balance(t, "alice", 0, 0)

	// the transfer may still land, so the row stays visible to operators
	if len(st.OrphanTxs) != 1 || st.OrphanTxs[0] == "" || st.TxHash != "" || st.Reconcile == "" {
		t.Errorf("failed row = %+v, want orphaned hash and reconcile reason", st)
	}
	held, err := h.store.LoadReconciliations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 || held[0].ID != "d1" {
		t.Errorf("reconciliations = %+v, want d1", held)
	}
}

func TestRevertedTransferIsResubmitted(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", time.Second)
	if err := h.ledger.Credit(context.Background(), "deposit:seed", "carol", "ETH", 100); err != nil {
		t.Fatal(err)
	}
	h.withdraw(t, "wd1", "carol", 100)

	h.sim.RevertNext()
	poll(t, w)
	st := h.get(t, "wd1")
	if st.Status != settlement.Pending || st.TxHash != "" || !strings.Contains(st.LastError, "reverted") {
		t.Fatalf("after revert = %+v", st)
	}

	poll(t, w)
	if st := h.get(t, "wd1"); st.Status != settlement.Confirmed || st.RetryCount != 1 {
		t.Fatalf("after resubmit = %+v", st)
	}
	if h.sim.Submits() != 2 {
		t.Errorf("submits = %d, want 2", h.sim.Submits())
	}
	h.balance(t, "carol", 0, 0)
}

func TestConcurrentWorkersNeverDoubleProcess(t *testing.T) {
	h := newHarness(t)
	const rows = 20
	for i := 0; i < rows; i++ {
		h.create(t, fmt.Sprintf("d%02d", i), settlement.Deposit, "alice", 10)
	}

	workers := []*settlement.Worker{h.worker("a", time.Second), h.worker("b", time.Second), h.worker("c", time.Second)}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *settlement.Worker) {
			defer wg.Done()
			n, err := w.Poll(context.Background())
			if err != nil {
				t.Errorf("Poll: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if total != rows {
		t.Errorf("claims = %d, want %d", total, rows)
	}
	if h.sim.Submits() != rows || len(h.sim.Transfers()) != rows {
		t.Errorf("submits = %d transfers = %d, want %d", h.sim.Submits(), len(h.sim.Transfers()), rows)
	}
	h.balance(t, "alice", rows*10, 0)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "d1", settlement.Deposit, "alice", 70)

	// a worker claims, submits and dies before awaiting
	now := h.clock.Now()
	if _, err := h.store.ClaimSettlement(ctx, "d1", "dead", now, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	hash, err := h.sim.SubmitTransfer(ctx, 70, external, custody)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.UpdateSettlement(ctx, "d1", "dead", settlement.Update{Status: settlement.Confirming, TxHash: hash, At: now}); err != nil {
		t.Fatal(err)
	}

	w := h.worker("live", time.Second)
	if n := poll(t, w); n != 0 {
		t.Fatalf("claimed %d rows under a live lease", n)
	}

	h.clock.Advance(2 * time.Minute)
	if n := poll(t, w); n != 1 {
		t.Fatalf("claimed %d rows after lease expiry, want 1", n)
	}
	st := h.get(t, "d1")
	if st.Status != settlement.Confirmed || st.TxHash != hash {
		t.Errorf("taken over row = %+v", st)
	}
	if h.sim.Submits() != 1 {
		t.Errorf("submits = %d, want 1 (no resubmission)", h.sim.Submits())
	}
	h.balance(t, "alice", 70, 0)
}

// The ledger total moves only by confirmed deposits and withdrawals.
func TestSettlementConservesBalances(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", time.Second)
	ctx := context.Background()
	if err := h.ledger.Credit(ctx, "deposit:seed", "alice", "ETH", 1000); err != nil {
		t.Fatal(err)
	}

	h.create(t, "d1", settlement.Deposit, "alice", 40)
	h.create(t, "d2", settlement.Deposit, "alice", 60)
	h.withdraw(t, "w1", "alice", 300)
	h.withdraw(t, "w2", "alice", 200)

	// three submits fail during the first poll, whichever rows they hit
	for i := 0; i < 3; i++ {
		h.sim.FailSubmit(errors.New("down"))
	}
	poll(t, w)
	poll(t, w)
	for _, id := range []string{"d1", "d2", "w1", "w2"} {
		if st := h.get(t, id); st.Status != settlement.Confirmed {
			t.Errorf("%s = %s, want confirmed", id, st.Status)
		}
	}

	b, err := h.ledger.Balance(ctx, "alice", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	want := int64(1000 + 40 + 60 - 300 - 200)
	if b.Total() != want || b.Locked != 0 {
		t.Errorf("total = %d locked = %d, want %d/0", b.Total(), b.Locked, want)
	}
}

func TestHashWriteFailureDoesNotResubmit(t *testing.T) {
	tests := []struct {
		name     string
		failures int
	}{
		{"first write fails", 1},
		{"every write fails", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			if err := h.ledger.Credit(ctx, "deposit:seed", "alice", "ETH", 200); err != nil {
				t.Fatal(err)
			}
			h.withdraw(t, "wd1", "alice", 100)

			w := h.workerOn(&flakyStore{PebbleStore: h.store, failures: tt.failures}, "w1", time.Second)
			poll(t, w)
			h.clock.Advance(2 * time.Minute)
			poll(t, w)

			st := h.get(t, "wd1")
			if st.Status != settlement.Confirmed || st.TxHash == "" || st.Submitting {
				t.Fatalf("row = %+v, want confirmed with its hash", st)
			}
			if h.sim.Submits() != 1 || len(h.sim.Transfers()) != 1 {
				t.Fatalf("submits = %d transfers = %d, want 1", h.sim.Submits(), len(h.sim.Transfers()))
			}
			if h.sim.Transfers()[0].TxHash != st.TxHash {
				t.Errorf("recorded hash %s, chain has %s", st.TxHash, h.sim.Transfers()[0].TxHash)
			}
			h.balance(t, "alice", 100, 0)
		})
	}
}

func TestUnknownSubmissionIsHeldForOperator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.ledger.Credit(ctx, "deposit:seed", "alice", "ETH", 200); err != nil {
		t.Fatal(err)
	}
	h.withdraw(t, "wd1", "alice", 100)

	// a worker records its intent, broadcasts and dies before the hash is stored
	now := h.clock.Now()
	if _, err := h.store.ClaimSettlement(ctx, "wd1", "dead", now, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.UpdateSettlement(ctx, "wd1", "dead", settlement.Update{Status: settlement.Confirming, Submitting: true, At: now}); err != nil {
		t.Fatal(err)
	}
	hash, err := h.sim.SubmitTransfer(ctx, 100, custody, external)
	if err != nil {
		t.Fatal(err)
	}

	w := h.worker("live", time.Second)
	h.clock.Advance(2 * time.Minute)
	if n := poll(t, w); n != 1 {
		t.Fatalf("claimed %d rows, want 1", n)
	}
	st := h.get(t, "wd1")
	if st.Reconcile == "" || st.Status != settlement.Confirming {
		t.Fatalf("row = %+v, want held for reconciliation", st)
	}
	if h.sim.Submits() != 1 {
		t.Errorf("submits = %d, want only the dead worker's", h.sim.Submits())
	}
	h.balance(t, "alice", 100, 100)

	h.clock.Advance(2 * time.Minute)
	if n := poll(t, w); n != 0 {
		t.Errorf("held row claimed again (%d)", n)
	}
	held, err := h.store.LoadReconciliations(ctx)
	if err != nil || len(held) != 1 {
		t.Fatalf("reconciliations = %+v, %v", held, err)
	}

	// the operator found the transfer on chain
	if _, err := h.store.ResolveSettlement(ctx, "wd1", hash, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	poll(t, w)
	st = h.get(t, "wd1")
	if st.Status != settlement.Confirmed || st.TxHash != hash || st.Reconcile != "" {
		t.Fatalf("resolved row = %+v", st)
	}
	if h.sim.Submits() != 1 {
		t.Errorf("submits = %d, want 1", h.sim.Submits())
	}
	h.balance(t, "alice", 100, 0)
	if held, _ := h.store.LoadReconciliations(ctx); len(held) != 0 {
		t.Errorf("reconciliations after resolve = %+v", held)
	}
}

func TestResolveWithoutTransferResubmits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "d1", settlement.Deposit, "bob", 40)

	now := h.clock.Now()
	if _, err := h.store.ClaimSettlement(ctx, "d1", "dead", now, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.UpdateSettlement(ctx, "d1", "dead", settlement.Update{Status: settlement.Confirming, Submitting: true, At: now}); err != nil {
		t.Fatal(err)
	}
	w := h.worker("live", time.Second)
	h.clock.Advance(2 * time.Minute)
	poll(t, w)

	if _, err := h.store.ResolveSettlement(ctx, "d1", "", h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	poll(t, w)
	if st := h.get(t, "d1"); st.Status != settlement.Confirmed {
		t.Fatalf("row = %+v, want confirmed", st)
	}
	if h.sim.Submits() != 1 {
		t.Errorf("submits = %d, want 1", h.sim.Submits())
	}
	h.balance(t, "bob", 40, 0)
}
