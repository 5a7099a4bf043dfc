package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/errs"
	"github.com/uhyunpark/custodex/pkg/settlement"
)

func newStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func storedOrder(id string, created int64, seq uint64, status orderbook.Status, remaining int64) orderbook.Order {
	return orderbook.Order{
		ID: id, Market: "X", User: "alice", Side: orderbook.Bid,
		Price: 100, Size: 50, Remaining: remaining, Status: status,
		CreatedAt: created, Seq: seq,
	}
}

func TestLoadOpenOrdersAscending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	orders := []orderbook.Order{
		storedOrder("late", 300, 3, orderbook.StatusOpen, 50),
		storedOrder("filled", 150, 2, orderbook.StatusFilled, 0),
		storedOrder("early", 100, 1, orderbook.StatusPartiallyFilled, 30),
		storedOrder("tie-b", 200, 5, orderbook.StatusOpen, 50),
		storedOrder("tie-a", 200, 4, orderbook.StatusOpen, 50),
		storedOrder("gone", 250, 6, orderbook.StatusCancelled, 50),
	}
	for _, o := range orders {
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	open, err := s.LoadOpenOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"early", "tie-a", "tie-b", "late"}
	if len(open) != len(want) {
		t.Fatalf("open orders = %d, want %d", len(open), len(want))
	}
	for i, o := range open {
		if o.ID != want[i] {
			t.Errorf("open[%d] = %s, want %s", i, o.ID, want[i])
		}
	}
	if open[0].Remaining != 30 || open[0].Status != orderbook.StatusPartiallyFilled {
		t.Errorf("partially filled order loaded as %+v", open[0])
	}

	seq, err := s.MaxOrderSeq(ctx)
	if err != nil || seq != 6 {
		t.Errorf("MaxOrderSeq = %d, %v; want 6", seq, err)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SaveOrder(ctx, storedOrder("o1", 1, 1, orderbook.StatusOpen, 50)); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateOrderStatus(ctx, "o1", orderbook.StatusCancelled, 50); err != nil {
		t.Fatal(err)
	}
	open, _ := s.LoadOpenOrders(ctx)
	if len(open) != 0 {
		t.Errorf("cancelled order still open: %+v", open)
	}
	o, err := s.LoadOrder(ctx, "o1")
	if err != nil || o.Status != orderbook.StatusCancelled || o.Size != 50 {
		t.Errorf("LoadOrder = %+v, %v", o, err)
	}

	if err := s.UpdateOrderStatus(ctx, "missing", orderbook.StatusFilled, 0); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("update missing order err = %v, want not found", err)
	}
}

func TestApplyEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	maker := storedOrder("maker", 1, 1, orderbook.StatusOpen, 50)
	if err := s.SaveOrder(ctx, maker); err != nil {
		t.Fatal(err)
	}

	taker := orderbook.Order{ID: "taker", Market: "X", User: "bob", Side: orderbook.Ask, Price: 100, Size: 20, Remaining: 0, Status: orderbook.StatusFilled, CreatedAt: 2, Seq: 2}
	trade := orderbook.Trade{ID: "t1", Market: "X", MakerOrderID: "maker", TakerOrderID: "taker", Price: 100, Size: 20, Timestamp: 10}
	makerUpdate := orderbook.Order{ID: "maker", Market: "X", Status: orderbook.StatusPartiallyFilled, Remaining: 30}
	events := []engine.Event{
		{Type: engine.EventTrade, Trade: &trade},
		{Type: engine.EventOrder, Order: &makerUpdate},
		{Type: engine.EventOrder, Order: &taker},
		{Type: engine.EventDepth, Depth: &engine.Snapshot{Market: "X"}},
	}
	if err := s.ApplyEvents(ctx, "X", events); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadOrder(ctx, "maker")
	if err != nil {
		t.Fatal(err)
	}
	if got.Remaining != 30 || got.Status != orderbook.StatusPartiallyFilled || got.Size != 50 || got.User != "alice" {
		t.Errorf("maker merged as %+v", got)
	}
	if _, err := s.LoadOrder(ctx, "taker"); err != nil {
		t.Errorf("taker not stored: %v", err)
	}
	open, _ := s.LoadOpenOrders(ctx)
	if len(open) != 1 || open[0].ID != "maker" {
		t.Errorf("open orders = %+v, want maker only", open)
	}

	recent, err := s.LoadRecentTrades(ctx, "X", 10)
	if err != nil || len(recent) != 1 || recent[0].ID != "t1" {
		t.Fatalf("recent trades = %+v, %v", recent, err)
	}
	unsettled, _ := s.LoadUnsettledTrades(ctx)
	if len(unsettled) != 1 {
		t.Fatalf("unsettled = %d, want 1", len(unsettled))
	}
	if err := s.MarkTradeSettled(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	unsettled, _ = s.LoadUnsettledTrades(ctx)
	if len(unsettled) != 0 {
		t.Errorf("unsettled after mark = %d, want 0", len(unsettled))
	}
}

func TestLoadRecentTradesNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		if err := s.AppendTrade(ctx, orderbook.Trade{ID: id, Market: "X", Timestamp: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendTrade(ctx, orderbook.Trade{ID: "other", Market: "Y", Timestamp: 99}); err != nil {
		t.Fatal(err)
	}

	trades, err := s.LoadRecentTrades(ctx, "X", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || trades[0].ID != "c" || trades[1].ID != "b" {
		t.Errorf("recent = %+v, want c,b", trades)
	}
}

func TestSettlementClaimAndLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	st := settlement.Settlement{ID: "w1", Kind: settlement.Withdrawal, User: "alice", Asset: "ETH", Amount: 100, CreatedAt: now.UnixNano()}
	if err := s.CreateSettlement(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSettlement(ctx, st); err == nil {
		t.Error("duplicate settlement accepted")
	}
	if err := s.CreateSettlement(ctx, settlement.Settlement{ID: "d1", Kind: settlement.Deposit, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	pending, err := s.LoadPendingSettlements(ctx, settlement.Withdrawal, now, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != "w1" {
		t.Fatalf("pending withdrawals = %+v, %v", pending, err)
	}

	claimed, err := s.ClaimSettlement(ctx, "w1", "worker-a", now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != settlement.Confirming || claimed.LeaseOwner != "worker-a" {
		t.Errorf("claimed = %+v", claimed)
	}
	if _, err := s.ClaimSettlement(ctx, "w1", "worker-b", now, now.Add(time.Minute)); !errors.Is(err, settlement.ErrAlreadyClaimed) {
		t.Errorf("second claim err = %v, want ErrAlreadyClaimed", err)
	}
	if pending, _ := s.LoadPendingSettlements(ctx, settlement.Withdrawal, now, 10); len(pending) != 0 {
		t.Errorf("leased row still pending: %+v", pending)
	}

	// lease expiry lets another worker take over; the old holder loses its writes
	later := now.Add(2 * time.Minute)
	if _, err := s.ClaimSettlement(ctx, "w1", "worker-b", later, later.Add(time.Minute)); err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	_, err = s.UpdateSettlement(ctx, "w1", "worker-a", settlement.Update{Status: settlement.Confirmed, At: later})
	if !errors.Is(err, settlement.ErrLeaseLost) {
		t.Errorf("stale holder update err = %v, want ErrLeaseLost", err)
	}

	failed, err := s.UpdateSettlement(ctx, "w1", "worker-b", settlement.Update{Status: settlement.Failed, RetryCount: 3, LastError: "boom", At: later})
	if err != nil {
		t.Fatal(err)
	}
	if failed.LeaseOwner != "" || failed.RetryCount != 3 {
		t.Errorf("failed row = %+v", failed)
	}
	if pending, _ := s.LoadPendingSettlements(ctx, settlement.Withdrawal, later.Add(time.Hour), 10); len(pending) != 0 {
		t.Errorf("failed row still queued: %+v", pending)
	}

	requeued, err := s.RequeueSettlement(ctx, "w1", later)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != settlement.Pending || requeued.RetryCount != 0 || requeued.Requeues != 1 {
		t.Errorf("requeued = %+v", requeued)
	}
	if _, err := s.RequeueSettlement(ctx, "w1", later); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("requeue pending row err = %v, want validation", err)
	}
	if _, err := s.GetSettlement(ctx, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetSettlement missing err = %v", err)
	}
}

func TestTradesInOneStepKeepMatchOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// ids sort opposite to the match order, so only the index can order them
	var events []engine.Event
	for i, id := range []string{"z", "m", "a"} {
		tr := orderbook.Trade{ID: id, Market: "X", Price: 100, Size: 1, Timestamp: 10, Index: i}
		events = append(events, engine.Event{Type: engine.EventTrade, Trade: &tr})
	}
	if err := s.ApplyEvents(ctx, "X", events); err != nil {
		t.Fatal(err)
	}

	trades, err := s.LoadRecentTrades(ctx, "X", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "m", "z"}
	if len(trades) != len(want) {
		t.Fatalf("recent = %+v, want %v", trades, want)
	}
	for i, tr := range trades {
		if tr.ID != want[i] {
			t.Errorf("recent[%d] = %s (index %d), want %s", i, tr.ID, tr.Index, want[i])
		}
	}
}

func TestApplyEventsLocksPerMarket(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	trade := func(id, market string) []engine.Event {
		tr := orderbook.Trade{ID: id, Market: market, Price: 100, Size: 1, Timestamp: 1}
		return []engine.Event{{Type: engine.EventTrade, Trade: &tr}}
	}

	unlock := s.lockMarket("X")
	done := make(chan error, 2)
	go func() { done <- s.ApplyEvents(ctx, "Y", trade("y1", "Y")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write to Y waited on X")
	}

	go func() { done <- s.ApplyEvents(ctx, "X", trade("x1", "X")) }()
	select {
	case err := <-done:
		t.Fatalf("write to X finished while X was locked (err %v)", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadRecentTrades(ctx, "X", 0); len(got) != 1 {
		t.Errorf("X trades = %+v, want x1", got)
	}
}

func TestResolveSettlement(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	const hash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

	for _, id := range []string{"held", "failed", "plain"} {
		if err := s.CreateSettlement(ctx, settlement.Settlement{ID: id, Kind: settlement.Withdrawal, User: "alice", Asset: "ETH", Amount: 5, CreatedAt: 1}); err != nil {
			t.Fatal(err)
		}
	}
	hold := func(id string, u settlement.Update) {
		t.Helper()
		if _, err := s.ClaimSettlement(ctx, id, "w", now, now.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.UpdateSettlement(ctx, id, "w", u); err != nil {
			t.Fatal(err)
		}
	}
	hold("held", settlement.Update{Status: settlement.Confirming, Submitting: true, Reconcile: "unknown", At: now})
	hold("failed", settlement.Update{Status: settlement.Failed, RetryCount: 3, OrphanTx: hash, Reconcile: "unresolved", At: now})

	held, err := s.LoadReconciliations(ctx)
	if err != nil || len(held) != 2 || held[0].ID != "failed" || held[1].ID != "held" {
		t.Fatalf("reconciliations = %+v, %v", held, err)
	}
	if pending, _ := s.LoadPendingSettlements(ctx, settlement.Withdrawal, now.Add(time.Hour), 10); len(pending) != 1 || pending[0].ID != "plain" {
		t.Errorf("pending = %+v, want plain only", pending)
	}

	tests := []struct {
		name    string
		id      string
		hash    string
		wantErr error
		want    settlement.Status
	}{
		{"not held", "plain", "", settlement.ErrNotReconciling, 0},
		{"missing", "nope", "", errs.ErrNotFound, 0},
		{"failed row with hash", "failed", hash, settlement.ErrNotReconciling, 0},
		{"failed row acknowledged", "failed", "", nil, settlement.Failed},
		{"held row with hash", "held", hash, nil, settlement.Pending},
		{"held row twice", "held", hash, settlement.ErrNotReconciling, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := s.ResolveSettlement(ctx, tt.id, tt.hash, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if st.Status != tt.want || st.Reconcile != "" || st.Submitting || st.LeaseOwner != "" {
				t.Errorf("resolved = %+v", st)
			}
		})
	}

	st, _ := s.GetSettlement(ctx, "failed")
	if len(st.OrphanTxs) != 1 || st.OrphanTxs[0] != hash {
		t.Errorf("acknowledged row lost its orphaned hash: %+v", st)
	}
	if st, _ := s.GetSettlement(ctx, "held"); st.TxHash != hash {
		t.Errorf("held row tx = %q, want %q", st.TxHash, hash)
	}
	if held, _ := s.LoadReconciliations(ctx); len(held) != 0 {
		t.Errorf("reconciliations after resolve = %+v", held)
	}
	if pending, _ := s.LoadPendingSettlements(ctx, settlement.Withdrawal, now, 10); len(pending) != 2 {
		t.Errorf("pending after resolve = %d, want 2", len(pending))
	}
}
