// Package exchange is the in-process API of the exchange core. It checks
// requests at the boundary, reserves funds, and hands orders to the market
// engines and withdrawals to the settlement queue.
package exchange

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/chain"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/errs"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/settlement"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Store is the persistence the service reads from and queues settlements in.
type Store interface {
	LoadOrder(ctx context.Context, id string) (orderbook.Order, error)
	LoadRecentTrades(ctx context.Context, market string, limit int) ([]orderbook.Trade, error)
	CreateSettlement(ctx context.Context, st settlement.Settlement) error
	GetSettlement(ctx context.Context, id string) (settlement.Settlement, error)
	RequeueSettlement(ctx context.Context, id string, now time.Time) (settlement.Settlement, error)
	LoadReconciliations(ctx context.Context) ([]settlement.Settlement, error)
	ResolveSettlement(ctx context.Context, id, txHash string, now time.Time) (settlement.Settlement, error)
}

type Router interface {
	Route(ctx context.Context, market string, req *engine.Request) error
	Markets() []string
}

type Service struct {
	markets *market.Registry
	router  Router
	ledger  ledger.Ledger
	store   Store
	seq     *util.Sequencer
	clock   util.Clock
	log     *zap.SugaredLogger

	// serializes operator requeues, whose relock ref depends on the row
	requeueMu sync.Mutex

	// assets the chain client can move; nil allows every market asset
	transferable map[string]bool
}

func NewService(markets *market.Registry, router Router, led ledger.Ledger, store Store, seq *util.Sequencer, clock util.Clock, log *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if seq == nil {
		seq = &util.Sequencer{}
	}
	return &Service{markets: markets, router: router, ledger: led, store: store, seq: seq, clock: clock, log: log}
}

type PlaceOrderRequest struct {
	User   string
	Market string
	Side   orderbook.Side
	Price  int64 // ticks
	Size   int64 // lots
}

type PlaceOrderResult struct {
	Order  orderbook.Order
	Trades []orderbook.Trade
}

func orderRef(id string) string        { return "order:" + id }
func orderReleaseRef(id string) string { return "order:" + id + ":release" }

// Reservation is the asset and amount an order locks while it rests: quote
// at the limit price for bids, base for asks.
func Reservation(m *market.Market, side orderbook.Side, price, size int64) (string, int64, error) {
	if side == orderbook.Ask {
		return m.BaseAsset, size, nil
	}
	amount, ok := market.Notional(price, size)
	if !ok {
		return "", 0, errs.Validation("notional of %d x %d overflows", price, size)
	}
	return m.QuoteAsset, amount, nil
}

// PlaceOrder validates, reserves funds, and submits the order to its
// market. A partially filled order is a normal result.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	if req.User == "" {
		return PlaceOrderResult{}, errs.Validation("user required")
	}
	if !req.Side.Valid() {
		return PlaceOrderResult{}, errs.Validation("invalid side")
	}
	m, err := s.markets.Get(req.Market)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	if err := m.ValidateOrder(req.Price, req.Size); err != nil {
		return PlaceOrderResult{}, err
	}
	asset, amount, err := Reservation(&m, req.Side, req.Price, req.Size)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	o := &orderbook.Order{
		ID:        uuid.NewString(),
		Market:    m.Symbol,
		User:      req.User,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Remaining: req.Size,
		Status:    orderbook.StatusOpen,
		CreatedAt: s.clock.Now().UnixNano(),
		Seq:       s.seq.Next(),
	}
	if err := s.ledger.Lock(ctx, orderRef(o.ID), o.User, asset, amount); err != nil {
		return PlaceOrderResult{}, err
	}

	place := engine.NewPlace(o)
	if err := s.router.Route(ctx, m.Symbol, place); err != nil {
		s.release(ctx, o, asset, amount)
		return PlaceOrderResult{}, err
	}
	resp, err := place.Wait(ctx)
	switch {
	case err != nil && resp.Order == nil && resp.Err == nil:
		// the caller gave up while the order is queued; the recorder owns it now
		s.log.Warnw("order_wait_abandoned", "order_id", o.ID, "err", err)
		return PlaceOrderResult{}, err
	case err != nil && resp.Order == nil:
		s.release(ctx, o, asset, amount)
		return PlaceOrderResult{}, err
	case err != nil:
		return PlaceOrderResult{Order: *resp.Order, Trades: resp.Trades}, err
	}

	s.log.Debugw("order_placed",
		"order_id", o.ID,
		"market", o.Market,
		"side", o.Side,
		"price", o.Price,
		"size", o.Size,
		"status", resp.Order.Status,
		"trades", len(resp.Trades),
	)
	return PlaceOrderResult{Order: *resp.Order, Trades: resp.Trades}, nil
}

func (s *Service) release(ctx context.Context, o *orderbook.Order, asset string, amount int64) {
	if err := s.ledger.Unlock(context.WithoutCancel(ctx), orderReleaseRef(o.ID), o.User, asset, amount); err != nil {
		s.log.Errorw("order_unlock_failed", "order_id", o.ID, "err", err)
	}
}

func (s *Service) submit(ctx context.Context, sym string, req *engine.Request) (engine.Response, error) {
	if err := s.router.Route(ctx, sym, req); err != nil {
		return engine.Response{}, err
	}
	return req.Wait(ctx)
}

type CancelResult struct {
	Outcome engine.CancelOutcome
	Order   orderbook.Order
}

// CancelOrder cancels an order of user. An order that already filled or was
// cancelled resolves to CancelNotOpen rather than an error.
func (s *Service) CancelOrder(ctx context.Context, user, orderID string) (CancelResult, error) {
	stored, err := s.store.LoadOrder(ctx, orderID)
	if err != nil {
		return CancelResult{}, err
	}
	if stored.User != user {
		return CancelResult{}, fmt.Errorf("%w: %s", orderbook.ErrNotFound, orderID)
	}
	if !stored.Status.Resting() {
		return CancelResult{Outcome: engine.CancelNotOpen, Order: stored}, nil
	}

	resp, err := s.submit(ctx, stored.Market, engine.NewCancel(orderID, user))
	if err != nil {
		return CancelResult{}, err
	}
	if resp.Outcome == engine.CancelNotOpen {
		// filled between the lookup and the engine step
		if latest, err := s.store.LoadOrder(ctx, orderID); err == nil {
			stored = latest
		}
		return CancelResult{Outcome: engine.CancelNotOpen, Order: stored}, nil
	}
	return CancelResult{Outcome: engine.Cancelled, Order: *resp.Order}, nil
}

// CancelAllForUser cancels every resting order of user in every market.
func (s *Service) CancelAllForUser(ctx context.Context, user string) ([]orderbook.Order, error) {
	if user == "" {
		return nil, errs.Validation("user required")
	}
	var (
		out  []orderbook.Order
		errv []error
	)
	for _, sym := range s.router.Markets() {
		resp, err := s.submit(ctx, sym, engine.NewCancelUser(user))
		if err != nil {
			errv = append(errv, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		out = append(out, resp.Cancelled...)
	}
	return out, errors.Join(errv...)
}

func (s *Service) Depth(ctx context.Context, sym string, levels int) (engine.Snapshot, error) {
	if levels <= 0 {
		levels = 20
	}
	resp, err := s.submit(ctx, sym, engine.NewSnapshot(min(levels, 500)))
	if err != nil {
		return engine.Snapshot{}, err
	}
	return *resp.Snapshot, nil
}

func (s *Service) Order(ctx context.Context, id string) (orderbook.Order, error) {
	return s.store.LoadOrder(ctx, id)
}

func (s *Service) Trades(ctx context.Context, sym string, limit int) ([]orderbook.Trade, error) {
	if _, err := s.markets.Get(sym); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.LoadRecentTrades(ctx, sym, limit)
}

func (s *Service) Markets() []market.Market {
	return s.markets.List()
}

func (s *Service) Market(sym string) (market.Market, error) {
	return s.markets.Get(sym)
}

func (s *Service) Balance(ctx context.Context, user, asset string) (ledger.Balance, error) {
	return s.ledger.Balance(ctx, user, asset)
}

func (s *Service) Balances(ctx context.Context, user string) ([]ledger.Balance, error) {
	return s.ledger.Balances(ctx, user)
}

type TransferRequest struct {
	User    string
	Asset   string
	Amount  int64
	Address string // deposit source or withdrawal destination
}

// RestrictTransfers limits deposits and withdrawals to assets. It is called
// once at startup, before requests are served.
func (s *Service) RestrictTransfers(assets ...string) {
	s.transferable = make(map[string]bool, len(assets))
	for _, a := range assets {
		s.transferable[a] = true
	}
}

func (s *Service) checkTransfer(req TransferRequest) (string, error) {
	if req.User == "" {
		return "", errs.Validation("user required")
	}
	if req.Amount <= 0 {
		return "", errs.Validation("amount must be positive, got %d", req.Amount)
	}
	if !s.knownAsset(req.Asset) {
		return "", errs.Validation("unknown asset %q", req.Asset)
	}
	if s.transferable != nil && !s.transferable[req.Asset] {
		return "", errs.Validation("asset %q cannot be moved on chain", req.Asset)
	}
	addr, err := chain.ValidateAddress(req.Address)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (s *Service) knownAsset(asset string) bool {
	for _, m := range s.markets.List() {
		if m.BaseAsset == asset || m.QuoteAsset == asset {
			return true
		}
	}
	return false
}

// RequestDeposit queues a deposit. Nothing is credited until the settlement
// worker sees the transfer confirmed.
func (s *Service) RequestDeposit(ctx context.Context, req TransferRequest) (settlement.Settlement, error) {
	addr, err := s.checkTransfer(req)
	if err != nil {
		return settlement.Settlement{}, err
	}
	st := s.newSettlement(settlement.Deposit, req, addr)
	if err := s.store.CreateSettlement(ctx, st); err != nil {
		return settlement.Settlement{}, err
	}
	s.log.Infow("deposit_requested", "id", st.ID, "user", st.User, "asset", st.Asset, "amount", st.Amount)
	return st, nil
}

// RequestWithdrawal locks the amount and queues the withdrawal. The lock is
// released if the row cannot be written.
func (s *Service) RequestWithdrawal(ctx context.Context, req TransferRequest) (settlement.Settlement, error) {
	addr, err := s.checkTransfer(req)
	if err != nil {
		return settlement.Settlement{}, err
	}
	st := s.newSettlement(settlement.Withdrawal, req, addr)
	if err := s.ledger.Lock(ctx, settlement.WithdrawalLockRef(st.ID, 0), st.User, st.Asset, st.Amount); err != nil {
		return settlement.Settlement{}, err
	}
	if err := s.store.CreateSettlement(ctx, st); err != nil {
		if uerr := s.ledger.Unlock(context.WithoutCancel(ctx), settlement.WithdrawalRollbackRef(st.ID, 0), st.User, st.Asset, st.Amount); uerr != nil {
			s.log.Errorw("withdrawal_unlock_failed", "id", st.ID, "err", uerr)
		}
		return settlement.Settlement{}, err
	}
	s.log.Infow("withdrawal_requested", "id", st.ID, "user", st.User, "asset", st.Asset, "amount", st.Amount)
	return st, nil
}

func (s *Service) newSettlement(kind settlement.Kind, req TransferRequest, addr string) settlement.Settlement {
	now := s.clock.Now().UnixNano()
	return settlement.Settlement{
		ID:        uuid.NewString(),
		Kind:      kind,
		User:      req.User,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Address:   addr,
		Status:    settlement.Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) GetSettlement(ctx context.Context, id string) (settlement.Settlement, error) {
	return s.store.GetSettlement(ctx, id)
}

// RequeueSettlement returns a failed settlement to pending. A failed
// withdrawal already released its lock, so the funds are reserved again
// first.
func (s *Service) RequeueSettlement(ctx context.Context, id string) (settlement.Settlement, error) {
	s.requeueMu.Lock()
	defer s.requeueMu.Unlock()

	st, err := s.store.GetSettlement(ctx, id)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if st.Status != settlement.Failed {
		return settlement.Settlement{}, fmt.Errorf("%w: %s is %s", settlement.ErrNotFailed, id, st.Status)
	}

	next := st.Requeues + 1
	if st.Kind == settlement.Withdrawal {
		if err := s.ledger.Lock(ctx, settlement.WithdrawalLockRef(id, next), st.User, st.Asset, st.Amount); err != nil {
			return settlement.Settlement{}, err
		}
	}
	requeued, err := s.store.RequeueSettlement(ctx, id, s.clock.Now())
	if err != nil {
		if st.Kind == settlement.Withdrawal {
			if uerr := s.ledger.Unlock(context.WithoutCancel(ctx), settlement.WithdrawalRollbackRef(id, next), st.User, st.Asset, st.Amount); uerr != nil {
				s.log.Errorw("requeue_unlock_failed", "id", id, "err", uerr)
			}
		}
		return settlement.Settlement{}, err
	}
	s.log.Infow("settlement_requeued", "id", id, "kind", st.Kind, "requeues", requeued.Requeues)
	return requeued, nil
}

// Reconciliations lists settlements held for an operator: transfers whose
// submission outcome is unknown, and failed rows with a transfer that may
// still land.
func (s *Service) Reconciliations(ctx context.Context) ([]settlement.Settlement, error) {
	return s.store.LoadReconciliations(ctx)
}

// ResolveSettlement releases a held settlement. txHash names the transfer
// the operator found on chain; empty means none was sent.
func (s *Service) ResolveSettlement(ctx context.Context, id, txHash string) (settlement.Settlement, error) {
	if txHash != "" && !isTxHash(txHash) {
		return settlement.Settlement{}, errs.Validation("malformed tx hash %q", txHash)
	}
	st, err := s.store.ResolveSettlement(ctx, id, txHash, s.clock.Now())
	if err != nil {
		return settlement.Settlement{}, err
	}
	s.log.Infow("settlement_resolved", "id", id, "kind", st.Kind, "status", st.Status, "tx", txHash)
	return st, nil
}

func isTxHash(v string) bool {
	if len(v) != 66 || !strings.HasPrefix(v, "0x") {
		return false
	}
	_, err := hex.DecodeString(v[2:])
	return err == nil
}
