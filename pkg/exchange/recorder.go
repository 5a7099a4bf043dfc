package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/ledger"
)

type EventStore interface {
	ApplyEvents(ctx context.Context, market string, events []engine.Event) error
	LoadUnsettledTrades(ctx context.Context) ([]orderbook.Trade, error)
	MarkTradeSettled(ctx context.Context, tradeID string) error
}

// Recorder is the engine sink that makes a step durable. It persists the
// step's order and trade records in one batch, then settles each trade in
// the ledger and releases the reservation of cancelled orders.
//
// A trade stays marked unsettled until its ledger postings commit, so a
// crash between the two is repaired by Recover.
type Recorder struct {
	store      EventStore
	ledger     ledger.Ledger
	markets    *market.Registry
	feeAccount string
	log        *zap.SugaredLogger
}

func NewRecorder(store EventStore, led ledger.Ledger, markets *market.Registry, feeAccount string, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, ledger: led, markets: markets, feeAccount: feeAccount, log: log}
}

func (r *Recorder) OnEvents(ctx context.Context, sym string, events []engine.Event) error {
	if err := r.store.ApplyEvents(ctx, sym, events); err != nil {
		return fmt.Errorf("persist %s step: %w", sym, err)
	}

	for _, ev := range events {
		switch ev.Type {
		case engine.EventTrade:
			if err := r.settle(ctx, ev.Trade); err != nil {
				return err
			}
		case engine.EventOrder:
			if ev.Order.Status == orderbook.StatusCancelled {
				if err := r.releaseCancelled(ctx, ev.Order); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Recorder) settle(ctx context.Context, tr *orderbook.Trade) error {
	m, err := r.markets.Get(tr.Market)
	if err != nil {
		return err
	}
	err = r.ledger.SettleTrade(ctx, ledger.TradeSettlement{
		Ref:        tr.ID,
		Buyer:      tr.Buyer(),
		Seller:     tr.Seller(),
		FeeAccount: r.feeAccount,
		Base:       m.BaseAsset,
		Quote:      m.QuoteAsset,
		Price:      tr.Price,
		Size:       tr.Size,
		BuyerLimit: tr.BuyerLimit,
		BuyerFee:   tr.BuyerFee,
		SellerFee:  tr.SellerFee,
	})
	if err != nil {
		r.log.Errorw("trade_settlement_failed", "trade_id", tr.ID, "market", tr.Market, "err", err)
		return fmt.Errorf("settle trade %s: %w", tr.ID, err)
	}
	if err := r.store.MarkTradeSettled(ctx, tr.ID); err != nil {
		return fmt.Errorf("mark trade %s settled: %w", tr.ID, err)
	}
	return nil
}

func (r *Recorder) releaseCancelled(ctx context.Context, o *orderbook.Order) error {
	if o.Remaining <= 0 {
		return nil
	}
	m, err := r.markets.Get(o.Market)
	if err != nil {
		return err
	}
	asset, amount, err := Reservation(&m, o.Side, o.Price, o.Remaining)
	if err != nil {
		return err
	}
	if err := r.ledger.Unlock(ctx, orderReleaseRef(o.ID), o.User, asset, amount); err != nil {
		r.log.Errorw("order_release_failed", "order_id", o.ID, "err", err)
		return fmt.Errorf("release order %s: %w", o.ID, err)
	}
	return nil
}

// Recover settles trades that were persisted but whose ledger postings never
// committed. It runs before the engines accept traffic.
func (r *Recorder) Recover(ctx context.Context) (int, error) {
	trades, err := r.store.LoadUnsettledTrades(ctx)
	if err != nil {
		return 0, err
	}
	for i := range trades {
		if err := r.settle(ctx, &trades[i]); err != nil {
			return i, err
		}
	}
	if len(trades) > 0 {
		r.log.Warnw("unsettled_trades_recovered", "trades", len(trades))
	}
	return len(trades), nil
}
