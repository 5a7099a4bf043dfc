package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/engine"
)

var ErrOrderNotFound = orderbook.ErrNotFound

// SaveOrder writes the full order record and maintains the open index.
func (s *PebbleStore) SaveOrder(ctx context.Context, o orderbook.Order) error {
	defer s.lockMarket(o.Market)()

	b := s.db.NewBatch()
	defer b.Close()
	if err := putOrder(b, &o); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func putOrder(b *pebble.Batch, o *orderbook.Order) error {
	data, err := encode(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", o.ID, err)
	}
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if o.Status.Resting() {
		return b.Set(openKey(o), []byte(o.ID), nil)
	}
	return b.Delete(openKey(o), nil)
}

func (s *PebbleStore) LoadOrder(ctx context.Context, id string) (orderbook.Order, error) {
	var o orderbook.Order
	found, err := getJSON(s.db, orderKey(id), &o)
	if err != nil {
		return orderbook.Order{}, err
	}
	if !found {
		return orderbook.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, nil
}

// UpdateOrderStatus records a status/remaining transition of a stored order.
func (s *PebbleStore) UpdateOrderStatus(ctx context.Context, id string, status orderbook.Status, remaining int64) error {
	o, err := s.LoadOrder(ctx, id)
	if err != nil {
		return err
	}
	defer s.lockMarket(o.Market)()

	// reread under the market lock
	if o, err = s.LoadOrder(ctx, id); err != nil {
		return err
	}
	o.Status = status
	o.Remaining = remaining

	b := s.db.NewBatch()
	defer b.Close()
	if err := putOrder(b, &o); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// LoadOpenOrders returns every open or partially filled order across all
// markets, oldest first (creation time, then sequence).
func (s *PebbleStore) LoadOpenOrders(ctx context.Context) ([]orderbook.Order, error) {
	var ids []string
	err := scan(s.db, []byte(prefixOpen), func(_, value []byte) (bool, error) {
		ids = append(ids, string(value))
		return ctx.Err() == nil, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orders := make([]orderbook.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.LoadOrder(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("open index references order %s: %w", id, err)
		}
		if !o.Status.Resting() {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// AppendTrade stores a trade and marks it unsettled.
func (s *PebbleStore) AppendTrade(ctx context.Context, t orderbook.Trade) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := putTrade(b, &t); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func putTrade(b *pebble.Batch, t *orderbook.Trade) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", t.ID, err)
	}
	key := tradeKey(t)
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	return b.Set(unsettledKey(t.ID), key, nil)
}

// LoadRecentTrades returns up to limit trades of market, newest first.
func (s *PebbleStore) LoadRecentTrades(ctx context.Context, market string, limit int) ([]orderbook.Trade, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}
	prefix := tradePrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []orderbook.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t orderbook.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode trade %s: %w", iter.Key(), err)
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// LoadUnsettledTrades returns trades whose ledger settlement was not yet
// acknowledged, in trade id order.
func (s *PebbleStore) LoadUnsettledTrades(ctx context.Context) ([]orderbook.Trade, error) {
	var keys [][]byte
	err := scan(s.db, []byte(prefixUnsettled), func(_, value []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), value...))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	trades := make([]orderbook.Trade, 0, len(keys))
	for _, key := range keys {
		var t orderbook.Trade
		found, err := getJSON(s.db, key, &t)
		if err != nil {
			return nil, err
		}
		if found {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (s *PebbleStore) MarkTradeSettled(ctx context.Context, tradeID string) error {
	return s.db.Delete(unsettledKey(tradeID), pebble.Sync)
}

// ApplyEvents persists one engine step atomically: trades are appended and
// every order state change is merged into the stored record.
func (s *PebbleStore) ApplyEvents(ctx context.Context, market string, events []engine.Event) error {
	defer s.lockMarket(market)()

	b := s.db.NewBatch()
	defer b.Close()

	staged := make(map[string]*orderbook.Order)
	for _, ev := range events {
		switch ev.Type {
		case engine.EventTrade:
			if err := putTrade(b, ev.Trade); err != nil {
				return err
			}
		case engine.EventOrder:
			rec, ok := staged[ev.Order.ID]
			if !ok {
				var stored orderbook.Order
				found, err := getJSON(s.db, orderKey(ev.Order.ID), &stored)
				if err != nil {
					return err
				}
				if found {
					rec = &stored
				} else {
					cp := *ev.Order
					rec = &cp
				}
				staged[ev.Order.ID] = rec
			}
			rec.Status = ev.Order.Status
			rec.Remaining = ev.Order.Remaining
			if err := putOrder(b, rec); err != nil {
				return err
			}
		}
	}

	if b.Empty() {
		return nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit %s events: %w", market, err)
	}
	return nil
}

// MaxOrderSeq returns the highest order sequence ever stored.
func (s *PebbleStore) MaxOrderSeq(ctx context.Context) (uint64, error) {
	var highest uint64
	err := scan(s.db, []byte(prefixOrder), func(_, value []byte) (bool, error) {
		var o struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(value, &o); err != nil {
			return false, err
		}
		if o.Seq > highest {
			highest = o.Seq
		}
		return true, nil
	})
	return highest, err
}
