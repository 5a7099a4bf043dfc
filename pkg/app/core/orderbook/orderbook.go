package orderbook

import (
	"fmt"
	"sort"

	"github.com/tidwall/btree"

	"github.com/uhyunpark/custodex/pkg/errs"
)

var (
	ErrNotFound           = fmt.Errorf("order %w", errs.ErrNotFound)
	ErrDuplicateOrder     = fmt.Errorf("%w: duplicate order id", errs.ErrValidation)
	ErrInvalidOrder       = fmt.Errorf("%w: invalid order", errs.ErrValidation)
	ErrInvariantViolation = fmt.Errorf("order book %w", errs.ErrInvariantViolation)
)

// OrderBook is a price-time priority book for one market.
//
// Ladders are ordered maps from price to a FIFO level; the index maps order
// id to the resting order, which carries its own level pointer. The book has
// no lock: it is owned by exactly one MarketEngine goroutine.
type OrderBook struct {
	market string

	bids btree.Map[int64, *priceLevel] // best = Max
	asks btree.Map[int64, *priceLevel] // best = Min

	// Order index for O(1) cancellation
	index map[string]*Order

	arrivals  uint64 // insertion counter, decides maker vs taker
	lastPrice int64  // most recent fill price
}

func New(market string) *OrderBook {
	return &OrderBook{
		market: market,
		index:  make(map[string]*Order),
	}
}

func (ob *OrderBook) Market() string { return ob.market }

func (ob *OrderBook) ladder(s Side) *btree.Map[int64, *priceLevel] {
	if s == Bid {
		return &ob.bids
	}
	return &ob.asks
}

func (ob *OrderBook) violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, ob.market, fmt.Sprintf(format, args...))
}

// Add appends o to the tail of its price level and indexes it. It does not
// match; callers run Match in the same step.
func (ob *OrderBook) Add(o *Order) error {
	if o == nil || !o.Side.Valid() || o.Price <= 0 || o.Remaining <= 0 {
		return ErrInvalidOrder
	}
	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	ladder := ob.ladder(o.Side)
	lvl, ok := ladder.Get(o.Price)
	if !ok {
		lvl = &priceLevel{price: o.Price}
		ladder.Set(o.Price, lvl)
	}

	ob.arrivals++
	o.arrival = ob.arrivals
	lvl.push(o)
	ob.index[o.ID] = o
	return nil
}

// Match executes trades while the book is crossed. Each trade takes the
// price of the order that reached the book first and consumes the heads of
// the best levels. Filled orders leave the book.
func (ob *OrderBook) Match() ([]Trade, error) {
	var trades []Trade
	for {
		_, bidLvl, okBid := ob.bids.Max()
		_, askLvl, okAsk := ob.asks.Min()
		if !okBid || !okAsk || bidLvl.price < askLvl.price {
			return trades, nil
		}

		bid, ask := bidLvl.head, askLvl.head
		if bid == nil || ask == nil {
			return trades, ob.violation("empty level left in ladder (bid %d, ask %d)", bidLvl.price, askLvl.price)
		}

		maker, taker := bid, ask
		if ask.arrival < bid.arrival {
			maker, taker = ask, bid
		}

		qty := min(bid.Remaining, ask.Remaining)
		if qty <= 0 {
			return trades, ob.violation("non-positive remaining on resting order %s", maker.ID)
		}

		bid.Remaining -= qty
		ask.Remaining -= qty
		bidLvl.total -= qty
		askLvl.total -= qty
		ob.lastPrice = maker.Price

		trades = append(trades, Trade{
			Market:       ob.market,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			MakerUser:    maker.User,
			TakerUser:    taker.User,
			TakerSide:    taker.Side,
			Price:        maker.Price,
			Size:         qty,
			BuyerLimit:   bid.Price,
			MakerLeft:    maker.Remaining,
		})

		for _, o := range [2]*Order{bid, ask} {
			if o.Remaining > 0 {
				o.Status = StatusPartiallyFilled
				continue
			}
			o.Status = StatusFilled
			if err := ob.unlink(o); err != nil {
				return trades, err
			}
		}
	}
}

// Remove cancels a resting order. ErrNotFound means the order already left
// the book (filled or cancelled), which is expected when cancels race fills.
func (ob *OrderBook) Remove(id string) (*Order, error) {
	o, ok := ob.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ob.unlink(o); err != nil {
		return nil, err
	}
	o.Status = StatusCancelled
	return o, nil
}

// RemoveAllForUser cancels every resting order of user, oldest first.
func (ob *OrderBook) RemoveAllForUser(user string) ([]*Order, error) {
	var owned []*Order
	for _, o := range ob.index {
		if o.User == user {
			owned = append(owned, o)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].arrival < owned[j].arrival })

	for _, o := range owned {
		if err := ob.unlink(o); err != nil {
			return nil, err
		}
		o.Status = StatusCancelled
	}
	return owned, nil
}

func (ob *OrderBook) unlink(o *Order) error {
	lvl := o.level
	if lvl == nil {
		return ob.violation("order %s indexed without a level", o.ID)
	}
	ladder := ob.ladder(o.Side)
	if cur, ok := ladder.Get(o.Price); !ok || cur != lvl {
		return ob.violation("order %s level %d missing from %s ladder", o.ID, o.Price, o.Side)
	}

	lvl.unlink(o)
	if lvl.count == 0 {
		ladder.Delete(lvl.price)
	}
	delete(ob.index, o.ID)
	return nil
}

func (ob *OrderBook) BestBid() (int64, bool) {
	p, _, ok := ob.bids.Max()
	return p, ok
}

func (ob *OrderBook) BestAsk() (int64, bool) {
	p, _, ok := ob.asks.Min()
	return p, ok
}

// DepthAt returns the total remaining size resting at price on side.
func (ob *OrderBook) DepthAt(side Side, price int64) int64 {
	if lvl, ok := ob.ladder(side).Get(price); ok {
		return lvl.total
	}
	return 0
}

// Levels returns up to limit levels from the best price outward.
func (ob *OrderBook) Levels(side Side, limit int) []PriceLevel {
	ladder := ob.ladder(side)
	if limit <= 0 || ladder.Len() == 0 {
		return nil
	}
	out := make([]PriceLevel, 0, min(limit, ladder.Len()))
	visit := func(price int64, lvl *priceLevel) bool {
		out = append(out, PriceLevel{Price: price, Size: lvl.total, Orders: lvl.count})
		return len(out) < limit
	}
	if side == Bid {
		ladder.Reverse(visit)
	} else {
		ladder.Scan(visit)
	}
	return out
}

// Get returns a copy of a resting order.
func (ob *OrderBook) Get(id string) (Order, bool) {
	o, ok := ob.index[id]
	if !ok {
		return Order{}, false
	}
	return o.Snapshot(), true
}

func (ob *OrderBook) Contains(id string) bool {
	_, ok := ob.index[id]
	return ok
}

func (ob *OrderBook) Len() int { return len(ob.index) }

func (ob *OrderBook) LastPrice() int64 { return ob.lastPrice }

// Verify cross-checks the ladders against the index. Any mismatch is an
// ErrInvariantViolation.
func (ob *OrderBook) Verify() error {
	seen := 0
	for _, side := range [2]Side{Bid, Ask} {
		var err error
		ob.ladder(side).Scan(func(price int64, lvl *priceLevel) bool {
			if lvl.price != price {
				err = ob.violation("level keyed %d holds price %d", price, lvl.price)
				return false
			}
			if lvl.count == 0 || lvl.head == nil {
				err = ob.violation("empty %s level %d", side, price)
				return false
			}
			var (
				count int
				total int64
				prev  *Order
			)
			for o := lvl.head; o != nil; o = o.next {
				if o.prev != prev || o.level != lvl {
					err = ob.violation("broken links at order %s", o.ID)
					return false
				}
				if o.Side != side || o.Price != price || o.Remaining <= 0 {
					err = ob.violation("order %s misplaced in %s level %d", o.ID, side, price)
					return false
				}
				if idx, ok := ob.index[o.ID]; !ok || idx != o {
					err = ob.violation("order %s in ladder but not in index", o.ID)
					return false
				}
				if prev != nil && prev.arrival >= o.arrival {
					err = ob.violation("fifo order broken at %s", o.ID)
					return false
				}
				count++
				total += o.Remaining
				prev = o
			}
			if prev != lvl.tail || count != lvl.count || total != lvl.total {
				err = ob.violation("%s level %d counters out of sync", side, price)
				return false
			}
			seen += count
			return true
		})
		if err != nil {
			return err
		}
	}
	if seen != len(ob.index) {
		return ob.violation("index holds %d orders, ladders hold %d", len(ob.index), seen)
	}
	if bid, ok := ob.BestBid(); ok {
		if ask, ok := ob.BestAsk(); ok && bid >= ask {
			return ob.violation("book left crossed: bid %d >= ask %d", bid, ask)
		}
	}
	return nil
}
