package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/errs"
	"github.com/uhyunpark/custodex/pkg/metrics"
	"github.com/uhyunpark/custodex/pkg/util"
)

const DefaultMailboxCapacity = 10000

var (
	ErrUnknownMarket = fmt.Errorf("unknown market: %w", errs.ErrNotFound)
	ErrOverloaded    = fmt.Errorf("mailbox full: %w", errs.ErrOverloaded)
	ErrMarketHalted  = fmt.Errorf("market halted: %w", errs.ErrInvariantViolation)
	ErrStopped       = errors.New("engine stopped")
)

type Config struct {
	MailboxCapacity  int
	VerifyInvariants bool // full book check after every mutating step
	DepthLevels      int  // levels per side in depth events, 0 disables them
}

type Options struct {
	Sink    Sink
	Clock   util.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	NewID   func() string // trade ids
}

// MarketEngine is the single writer of one market's OrderBook. All requests
// go through its bounded mailbox and are applied strictly in arrival order
// by one goroutine.
type MarketEngine struct {
	market market.Market
	cfg    Config
	book   *orderbook.OrderBook

	mailbox chan *Request
	sink    Sink
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	newID   func() string
	verify  func() error

	// intake guards stopping against concurrent enqueues
	intake   sync.RWMutex
	stopping bool
	halted   atomic.Bool

	started  atomic.Bool
	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}

	ctx      context.Context
	eventSeq uint64
}

func NewMarketEngine(m market.Market, cfg Config, opts Options) *MarketEngine {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = DefaultMailboxCapacity
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	e := &MarketEngine{
		market:  m,
		cfg:     cfg,
		book:    orderbook.New(m.Symbol),
		mailbox: make(chan *Request, cfg.MailboxCapacity),
		sink:    opts.Sink,
		clock:   opts.Clock,
		log:     opts.Logger.With("market", m.Symbol),
		metrics: opts.Metrics,
		newID:   opts.NewID,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     context.Background(),
	}
	e.verify = e.book.Verify
	return e
}

func (e *MarketEngine) Market() string { return e.market.Symbol }

func (e *MarketEngine) Halted() bool { return e.halted.Load() }

// Pending returns the number of queued requests.
func (e *MarketEngine) Pending() int { return len(e.mailbox) }

// Start launches the actor goroutine. Sinks are called with a context that
// keeps ctx's values but not its cancellation, so a drain during shutdown
// still persists its events.
func (e *MarketEngine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.ctx = context.WithoutCancel(ctx)
	go e.run()
	e.log.Infow("market_engine_started", "mailbox_capacity", e.cfg.MailboxCapacity)
}

// Stop refuses new requests, lets the actor finish everything already queued
// and waits for it to exit.
func (e *MarketEngine) Stop() {
	e.stopOnce.Do(func() {
		e.intake.Lock()
		e.stopping = true
		e.intake.Unlock()
		close(e.quit)
	})
	if e.started.Load() {
		<-e.done
	}
}

// Enqueue places req in the mailbox. With Reject a full mailbox fails with
// ErrOverloaded; with Block the caller waits until there is room or ctx ends.
func (e *MarketEngine) Enqueue(ctx context.Context, req *Request, policy OverloadPolicy) error {
	if e.halted.Load() {
		return ErrMarketHalted
	}

	e.intake.RLock()
	defer e.intake.RUnlock()
	if e.stopping {
		return ErrStopped
	}

	if policy == Reject {
		select {
		case e.mailbox <- req:
			return nil
		default:
			e.metrics.Rejected(e.market.Symbol, "overloaded")
			return fmt.Errorf("%w: %s", ErrOverloaded, e.market.Symbol)
		}
	}

	select {
	case e.mailbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MarketEngine) run() {
	defer close(e.done)
	for {
		select {
		case req := <-e.mailbox:
			e.handle(req)
		case <-e.quit:
			for {
				select {
				case req := <-e.mailbox:
					e.handle(req)
				default:
					e.log.Infow("market_engine_stopped", "orders", e.book.Len())
					return
				}
			}
		}
	}
}

func (e *MarketEngine) handle(req *Request) {
	start := e.clock.Now()
	symbol := e.market.Symbol
	e.metrics.MailboxDepth(symbol, len(e.mailbox))

	if e.halted.Load() {
		req.respond(Response{Err: ErrMarketHalted})
		return
	}
	e.metrics.Request(symbol, req.Kind.String())

	resp, events := e.apply(req)

	if resp.Err == nil && e.cfg.VerifyInvariants && req.Kind.mutates() {
		if err := e.verify(); err != nil {
			resp.Err = err
		}
	}
	if errors.Is(resp.Err, errs.ErrInvariantViolation) {
		e.halt(resp.Err)
		resp.Err = fmt.Errorf("%w: %v", ErrMarketHalted, resp.Err)
	}

	if len(events) > 0 && e.sink != nil {
		if err := e.sink.OnEvents(e.ctx, symbol, events); err != nil {
			e.metrics.SinkFailure(symbol)
			e.log.Errorw("sink_failed", "kind", req.Kind.String(), "events", len(events), "err", err)
		}
	}

	e.metrics.Step(symbol, e.clock.Now().Sub(start))
	req.respond(resp)
}

func (e *MarketEngine) halt(err error) {
	if e.halted.Swap(true) {
		return
	}
	e.metrics.Halted(e.market.Symbol)
	e.log.Errorw("market_halted", "err", err, "orders", e.book.Len())
}

func (e *MarketEngine) apply(req *Request) (Response, []Event) {
	switch req.Kind {
	case KindPlace:
		return e.place(req.Order)
	case KindCancel:
		return e.cancel(req.OrderID, req.User)
	case KindCancelUser:
		return e.cancelUser(req.User)
	case KindRestore:
		return e.restore(req.Order)
	case KindSnapshot:
		snap := e.snapshot(req.Levels)
		return Response{Snapshot: &snap}, nil
	default:
		return Response{Err: errs.Validation("unknown request kind %d", req.Kind)}, nil
	}
}

func (e *MarketEngine) place(o *orderbook.Order) (Response, []Event) {
	if o == nil || o.Market != e.market.Symbol {
		return Response{Err: errs.Validation("order does not belong to market %s", e.market.Symbol)}, nil
	}
	if err := e.book.Add(o); err != nil {
		e.metrics.Rejected(e.market.Symbol, errs.Kind(err))
		return Response{Err: err}, nil
	}
	trades, err := e.book.Match()

	now := e.clock.Now().UnixNano()
	events := make([]Event, 0, 2*len(trades)+2)
	for i := range trades {
		tr := &trades[i]
		tr.ID = e.newID()
		tr.Timestamp = now
		tr.Index = i
		e.stampFees(tr)
		e.metrics.Trade(e.market.Symbol, tr.Size)

		trade := *tr
		events = append(events, e.event(EventTrade, now, func(ev *Event) { ev.Trade = &trade }))
		maker := e.makerState(tr)
		events = append(events, e.event(EventOrder, now, func(ev *Event) { ev.Order = maker }))
	}
	taker := o.Snapshot()
	events = append(events, e.event(EventOrder, now, func(ev *Event) { ev.Order = &taker }))
	events = e.appendDepth(events, now)

	return Response{Order: &taker, Trades: trades, Err: err}, events
}

// makerState returns the post-trade state of a maker. Filled makers have
// already left the book, so their state comes from the trade.
func (e *MarketEngine) makerState(tr *orderbook.Trade) *orderbook.Order {
	if o, ok := e.book.Get(tr.MakerOrderID); ok {
		return &o
	}
	status := orderbook.StatusFilled
	if tr.MakerLeft > 0 {
		status = orderbook.StatusPartiallyFilled
	}
	return &orderbook.Order{
		ID:        tr.MakerOrderID,
		Market:    tr.Market,
		User:      tr.MakerUser,
		Side:      tr.TakerSide.Opposite(),
		Price:     tr.Price,
		Remaining: tr.MakerLeft,
		Status:    status,
	}
}

func (e *MarketEngine) stampFees(tr *orderbook.Trade) {
	buyerIsMaker := tr.TakerSide == orderbook.Ask
	tr.BuyerFee = market.Fee(tr.Size, e.market.FeeBps(buyerIsMaker))
	notional, _ := market.Notional(tr.Price, tr.Size)
	tr.SellerFee = market.Fee(notional, e.market.FeeBps(!buyerIsMaker))
}

func (e *MarketEngine) cancel(id, user string) (Response, []Event) {
	o, ok := e.book.Get(id)
	if !ok {
		return Response{Outcome: CancelNotOpen}, nil
	}
	if user != "" && o.User != user {
		return Response{Err: errs.Validation("order %s is not owned by %s", id, user)}, nil
	}
	removed, err := e.book.Remove(id)
	if err != nil {
		return Response{Err: err}, nil
	}

	now := e.clock.Now().UnixNano()
	snap := removed.Snapshot()
	events := []Event{e.event(EventOrder, now, func(ev *Event) { ev.Order = &snap })}
	events = e.appendDepth(events, now)
	return Response{Order: &snap, Outcome: Cancelled}, events
}

func (e *MarketEngine) cancelUser(user string) (Response, []Event) {
	removed, err := e.book.RemoveAllForUser(user)
	if err != nil {
		return Response{Err: err}, nil
	}
	if len(removed) == 0 {
		return Response{}, nil
	}

	now := e.clock.Now().UnixNano()
	cancelled := make([]orderbook.Order, 0, len(removed))
	events := make([]Event, 0, len(removed)+1)
	for _, o := range removed {
		snap := o.Snapshot()
		cancelled = append(cancelled, snap)
		events = append(events, e.event(EventOrder, now, func(ev *Event) { ev.Order = &snap }))
	}
	events = e.appendDepth(events, now)
	return Response{Cancelled: cancelled}, events
}

func (e *MarketEngine) restore(o *orderbook.Order) (Response, []Event) {
	if o == nil || o.Market != e.market.Symbol {
		return Response{Err: errs.Validation("order does not belong to market %s", e.market.Symbol)}, nil
	}
	if e.book.Contains(o.ID) {
		return Response{Restored: false}, nil
	}
	if err := e.book.Add(o); err != nil {
		return Response{Err: err}, nil
	}
	return Response{Restored: true}, nil
}

func (e *MarketEngine) snapshot(levels int) Snapshot {
	snap := Snapshot{
		Market:    e.market.Symbol,
		LastPrice: e.book.LastPrice(),
		Bids:      e.book.Levels(orderbook.Bid, levels),
		Asks:      e.book.Levels(orderbook.Ask, levels),
		Orders:    e.book.Len(),
	}
	snap.BestBid, _ = e.book.BestBid()
	snap.BestAsk, _ = e.book.BestAsk()
	return snap
}

func (e *MarketEngine) appendDepth(events []Event, now int64) []Event {
	if e.cfg.DepthLevels <= 0 {
		return events
	}
	snap := e.snapshot(e.cfg.DepthLevels)
	return append(events, e.event(EventDepth, now, func(ev *Event) { ev.Depth = &snap }))
}

func (e *MarketEngine) event(t EventType, now int64, fill func(*Event)) Event {
	e.eventSeq++
	ev := Event{Type: t, Market: e.market.Symbol, Seq: e.eventSeq, Time: now}
	fill(&ev)
	return ev
}
