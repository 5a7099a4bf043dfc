// Package restore rebuilds the in-memory books from persisted open orders
// after a restart.
package restore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/engine"
)

type OrderSource interface {
	// LoadOpenOrders returns open and partially filled orders, oldest first.
	LoadOpenOrders(ctx context.Context) ([]orderbook.Order, error)
}

type Router interface {
	RouteWith(ctx context.Context, market string, req *engine.Request, policy engine.OverloadPolicy) error
}

type Report struct {
	Restored int
	Skipped  int    // already in the book
	Orphans  int    // market not registered
	MaxSeq   uint64 // highest order sequence seen
}

type Coordinator struct {
	source OrderSource
	router Router
	log    *zap.SugaredLogger
}

func NewCoordinator(source OrderSource, router Router, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{source: source, router: router, log: log}
}

// Restore replays every open order into its market without matching. Orders
// are enqueued in persisted order, so each price level gets its original
// FIFO order back. Ids already in a book are skipped, which makes a second
// run a no-op.
func (c *Coordinator) Restore(ctx context.Context) (Report, error) {
	var rep Report
	orders, err := c.source.LoadOpenOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("load open orders: %w", err)
	}
	c.log.Infow("restore_started", "orders", len(orders))

	type pending struct {
		id  string
		req *engine.Request
	}
	queued := make([]pending, 0, len(orders))
	for i := range orders {
		o := orders[i]
		rep.MaxSeq = max(rep.MaxSeq, o.Seq)

		req := engine.NewRestore(&o)
		err := c.router.RouteWith(ctx, o.Market, req, engine.Block)
		if errors.Is(err, engine.ErrUnknownMarket) {
			rep.Orphans++
			c.log.Warnw("restore_orphan_order", "order_id", o.ID, "market", o.Market)
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("route order %s: %w", o.ID, err)
		}
		queued = append(queued, pending{id: o.ID, req: req})
	}

	for _, p := range queued {
		resp, err := p.req.Wait(ctx)
		if err != nil {
			return rep, fmt.Errorf("restore order %s: %w", p.id, err)
		}
		if resp.Restored {
			rep.Restored++
		} else {
			rep.Skipped++
		}
	}

	c.log.Infow("restore_completed",
		"restored", rep.Restored,
		"skipped", rep.Skipped,
		"orphans", rep.Orphans,
		"max_seq", rep.MaxSeq,
	)
	return rep, nil
}
