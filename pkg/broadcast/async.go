package broadcast

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/metrics"
)

type batch struct {
	market string
	events []engine.Event
}

// Async decouples a sink from the engine goroutine. Batches are delivered in
// the order they were accepted; when the buffer is full the batch is dropped
// and counted.
type Async struct {
	name  string
	next  engine.Sink
	queue chan batch
	log   *zap.SugaredLogger
	m     *metrics.Metrics
	done  chan struct{}
}

func NewAsync(name string, next engine.Sink, buffer int, log *zap.SugaredLogger, m *metrics.Metrics) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Async{
		name:  name,
		next:  next,
		queue: make(chan batch, buffer),
		log:   log.With("sink", name),
		m:     m,
		done:  make(chan struct{}),
	}
}

// OnEvents never blocks and never fails.
func (a *Async) OnEvents(_ context.Context, market string, events []engine.Event) error {
	b := batch{market: market, events: append([]engine.Event(nil), events...)}
	select {
	case a.queue <- b:
	default:
		a.m.BroadcastDropped(a.name)
		a.log.Warnw("broadcast_dropped", "market", market, "events", len(events))
	}
	return nil
}

// Run delivers queued batches until ctx is cancelled.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-a.queue:
			if err := a.next.OnEvents(ctx, b.market, b.events); err != nil {
				a.log.Warnw("broadcast_failed", "market", b.market, "err", err)
			}
		}
	}
}

// Done is closed once Run returns.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) Pending() int { return len(a.queue) }
