package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
)

type EventType int8

const (
	EventOrder EventType = iota + 1 // order status/remaining changed
	EventTrade
	EventDepth
)

func (t EventType) String() string {
	switch t {
	case EventOrder:
		return "order"
	case EventTrade:
		return "trade"
	case EventDepth:
		return "depth"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *EventType) UnmarshalText(b []byte) error {
	for _, c := range [...]EventType{EventOrder, EventTrade, EventDepth} {
		if string(b) == c.String() {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", b)
}

// Event is emitted by a MarketEngine. Seq is strictly increasing per market
// within one process lifetime.
type Event struct {
	Type   EventType        `json:"type"`
	Market string           `json:"market"`
	Seq    uint64           `json:"seq"`
	Time   int64            `json:"ts"`
	Order  *orderbook.Order `json:"order,omitempty"`
	Trade  *orderbook.Trade `json:"trade,omitempty"`
	Depth  *Snapshot        `json:"depth,omitempty"`
}

// Sink receives the events of one engine step, in occurrence order, from the
// engine goroutine.
type Sink interface {
	OnEvents(ctx context.Context, market string, events []Event) error
}

type SinkFunc func(ctx context.Context, market string, events []Event) error

func (f SinkFunc) OnEvents(ctx context.Context, market string, events []Event) error {
	return f(ctx, market, events)
}

// Sinks fans a batch out to each sink in order. Every sink sees the batch
// even when an earlier one fails.
type Sinks []Sink

func (s Sinks) OnEvents(ctx context.Context, market string, events []Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.OnEvents(ctx, market, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
