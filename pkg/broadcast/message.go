// Package broadcast fans engine events out to subscribers: websocket
// clients, a Kafka topic, a GossipSub topic and a Redis depth cache.
//
// Every publisher is an engine.Sink. Publishers that can block on the
// network are wrapped in Async so a slow consumer never stalls matching.
package broadcast

import (
	"github.com/uhyunpark/custodex/pkg/engine"
)

const (
	ChannelTrades = "trades"
	ChannelOrders = "orders"
	ChannelDepth  = "depth"
)

// Message is the wire form shared by every publisher.
type Message struct {
	Channel string `json:"channel"`
	engine.Event
}

// Channel returns "<kind>:<market>" for an event, e.g. "trades:BTC-USDT".
func Channel(ev engine.Event) string {
	switch ev.Type {
	case engine.EventTrade:
		return ChannelTrades + ":" + ev.Market
	case engine.EventOrder:
		return ChannelOrders + ":" + ev.Market
	default:
		return ChannelDepth + ":" + ev.Market
	}
}

func wrap(ev engine.Event) Message {
	return Message{Channel: Channel(ev), Event: ev}
}
