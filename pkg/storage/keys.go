package storage

import (
	"fmt"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/settlement"
)

// Key schema:
//
//	ord:<orderID>                                    → Order
//	open:<createdAt %020d>:<seq %020d>:<orderID>     → orderID, present while open or partially_filled
//	trade:<market>:<ts %020d>:<index %06d>:<tradeID> → Trade
//	tradeu:<tradeID>                                 → trade key, present until the ledger settled the trade
//	stl:<settlementID>                               → Settlement
//	stlq:<kind>:<createdAt %020d>:<settlementID>     → settlementID, present until confirmed or failed
//	stlr:<settlementID>                              → settlementID, present while held for reconciliation
//
// Numeric parts are zero-padded so lexicographic order is numeric order.
const (
	prefixOrder      = "ord:"
	prefixOpen       = "open:"
	prefixTrade      = "trade:"
	prefixUnsettled  = "tradeu:"
	prefixSettlement = "stl:"
	prefixQueue      = "stlq:"
	prefixReconcile  = "stlr:"
)

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func openKey(o *orderbook.Order) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d:%s", prefixOpen, o.CreatedAt, o.Seq, o.ID))
}

// tradeKey returns the key for a trade. Trades of one match step share a
// timestamp and sort by their index within the step.
// Format: "trade:{market}:{timestamp}:{index}:{tradeID}"
func tradeKey(t *orderbook.Trade) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%06d:%s", prefixTrade, t.Market, t.Timestamp, t.Index, t.ID))
}

func tradePrefix(market string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, market))
}

func unsettledKey(tradeID string) []byte {
	return []byte(prefixUnsettled + tradeID)
}

func settlementKey(id string) []byte {
	return []byte(prefixSettlement + id)
}

func queueKey(s *settlement.Settlement) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixQueue, s.Kind, s.CreatedAt, s.ID))
}

func queuePrefix(kind settlement.Kind) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixQueue, kind))
}

func reconcileKey(id string) []byte {
	return []byte(prefixReconcile + id)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
