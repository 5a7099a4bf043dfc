package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/settlement"
)

// API request and response types. Prices and sizes cross the boundary as
// decimal strings; balances and transfer amounts are integer asset units.

// ==============================
// REST Response Types
// ==============================

type MarketInfo struct {
	Symbol       string          `json:"symbol"`
	BaseAsset    string          `json:"baseAsset"`
	QuoteAsset   string          `json:"quoteAsset"`
	Status       string          `json:"status"`
	TickSize     decimal.Decimal `json:"tickSize"`
	LotSize      decimal.Decimal `json:"lotSize"`
	MinOrderSize int64           `json:"minOrderSize"` // lots
	MaxOrderSize int64           `json:"maxOrderSize"` // lots
	MakerFeeBps  int64           `json:"makerFeeBps"`
	TakerFeeBps  int64           `json:"takerFeeBps"`
}

func marketInfo(m market.Market) MarketInfo {
	return MarketInfo{
		Symbol:       m.Symbol,
		BaseAsset:    m.BaseAsset,
		QuoteAsset:   m.QuoteAsset,
		Status:       m.Status.String(),
		TickSize:     m.TickSize,
		LotSize:      m.LotSize,
		MinOrderSize: m.MinOrderSize,
		MaxOrderSize: m.MaxOrderSize,
		MakerFeeBps:  m.MakerFeeBps,
		TakerFeeBps:  m.TakerFeeBps,
	}
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string          `json:"symbol"`
	Bids      []PriceLevel    `json:"bids"` // Sorted high to low
	Asks      []PriceLevel    `json:"asks"` // Sorted low to high
	LastPrice decimal.Decimal `json:"lastPrice"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

func levels(m *market.Market, in []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: m.TicksToPrice(l.Price), Size: m.LotsToSize(l.Size), Orders: l.Orders}
	}
	return out
}

func orderbookSnapshot(m *market.Market, snap engine.Snapshot, ts int64) OrderbookSnapshot {
	return OrderbookSnapshot{
		Symbol:    m.Symbol,
		Bids:      levels(m, snap.Bids),
		Asks:      levels(m, snap.Asks),
		LastPrice: m.TicksToPrice(snap.LastPrice),
		Timestamp: ts,
	}
}

type TradeInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`      // taker side, "buy" or "sell"
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

func tradeInfo(m *market.Market, t orderbook.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		Symbol:    t.Market,
		Price:     m.TicksToPrice(t.Price),
		Size:      m.LotsToSize(t.Size),
		Side:      sideName(t.TakerSide),
		Timestamp: t.Timestamp / 1e6,
	}
}

type OrderInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    string          `json:"status"` // "open", "partially_filled", "filled", "cancelled"
	Timestamp int64           `json:"timestamp"`
}

func orderInfo(m *market.Market, o orderbook.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Symbol:    o.Market,
		Side:      sideName(o.Side),
		Price:     m.TicksToPrice(o.Price),
		Size:      m.LotsToSize(o.Size),
		Filled:    m.LotsToSize(o.Size - o.Remaining),
		Remaining: m.LotsToSize(o.Remaining),
		Status:    o.Status.String(),
		Timestamp: o.CreatedAt / 1e6,
	}
}

func sideName(s orderbook.Side) string {
	if s == orderbook.Bid {
		return "buy"
	}
	return "sell"
}

type BalanceInfo struct {
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type SettlementInfo struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Asset       string   `json:"asset"`
	Amount      int64    `json:"amount"`
	Address     string   `json:"address"`
	Status      string   `json:"status"`
	RetryCount  int      `json:"retryCount"`
	TxHash      string   `json:"txHash,omitempty"`
	LastError   string   `json:"lastError,omitempty"`
	Reconcile   string   `json:"reconcile,omitempty"` // why an operator must look at it
	OrphanTxs   []string `json:"orphanTxs,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	ConfirmedAt int64    `json:"confirmedAt,omitempty"`
}

func settlementInfo(st settlement.Settlement) SettlementInfo {
	return SettlementInfo{
		ID:          st.ID,
		Kind:        st.Kind.String(),
		Asset:       st.Asset,
		Amount:      st.Amount,
		Address:     st.Address,
		Status:      st.Status.String(),
		RetryCount:  st.RetryCount,
		TxHash:      st.TxHash,
		LastError:   st.LastError,
		Reconcile:   st.Reconcile,
		OrphanTxs:   st.OrphanTxs,
		CreatedAt:   st.CreatedAt / 1e6,
		ConfirmedAt: st.ConfirmedAt / 1e6,
	}
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"` // "buy"/"bid" or "sell"/"ask"
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
}

type SubmitOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

type CancelOrderResponse struct {
	Status string    `json:"status"` // "cancelled" or "not_open"
	Order  OrderInfo `json:"order"`
}

type CancelAllResponse struct {
	Cancelled []OrderInfo `json:"cancelled"`
}

// TransferRequest is the payload for POST /api/v1/deposits and /withdrawals
type TransferRequest struct {
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
	Address string `json:"address"`
}

// ResolveRequest is the payload for POST /api/v1/admin/settlements/{id}/resolve.
// An empty TxHash states that no transfer reached the chain.
type ResolveRequest struct {
	TxHash string `json:"txHash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
