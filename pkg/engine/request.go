package engine

import (
	"context"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
)

// Kind tags the request variant. MarketEngine.apply is the single dispatch point.
type Kind int8

const (
	KindPlace Kind = iota + 1
	KindCancel
	KindCancelUser
	KindRestore
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindPlace:
		return "place"
	case KindCancel:
		return "cancel"
	case KindCancelUser:
		return "cancel_user"
	case KindRestore:
		return "restore"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

func (k Kind) mutates() bool { return k != KindSnapshot }

// CancelOutcome separates "removed" from "was no longer in the book".
type CancelOutcome int8

const (
	Cancelled     CancelOutcome = iota + 1
	CancelNotOpen               // already filled or cancelled: a no-op, not an error
)

func (c CancelOutcome) String() string {
	switch c {
	case Cancelled:
		return "cancelled"
	case CancelNotOpen:
		return "not_open"
	default:
		return "unknown"
	}
}

type Request struct {
	Kind    Kind
	Order   *orderbook.Order // place, restore
	OrderID string           // cancel
	User    string           // cancel (owner check), cancel_user
	Levels  int              // snapshot

	reply chan Response
}

type Response struct {
	Order     *orderbook.Order // place: taker after matching; cancel: removed order
	Trades    []orderbook.Trade
	Cancelled []orderbook.Order
	Outcome   CancelOutcome
	Restored  bool // restore: false when the id was already in the book
	Snapshot  *Snapshot
	Err       error
}

type Snapshot struct {
	Market    string                 `json:"market"`
	BestBid   int64                  `json:"best_bid,omitempty"`
	BestAsk   int64                  `json:"best_ask,omitempty"`
	LastPrice int64                  `json:"last_price,omitempty"`
	Bids      []orderbook.PriceLevel `json:"bids"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	Orders    int                    `json:"orders"`
}

func newRequest(k Kind) *Request {
	return &Request{Kind: k, reply: make(chan Response, 1)}
}

func NewPlace(o *orderbook.Order) *Request {
	r := newRequest(KindPlace)
	r.Order = o
	return r
}

// NewCancel cancels orderID. A non-empty user must own the order.
func NewCancel(orderID, user string) *Request {
	r := newRequest(KindCancel)
	r.OrderID, r.User = orderID, user
	return r
}

func NewCancelUser(user string) *Request {
	r := newRequest(KindCancelUser)
	r.User = user
	return r
}

// NewRestore adds a persisted order without matching.
func NewRestore(o *orderbook.Order) *Request {
	r := newRequest(KindRestore)
	r.Order = o
	return r
}

func NewSnapshot(levels int) *Request {
	r := newRequest(KindSnapshot)
	r.Levels = levels
	return r
}

func (r *Request) respond(resp Response) {
	r.reply <- resp
}

// Wait blocks until the engine answered or ctx is done. Response.Err is
// returned as the error.
func (r *Request) Wait(ctx context.Context) (Response, error) {
	select {
	case resp := <-r.reply:
		return resp, resp.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
