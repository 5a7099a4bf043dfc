package orderbook

import (
	"fmt"
	"strings"
)

type Side int8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) Valid() bool { return s == Bid || s == Ask }

// ParseSide accepts "bid"/"buy" and "ask"/"sell".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown side %q", v)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Status int8

const (
	StatusOpen Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resting reports whether an order with this status belongs in a book.
func (s Status) Resting() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

func ParseStatus(v string) (Status, error) {
	switch v {
	case "open":
		return StatusOpen, nil
	case "partially_filled":
		return StatusPartiallyFilled, nil
	case "filled":
		return StatusFilled, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return 0, fmt.Errorf("unknown order status %q", v)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a limit order. Price is in ticks, Size and Remaining in lots.
type Order struct {
	ID        string `json:"id"`
	Market    string `json:"market"`
	User      string `json:"user"`
	Side      Side   `json:"side"`
	Price     int64  `json:"price"`
	Size      int64  `json:"size"`
	Remaining int64  `json:"remaining"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"created_at"` // unix nanos
	Seq       uint64 `json:"seq"`

	// book links, only set while the order rests
	level   *priceLevel
	prev    *Order
	next    *Order
	arrival uint64
}

func (o *Order) Filled() int64 { return o.Size - o.Remaining }

// Snapshot returns a detached copy that is safe to hand to other goroutines.
func (o *Order) Snapshot() Order {
	c := *o
	c.level, c.prev, c.next, c.arrival = nil, nil, nil, 0
	return c
}

// Trade is produced by Match. Price is always the maker's price.
type Trade struct {
	ID           string `json:"id"`
	Market       string `json:"market"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	MakerUser    string `json:"maker_user"`
	TakerUser    string `json:"taker_user"`
	TakerSide    Side   `json:"taker_side"`
	Price        int64  `json:"price"`
	Size         int64  `json:"size"`
	BuyerLimit   int64  `json:"buyer_limit"`
	MakerLeft    int64  `json:"maker_remaining"`
	BuyerFee     int64  `json:"buyer_fee"`  // base units
	SellerFee    int64  `json:"seller_fee"` // quote units
	Timestamp    int64  `json:"ts"`
	Index        int    `json:"index"` // position within its match step
}

func (t Trade) Buyer() string {
	if t.TakerSide == Bid {
		return t.TakerUser
	}
	return t.MakerUser
}

func (t Trade) Seller() string {
	if t.TakerSide == Ask {
		return t.TakerUser
	}
	return t.MakerUser
}

func (t Trade) Notional() int64 { return t.Price * t.Size }

type PriceLevel struct {
	Price  int64 `json:"price"`
	Size   int64 `json:"size"`
	Orders int   `json:"orders"`
}
