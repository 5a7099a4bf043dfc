package market

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/custodex/pkg/errs"
)

// Status defines the trading status of a market
type Status int8

const (
	Active Status = iota // Trading enabled
	Paused               // New orders rejected, cancels still accepted
	Closed               // Terminal
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Market defines the parameters of a spot market (e.g. BTC-USDT).
//
// Prices are integer ticks and sizes integer lots. TickSize is the quote
// value of one tick and LotSize the base value of one lot; they are only used
// when converting user-facing decimals at the API boundary.
type Market struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     Status `json:"status"`

	TickSize decimal.Decimal `json:"tick_size"`
	LotSize  decimal.Decimal `json:"lot_size"`

	MinOrderSize int64 `json:"min_order_size"` // lots
	MaxOrderSize int64 `json:"max_order_size"` // lots
	MinNotional  int64 `json:"min_notional"`   // ticks * lots

	MakerFeeBps int64 `json:"maker_fee_bps"`
	TakerFeeBps int64 `json:"taker_fee_bps"`
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.BaseAsset == m.QuoteAsset {
		return fmt.Errorf("base and quote assets must differ")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.LotSize.IsPositive() {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinOrderSize <= 0 {
		return fmt.Errorf("min order size must be positive")
	}
	if m.MaxOrderSize < m.MinOrderSize {
		return fmt.Errorf("min order size cannot exceed max order size")
	}
	if m.MinNotional < 0 {
		return fmt.Errorf("min notional cannot be negative")
	}
	if m.MakerFeeBps < 0 || m.TakerFeeBps < 0 || m.MakerFeeBps > 10000 || m.TakerFeeBps > 10000 {
		return fmt.Errorf("fees must be within [0, 10000] bps")
	}
	return nil
}

// ValidateOrder rejects orders that must never reach an engine.
func (m *Market) ValidateOrder(price, size int64) error {
	if m.Status != Active {
		return errs.Validation("market %s is %s", m.Symbol, m.Status)
	}
	if price <= 0 {
		return errs.Validation("price must be positive, got %d", price)
	}
	if size <= 0 {
		return errs.Validation("size must be positive, got %d", size)
	}
	if size < m.MinOrderSize {
		return errs.Validation("size %d below minimum %d", size, m.MinOrderSize)
	}
	if size > m.MaxOrderSize {
		return errs.Validation("size %d above maximum %d", size, m.MaxOrderSize)
	}
	notional, ok := Notional(price, size)
	if !ok {
		return errs.Validation("notional of %d x %d overflows", price, size)
	}
	if notional < m.MinNotional {
		return errs.Validation("notional %d below minimum %d", notional, m.MinNotional)
	}
	return nil
}

// Notional returns price*size, reporting false on int64 overflow.
func Notional(price, size int64) (int64, bool) {
	if price < 0 || size < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(price), uint64(size))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

// Fee applies bps to amount, rounding down.
func Fee(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(bps))
	q, _ := bits.Div64(hi, lo, 10000)
	return int64(q)
}

// FeeBps returns the maker or taker rate.
func (m *Market) FeeBps(maker bool) int64 {
	if maker {
		return m.MakerFeeBps
	}
	return m.TakerFeeBps
}

// PriceToTicks converts a decimal price to ticks. The price must be a
// positive whole number of ticks.
func (m *Market) PriceToTicks(price decimal.Decimal) (int64, error) {
	return toUnits("price", price, m.TickSize)
}

// SizeToLots converts a decimal quantity of base asset to lots.
func (m *Market) SizeToLots(size decimal.Decimal) (int64, error) {
	return toUnits("size", size, m.LotSize)
}

func (m *Market) TicksToPrice(ticks int64) decimal.Decimal {
	return m.TickSize.Mul(decimal.NewFromInt(ticks))
}

func (m *Market) LotsToSize(lots int64) decimal.Decimal {
	return m.LotSize.Mul(decimal.NewFromInt(lots))
}

func toUnits(field string, v, unit decimal.Decimal) (int64, error) {
	if !v.IsPositive() {
		return 0, errs.Validation("%s must be positive, got %s", field, v)
	}
	q := v.Div(unit)
	if !q.Equal(q.Truncate(0)) {
		return 0, errs.Validation("%s %s is not a multiple of %s", field, v, unit)
	}
	if q.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, errs.Validation("%s %s out of range", field, v)
	}
	return q.IntPart(), nil
}
