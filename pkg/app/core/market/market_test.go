package market

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/custodex/pkg/errs"
)

func testMarket() *Market {
	return &Market{
		Symbol:       "BTC-USDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		TickSize:     decimal.RequireFromString("0.01"),
		LotSize:      decimal.RequireFromString("0.0001"),
		MinOrderSize: 1,
		MaxOrderSize: 1_000_000,
		MinNotional:  100,
		MakerFeeBps:  5,
		TakerFeeBps:  10,
	}
}

func TestValidateOrder(t *testing.T) {
	m := testMarket()
	tests := []struct {
		name    string
		price   int64
		size    int64
		wantErr bool
	}{
		{"valid", 50000, 10, false},
		{"zero price", 0, 10, true},
		{"negative price", -1, 10, true},
		{"zero size", 50000, 0, true},
		{"above max", 50000, 1_000_001, true},
		{"below notional", 10, 5, true},
		{"overflow", math.MaxInt64, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateOrder(tt.price, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateOrder(%d, %d) = %v, wantErr %v", tt.price, tt.size, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errs.ErrValidation) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}
}

func TestValidateOrderPausedMarket(t *testing.T) {
	m := testMarket()
	m.Status = Paused
	if err := m.ValidateOrder(50000, 10); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("paused market err = %v, want validation error", err)
	}
}

func TestDecimalConversion(t *testing.T) {
	m := testMarket()

	ticks, err := m.PriceToTicks(decimal.RequireFromString("50000.25"))
	if err != nil || ticks != 5000025 {
		t.Fatalf("PriceToTicks = %d, %v; want 5000025", ticks, err)
	}
	if _, err := m.PriceToTicks(decimal.RequireFromString("50000.255")); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("off-tick price err = %v, want validation error", err)
	}
	lots, err := m.SizeToLots(decimal.RequireFromString("1.5"))
	if err != nil || lots != 15000 {
		t.Fatalf("SizeToLots = %d, %v; want 15000", lots, err)
	}
	if got := m.TicksToPrice(5000025); !got.Equal(decimal.RequireFromString("50000.25")) {
		t.Errorf("TicksToPrice = %s", got)
	}
	if got := m.LotsToSize(15000); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("LotsToSize = %s", got)
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		amount, bps, want int64
	}{
		{1_000_000, 10, 1000},
		{999, 10, 0},
		{10_000, 5, 5},
		{100, 0, 0},
		{math.MaxInt64, 10, math.MaxInt64 / 1000},
	}
	for _, tt := range tests {
		if got := Fee(tt.amount, tt.bps); got != tt.want {
			t.Errorf("Fee(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testMarket()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testMarket()); err == nil {
		t.Error("duplicate registration accepted")
	}
	bad := testMarket()
	bad.Symbol = "ETH-USDT"
	bad.LotSize = decimal.Zero
	if err := r.Register(bad); err == nil {
		t.Error("invalid market accepted")
	}

	if _, err := r.Get("DOGE-USDT"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Get unknown err = %v, want not found", err)
	}
	if err := r.SetStatus("BTC-USDT", Paused); err != nil {
		t.Fatal(err)
	}
	m, _ := r.Get("BTC-USDT")
	if m.Status != Paused {
		t.Errorf("status = %s, want paused", m.Status)
	}
	if err := r.SetStatus("BTC-USDT", Closed); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus("BTC-USDT", Active); err == nil {
		t.Error("closed market reopened")
	}
	if r.Count() != 1 || len(r.List()) != 1 {
		t.Errorf("count = %d", r.Count())
	}
}
