package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/broadcast"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/errs"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/metrics"
	"github.com/uhyunpark/custodex/pkg/storage"
)

const (
	adminToken = "s3cret"
	external   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type testEnv struct {
	srv    *httptest.Server
	ledger *ledger.PebbleLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	led, err := ledger.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	reg := market.NewRegistry()
	m := &market.Market{
		Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: market.Active,
		TickSize: decimal.NewFromInt(1), LotSize: decimal.NewFromInt(1),
		MinOrderSize: 1, MaxOrderSize: 1_000_000,
	}
	if err := reg.Register(m); err != nil {
		t.Fatal(err)
	}
	router := engine.NewRouter(engine.Reject)
	rec := exchange.NewRecorder(store, led, reg, "fees", nil)
	if err := router.Register(engine.NewMarketEngine(*m, engine.Config{DepthLevels: 10}, engine.Options{Sink: rec})); err != nil {
		t.Fatal(err)
	}
	router.StartAll(context.Background())
	t.Cleanup(router.StopAll)

	svc := exchange.NewService(reg, router, led, store, nil, nil, nil)
	s := NewServer(Config{AdminToken: adminToken}, svc, broadcast.NewHub(nil, nil), metrics.New(), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, ledger: led}
}

func (e *testEnv) fund(t *testing.T, user, asset string, amount int64) {
	t.Helper()
	if err := e.ledger.Credit(context.Background(), "seed:"+user+":"+asset, user, asset, amount); err != nil {
		t.Fatal(err)
	}
}

// do sends a request and decodes the JSON response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, user string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	req.Header.Set("Content-Type", "application/json")
	return e.send(t, req, out)
}

func (e *testEnv) send(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", req.Method, req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMarketsAndHealth(t *testing.T) {
	e := newTestEnv(t)

	var markets []MarketInfo
	if code := e.do(t, "GET", "/api/v1/markets", "", nil, &markets); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(markets) != 1 || markets[0].Symbol != "BTC-USDT" || markets[0].Status != "active" {
		t.Errorf("markets = %+v", markets)
	}

	var errResp ErrorResponse
	if code := e.do(t, "GET", "/api/v1/markets/DOGE-USDT", "", nil, &errResp); code != http.StatusNotFound || errResp.Error != "not_found" {
		t.Errorf("unknown market = %d %+v", code, errResp)
	}

	if code := e.do(t, "GET", "/health", "", nil, nil); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
	if code := e.do(t, "GET", "/metrics", "", nil, nil); code != http.StatusOK {
		t.Errorf("metrics = %d", code)
	}
}

func TestOrderLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", "USDT", 10_000_000)
	e.fund(t, "bob", "BTC", 1_000)

	var placed SubmitOrderResponse
	code := e.do(t, "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "buy", Price: dec("50000"), Size: dec("100")}, &placed)
	if code != http.StatusCreated {
		t.Fatalf("place bid status = %d", code)
	}
	if placed.Order.Status != "open" || len(placed.Trades) != 0 {
		t.Fatalf("bid = %+v", placed)
	}

	var taker SubmitOrderResponse
	code = e.do(t, "POST", "/api/v1/orders", "bob", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "sell", Price: dec("50000"), Size: dec("50")}, &taker)
	if code != http.StatusCreated {
		t.Fatalf("place ask status = %d", code)
	}
	if len(taker.Trades) != 1 || !taker.Trades[0].Price.Equal(dec("50000")) || !taker.Trades[0].Size.Equal(dec("50")) {
		t.Fatalf("trades = %+v", taker.Trades)
	}
	if taker.Trades[0].Side != "sell" {
		t.Errorf("taker side = %s, want sell", taker.Trades[0].Side)
	}

	var book OrderbookSnapshot
	if code := e.do(t, "GET", "/api/v1/markets/BTC-USDT/orderbook?levels=5", "", nil, &book); code != http.StatusOK {
		t.Fatalf("orderbook status = %d", code)
	}
	if len(book.Bids) != 1 || !book.Bids[0].Size.Equal(dec("50")) || len(book.Asks) != 0 {
		t.Errorf("book = %+v", book)
	}

	var trades []TradeInfo
	e.do(t, "GET", "/api/v1/markets/BTC-USDT/trades", "", nil, &trades)
	if len(trades) != 1 {
		t.Errorf("recent trades = %d, want 1", len(trades))
	}

	var order OrderInfo
	path := "/api/v1/orders/" + placed.Order.ID
	if code := e.do(t, "GET", path, "alice", nil, &order); code != http.StatusOK {
		t.Fatalf("get order status = %d", code)
	}
	if order.Status != "partially_filled" || !order.Remaining.Equal(dec("50")) || !order.Filled.Equal(dec("50")) {
		t.Errorf("order = %+v", order)
	}
	if code := e.do(t, "GET", path, "bob", nil, nil); code != http.StatusNotFound {
		t.Errorf("foreign order lookup = %d, want 404", code)
	}

	var cancelled CancelOrderResponse
	if code := e.do(t, "DELETE", path, "alice", nil, &cancelled); code != http.StatusOK || cancelled.Status != "cancelled" {
		t.Fatalf("cancel = %d %+v", code, cancelled)
	}
	if code := e.do(t, "DELETE", path, "alice", nil, &cancelled); code != http.StatusOK || cancelled.Status != "not_open" {
		t.Errorf("second cancel = %d %+v", code, cancelled)
	}

	var balances []BalanceInfo
	e.do(t, "GET", "/api/v1/account/balances", "alice", nil, &balances)
	for _, b := range balances {
		if b.Locked != 0 {
			t.Errorf("alice %s still locked %d after cancel", b.Asset, b.Locked)
		}
	}
}

func TestCancelAll(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", "USDT", 1_000_000)
	for _, p := range []string{"100", "101", "102"} {
		if code := e.do(t, "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "bid", Price: dec(p), Size: dec("10")}, nil); code != http.StatusCreated {
			t.Fatalf("place %s = %d", p, code)
		}
	}

	var resp CancelAllResponse
	if code := e.do(t, "DELETE", "/api/v1/orders", "alice", nil, &resp); code != http.StatusOK {
		t.Fatalf("cancel all = %d", code)
	}
	if len(resp.Cancelled) != 3 {
		t.Errorf("cancelled = %d, want 3", len(resp.Cancelled))
	}
}

func TestRequestErrors(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", "USDT", 100)

	tests := []struct {
		name     string
		method   string
		path     string
		user     string
		body     any
		wantCode int
		wantKind string
	}{
		{"missing user", "POST", "/api/v1/orders", "", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "buy", Price: dec("1"), Size: dec("1")}, 400, "validation"},
		{"unknown market", "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "NOPE", Side: "buy", Price: dec("1"), Size: dec("1")}, 404, "not_found"},
		{"bad side", "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "long", Price: dec("1"), Size: dec("1")}, 400, "validation"},
		{"fractional tick", "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "buy", Price: dec("1.5"), Size: dec("1")}, 400, "validation"},
		{"zero size", "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "buy", Price: dec("1"), Size: dec("0")}, 400, "validation"},
		{"insufficient funds", "POST", "/api/v1/orders", "alice", SubmitOrderRequest{Symbol: "BTC-USDT", Side: "buy", Price: dec("50"), Size: dec("3")}, 400, "validation"},
		{"unknown field", "POST", "/api/v1/orders", "alice", `{"symbol":"BTC-USDT","leverage":10}`, 400, "validation"},
		{"malformed json", "POST", "/api/v1/withdrawals", "alice", `{`, 400, "validation"},
		{"bad address", "POST", "/api/v1/withdrawals", "alice", TransferRequest{Asset: "USDT", Amount: 10, Address: "0x1234"}, 400, "validation"},
		{"unknown asset", "POST", "/api/v1/deposits", "alice", TransferRequest{Asset: "DOGE", Amount: 10, Address: external}, 400, "validation"},
		{"missing order", "GET", "/api/v1/orders/nope", "alice", nil, 404, "not_found"},
		{"missing settlement", "GET", "/api/v1/settlements/nope", "alice", nil, 404, "not_found"},
		{"bad levels", "GET", "/api/v1/markets/BTC-USDT/orderbook?levels=x", "", nil, 400, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			code := e.do(t, tt.method, tt.path, tt.user, tt.body, &resp)
			if code != tt.wantCode || resp.Error != tt.wantKind {
				t.Errorf("got %d %q (%s), want %d %q", code, resp.Error, resp.Message, tt.wantCode, tt.wantKind)
			}
		})
	}
}

func TestWithdrawalAndRequeueAuth(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", "BTC", 200)

	var st SettlementInfo
	code := e.do(t, "POST", "/api/v1/withdrawals", "alice", TransferRequest{Asset: "BTC", Amount: 100, Address: external}, &st)
	if code != http.StatusAccepted {
		t.Fatalf("withdraw status = %d", code)
	}
	if st.Status != "pending" || st.Kind != "withdrawal" || st.Address != external {
		t.Errorf("settlement = %+v", st)
	}

	var balances []BalanceInfo
	e.do(t, "GET", "/api/v1/account/balances", "alice", nil, &balances)
	if len(balances) != 1 || balances[0].Available != 100 || balances[0].Locked != 100 {
		t.Errorf("balances = %+v, want 100/100", balances)
	}

	if code := e.do(t, "GET", "/api/v1/settlements/"+st.ID, "alice", nil, nil); code != http.StatusOK {
		t.Errorf("owner lookup = %d", code)
	}
	if code := e.do(t, "GET", "/api/v1/settlements/"+st.ID, "mallory", nil, nil); code != http.StatusNotFound {
		t.Errorf("foreign lookup = %d, want 404", code)
	}

	path := fmt.Sprintf("/api/v1/admin/settlements/%s/requeue", st.ID)
	if code := e.do(t, "POST", path, "alice", nil, nil); code != http.StatusForbidden {
		t.Errorf("requeue without token = %d, want 403", code)
	}

	req, _ := http.NewRequest("POST", e.srv.URL+path, nil)
	req.Header.Set(AdminHeader, adminToken)
	var resp ErrorResponse
	if code := e.send(t, req, &resp); code != http.StatusBadRequest || resp.Error != "validation" {
		t.Errorf("requeue of pending row = %d %+v, want 400", code, resp)
	}
}

func TestReconciliationRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", "BTC", 200)

	var st SettlementInfo
	if code := e.do(t, "POST", "/api/v1/withdrawals", "alice", TransferRequest{Asset: "BTC", Amount: 100, Address: external}, &st); code != http.StatusAccepted {
		t.Fatalf("withdraw status = %d", code)
	}

	if code := e.do(t, "GET", "/api/v1/admin/reconciliations", "alice", nil, nil); code != http.StatusForbidden {
		t.Errorf("list without token = %d, want 403", code)
	}
	req, _ := http.NewRequest("GET", e.srv.URL+"/api/v1/admin/reconciliations", nil)
	req.Header.Set(AdminHeader, adminToken)
	var held []SettlementInfo
	if code := e.send(t, req, &held); code != http.StatusOK || len(held) != 0 {
		t.Errorf("reconciliations = %d %+v, want 200 and none", code, held)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed hash", `{"txHash":"0x12"}`, http.StatusBadRequest},
		{"unknown field", `{"hash":""}`, http.StatusBadRequest},
		{"row not held", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := fmt.Sprintf("%s/api/v1/admin/settlements/%s/resolve", e.srv.URL, st.ID)
			req, _ := http.NewRequest("POST", path, strings.NewReader(tt.body))
			req.Header.Set(AdminHeader, adminToken)
			req.Header.Set("Content-Type", "application/json")
			var resp ErrorResponse
			if code := e.send(t, req, &resp); code != tt.want || resp.Error != "validation" {
				t.Errorf("resolve = %d %+v, want %d validation", code, resp, tt.want)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.Validation("x"), http.StatusBadRequest},
		{ledger.ErrInsufficientFunds, http.StatusBadRequest},
		{market.ErrMarketNotFound, http.StatusNotFound},
		{engine.ErrOverloaded, http.StatusServiceUnavailable},
		{engine.ErrMarketHalted, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", engine.ErrStopped), http.StatusServiceUnavailable},
		{errs.ErrSettlementFailure, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
