package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/broadcast"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/errs"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/metrics"
	"github.com/uhyunpark/custodex/pkg/settlement"
)

const (
	// UserHeader carries the authenticated user id, set by the gateway in
	// front of this server.
	UserHeader  = "X-User-ID"
	AdminHeader = "X-Admin-Token"

	maxBodyBytes = 1 << 20
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	AdminToken     string // empty disables admin routes
	RequestTimeout time.Duration
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg     Config
	svc     *exchange.Service
	hub     *broadcast.Hub
	metrics *metrics.Metrics
	router  *mux.Router
	log     *zap.SugaredLogger
}

func NewServer(cfg Config, svc *exchange.Service, hub *broadcast.Hub, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		hub:     hub,
		metrics: m,
		router:  mux.NewRouter(),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.logRequests)

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleCancelAll).Methods("DELETE")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	// Custody
	api.HandleFunc("/account/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdrawal).Methods("POST")
	api.HandleFunc("/settlements/{id}", s.handleGetSettlement).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/settlements/{id}/requeue", s.handleRequeue).Methods("POST")
	admin.HandleFunc("/settlements/{id}/resolve", s.handleResolve).Methods("POST")
	admin.HandleFunc("/reconciliations", s.handleReconciliations).Methods("GET")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.ServeWS)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", UserHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// Middleware
// ==============================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()

		next.ServeHTTP(rec, r.WithContext(ctx))

		s.log.Debugw("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AdminHeader)
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			respondError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userOf(r *http.Request) (string, error) {
	if u := r.Header.Get(UserHeader); u != "" {
		return u, nil
	}
	return "", errs.Validation("missing %s header", UserHeader)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.svc.Markets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Market(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, marketInfo(m))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	m, err := s.svc.Market(symbol)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	depth, err := queryInt(r, "levels")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	snap, err := s.svc.Depth(r.Context(), symbol, depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderbookSnapshot(&m, snap, time.Now().UnixMilli()))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	m, err := s.svc.Market(symbol)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	trades, err := s.svc.Trades(r.Context(), symbol, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = tradeInfo(&m, t)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req SubmitOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	m, err := s.svc.Market(req.Symbol)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, errs.Validation("%v", err))
		return
	}
	price, err := m.PriceToTicks(req.Price)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	size, err := m.SizeToLots(req.Size)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.svc.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		User: user, Market: m.Symbol, Side: side, Price: price, Size: size,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	response := SubmitOrderResponse{Order: orderInfo(&m, res.Order), Trades: make([]TradeInfo, len(res.Trades))}
	for i, t := range res.Trades {
		response.Trades[i] = tradeInfo(&m, t)
	}
	respondJSON(w, http.StatusCreated, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	o, err := s.svc.Order(r.Context(), id)
	if err == nil && o.User != user {
		err = fmt.Errorf("%w: %s", orderbook.ErrNotFound, id)
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	m, err := s.svc.Market(o.Market)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(&m, o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	res, err := s.svc.CancelOrder(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	m, err := s.svc.Market(res.Order.Market)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	status := "cancelled"
	if res.Outcome == engine.CancelNotOpen {
		status = "not_open"
	}
	respondJSON(w, http.StatusOK, CancelOrderResponse{Status: status, Order: orderInfo(&m, res.Order)})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	cancelled, err := s.svc.CancelAllForUser(r.Context(), user)
	if err != nil && len(cancelled) == 0 {
		s.respondErr(w, err)
		return
	}
	if err != nil {
		s.log.Warnw("cancel_all_partial", "user", user, "cancelled", len(cancelled), "err", err)
	}
	response := CancelAllResponse{Cancelled: make([]OrderInfo, 0, len(cancelled))}
	for _, o := range cancelled {
		m, merr := s.svc.Market(o.Market)
		if merr != nil {
			continue
		}
		response.Cancelled = append(response.Cancelled, orderInfo(&m, o))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	balances, err := s.svc.Balances(r.Context(), user)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]BalanceInfo, len(balances))
	for i, b := range balances {
		response[i] = BalanceInfo{Asset: b.Asset, Available: b.Available, Locked: b.Locked}
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.svc.RequestDeposit)
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.svc.RequestWithdrawal)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, do func(context.Context, exchange.TransferRequest) (settlement.Settlement, error)) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req TransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	st, err := do(r.Context(), exchange.TransferRequest{User: user, Asset: req.Asset, Amount: req.Amount, Address: req.Address})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, settlementInfo(st))
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	user, err := userOf(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	st, err := s.svc.GetSettlement(r.Context(), id)
	if err == nil && st.User != user {
		err = errs.NotFound("settlement %s", id)
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementInfo(st))
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.RequeueSettlement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("settlement_requeued", "id", st.ID, "kind", st.Kind, "requeues", st.Requeues)
	respondJSON(w, http.StatusOK, settlementInfo(st))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	st, err := s.svc.ResolveSettlement(r.Context(), mux.Vars(r)["id"], req.TxHash)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementInfo(st))
}

func (s *Server) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	held, err := s.svc.Reconciliations(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]SettlementInfo, 0, len(held))
	for _, st := range held {
		out = append(out, settlementInfo(st))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "markets": len(s.svc.Markets())})
}

// ==============================
// Helper Functions
// ==============================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrOverloaded), errors.Is(err, errs.ErrInvariantViolation), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrSettlementFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Errorw("api_internal_error", "err", err)
		msg = "internal error"
	}
	kind := errs.Kind(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
	}
	respondError(w, status, kind, msg)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
