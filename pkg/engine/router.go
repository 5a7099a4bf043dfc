package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// OverloadPolicy decides what Route does when a mailbox is full.
type OverloadPolicy int8

const (
	Block  OverloadPolicy = iota // wait for room (backpressure on the caller)
	Reject                       // fail fast with ErrOverloaded
)

func (p OverloadPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "block"
}

func ParseOverloadPolicy(v string) (OverloadPolicy, error) {
	switch strings.ToLower(v) {
	case "", "block":
		return Block, nil
	case "reject", "fail_fast":
		return Reject, nil
	}
	return Block, fmt.Errorf("unknown overload policy %q", v)
}

// Router maps a market symbol to its engine's mailbox. It never touches
// book state; each mailbox saturates independently.
type Router struct {
	mu      sync.RWMutex
	engines map[string]*MarketEngine
	policy  OverloadPolicy
}

func NewRouter(policy OverloadPolicy) *Router {
	return &Router{
		engines: make(map[string]*MarketEngine),
		policy:  policy,
	}
}

func (r *Router) Register(e *MarketEngine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[e.Market()]; exists {
		return fmt.Errorf("engine for market %s already registered", e.Market())
	}
	r.engines[e.Market()] = e
	return nil
}

func (r *Router) Engine(market string) (*MarketEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[market]
	return e, ok
}

// Route enqueues req for market using the configured overload policy.
func (r *Router) Route(ctx context.Context, market string, req *Request) error {
	return r.RouteWith(ctx, market, req, r.policy)
}

func (r *Router) RouteWith(ctx context.Context, market string, req *Request, policy OverloadPolicy) error {
	e, ok := r.Engine(market)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return e.Enqueue(ctx, req, policy)
}

// Submit routes req and waits for the engine's answer.
func (r *Router) Submit(ctx context.Context, market string, req *Request) (Response, error) {
	if err := r.Route(ctx, market, req); err != nil {
		return Response{}, err
	}
	return req.Wait(ctx)
}

func (r *Router) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for m := range r.engines {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// StartAll starts every registered engine.
func (r *Router) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		e.Start(ctx)
	}
}

// StopAll stops every engine concurrently and waits for all drains.
func (r *Router) StopAll() {
	r.mu.RLock()
	engines := make([]*MarketEngine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Stop()
		}()
	}
	wg.Wait()
}
