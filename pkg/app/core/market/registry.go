package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/custodex/pkg/errs"
)

var ErrMarketNotFound = fmt.Errorf("market %w", errs.ErrNotFound)

// Registry manages multiple markets in a thread-safe manner
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a new market to the registry
// Returns error if market with same symbol already exists
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market %s: %w", m.Symbol, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	r.markets[m.Symbol] = m
	return nil
}

// Get returns a copy of the market so callers never race status updates.
func (r *Registry) Get(symbol string) (Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return *m, nil
}

// List returns all registered markets sorted by symbol
func (r *Registry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets
}

// SetStatus changes the trading status of a market. Closed is terminal.
func (r *Registry) SetStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	if m.Status == Closed {
		return fmt.Errorf("cannot change status of closed market %s", symbol)
	}
	m.Status = status
	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
