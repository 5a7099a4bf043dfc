// Package storage is the Pebble-backed persistence of orders, trades and
// settlements.
package storage

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists orders, trades and settlements. Settlement
// read-modify-write paths are serialized by mu so concurrent workers can
// claim rows safely within one process. Order records belong to one market
// each and are serialized per market, so markets commit independently.
// Pebble holds an exclusive lock on its directory, so there is never a
// second process on the same data.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex

	markets sync.Map // market -> *sync.Mutex
}

// lockMarket takes the order lock of market and returns its unlock.
func (s *PebbleStore) lockMarket(market string) func() {
	v, _ := s.markets.LoadOrStore(market, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Open opens (or creates) a Pebble database at path
func Open(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:                64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
