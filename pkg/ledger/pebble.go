package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key schema:
//
//	bal:<len(user)>:<user>:<asset> → Balance
//	ref:<ref>                      → unix nanos the reference was applied
//
// The user length keeps ids containing ':' from sharing a prefix.
const (
	prefixBalance = "bal:"
	prefixRef     = "ref:"
)

func balanceKey(user, asset string) []byte {
	return append(balancePrefix(user), asset...)
}

func balancePrefix(user string) []byte {
	return []byte(prefixBalance + strconv.Itoa(len(user)) + ":" + user + ":")
}

func refKey(ref string) []byte {
	return []byte(prefixRef + ref)
}

// PebbleLedger serializes mutations with a mutex and commits each one,
// balance rows and reference marker together, as a single synced batch.
type PebbleLedger struct {
	mu  sync.Mutex
	db  *pebble.DB
	now func() time.Time
}

func OpenPebble(path string) (*PebbleLedger, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		BytesPerSync: 512 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger db at %s: %w", path, err)
	}
	return &PebbleLedger{db: db, now: time.Now}, nil
}

func (l *PebbleLedger) Close() error {
	return l.db.Close()
}

func (l *PebbleLedger) load(user, asset string) (Balance, error) {
	b := Balance{User: user, Asset: asset}
	data, closer, err := l.db.Get(balanceKey(user, asset))
	if err == pebble.ErrNotFound {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("failed to get balance: %w", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	return b, nil
}

func (l *PebbleLedger) Balance(ctx context.Context, user, asset string) (Balance, error) {
	return l.load(user, asset)
}

func (l *PebbleLedger) Balances(ctx context.Context, user string) ([]Balance, error) {
	prefix := balancePrefix(user)
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Balance
	for iter.First(); iter.Valid(); iter.Next() {
		var b Balance
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balance %s: %w", iter.Key(), err)
		}
		if b.User != user {
			continue
		}
		out = append(out, b)
	}
	return out, iter.Error()
}

func (l *PebbleLedger) Credit(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ref, creditPostings(user, asset, amount))
}

func (l *PebbleLedger) Lock(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ref, lockPostings(user, asset, amount))
}

func (l *PebbleLedger) Unlock(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ref, unlockPostings(user, asset, amount))
}

func (l *PebbleLedger) DebitLocked(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ref, debitPostings(user, asset, amount))
}

func (l *PebbleLedger) SettleTrade(ctx context.Context, t TradeSettlement) error {
	ps, err := t.Postings()
	if err != nil {
		return err
	}
	return l.apply("trade:"+t.Ref, ps)
}

func (l *PebbleLedger) apply(ref string, postings []Posting) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, closer, err := l.db.Get(refKey(ref)); err == nil {
		closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("failed to check ref %s: %w", ref, err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	for _, p := range postings {
		cur, err := l.load(p.User, p.Asset)
		if err != nil {
			return err
		}
		if cur.Available+p.Available < 0 || cur.Locked+p.Locked < 0 {
			return insufficient(p, cur)
		}
		cur.Available += p.Available
		cur.Locked += p.Locked

		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("failed to marshal balance: %w", err)
		}
		if err := batch.Set(balanceKey(p.User, p.Asset), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(refKey(ref), []byte(strconv.FormatInt(l.now().UnixNano(), 10)), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit ledger batch %s: %w", ref, err)
	}
	return nil
}
