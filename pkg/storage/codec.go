package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// getJSON loads key into v. found is false when the key does not exist.
func getJSON(r pebble.Reader, key []byte, v any) (found bool, err error) {
	data, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// scan calls fn for every key/value under prefix in key order. Neither slice
// may be retained after fn returns.
func scan(r pebble.Reader, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}
