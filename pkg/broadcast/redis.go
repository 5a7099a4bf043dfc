package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/errs"
)

// DepthCache keeps the latest depth snapshot of each market in Redis under
// "depth:<market>". Entries expire when a market stops publishing.
type DepthCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewDepthCache(rdb redis.UniversalClient, ttl time.Duration) *DepthCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DepthCache{rdb: rdb, ttl: ttl}
}

func DepthKey(market string) string { return ChannelDepth + ":" + market }

// OnEvents stores only the last depth snapshot of the batch.
func (d *DepthCache) OnEvents(ctx context.Context, market string, events []engine.Event) error {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != engine.EventDepth || events[i].Depth == nil {
			continue
		}
		data, err := json.Marshal(events[i].Depth)
		if err != nil {
			return err
		}
		if err := d.rdb.Set(ctx, DepthKey(market), data, d.ttl).Err(); err != nil {
			return fmt.Errorf("cache depth %s: %w", market, err)
		}
		return nil
	}
	return nil
}

func (d *DepthCache) Depth(ctx context.Context, market string) (engine.Snapshot, error) {
	var snap engine.Snapshot
	data, err := d.rdb.Get(ctx, DepthKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, errs.NotFound("cached depth for %s", market)
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode depth %s: %w", market, err)
	}
	return snap, nil
}
