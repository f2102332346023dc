package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisTTL is how long stored events are kept.
	DefaultRedisTTL = 7 * 24 * time.Hour

	// DefaultRedisMaxPerKey caps each list.
	DefaultRedisMaxPerKey = 1000

	redisKeyPrefix = "ddk:relay:"
	redisAllKey    = redisKeyPrefix + "all"
)

// RedisStore is an EventStore backed by redis lists. Every event is pushed to
// a list per p-tagged recipient and to a global list, each capped and
// expiring, so queries for a recipient only read that recipient's list.
type RedisStore struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxPerKey int64
}

// A compile-time check to ensure RedisStore implements EventStore.
var _ EventStore = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, ttl time.Duration,
	maxPerKey int64) *RedisStore {

	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if maxPerKey <= 0 {
		maxPerKey = DefaultRedisMaxPerKey
	}

	return &RedisStore{
		rdb:       rdb,
		ttl:       ttl,
		maxPerKey: maxPerKey,
	}
}

func recipientKey(pubkey string) string {
	return redisKeyPrefix + "to:" + pubkey
}

func seenKey(id string) string {
	return redisKeyPrefix + "seen:" + id
}

// Save pushes ev to its lists in one transaction.
func (r *RedisStore) Save(ctx context.Context, ev *envelope.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// SETNX guards against storing a re-published event twice.
	fresh, err := r.rdb.SetNX(ctx, seenKey(ev.ID), 1, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("unable to mark event %s: %w", ev.ID, err)
	}
	if !fresh {
		return nil
	}

	keys := []string{redisAllKey}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			keys = append(keys, recipientKey(tag[1]))
		}
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.RPush(ctx, key, data)
			pipe.LTrim(ctx, key, -r.maxPerKey, -1)
			pipe.Expire(ctx, key, r.ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to store event %s: %w", ev.ID, err)
	}

	return nil
}

// Query reads the recipient lists named by the filter, or the global list
// when the filter names none, and applies the rest of the filter.
func (r *RedisStore) Query(ctx context.Context,
	filter transport.Filter) ([]*envelope.Event, error) {

	keys := []string{redisAllKey}
	if len(filter.Recipients) > 0 {
		keys = keys[:0]
		for _, p := range filter.Recipients {
			keys = append(keys, recipientKey(p))
		}
	}

	var (
		events []*envelope.Event
		seen   = make(map[string]struct{})
	)
	for _, key := range keys {
		vals, err := r.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("unable to read %s: %w", key, err)
		}

		for _, v := range vals {
			var ev envelope.Event
			if err := json.Unmarshal([]byte(v), &ev); err != nil {
				log.Warnf("Skipping corrupt event in %s: %v",
					key, err)
				continue
			}
			if _, ok := seen[ev.ID]; ok || !filter.Matches(&ev) {
				continue
			}
			seen[ev.ID] = struct{}{}
			events = append(events, &ev)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})

	return events, nil
}
