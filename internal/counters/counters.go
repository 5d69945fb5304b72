// Package counters is the shared metric counter set: Redis hashes mutated
// only through HINCRBY, so increments are atomic at the store and no
// read-modify-write race exists across workers and tracking handlers.
package counters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	metricsKey      = "email:metrics"
	clicksByCountry = "email:clicks:country"
	clicksByURL     = "email:clicks:url"
)

// Metric field names within the email:metrics hash.
const (
	Sent      = "sent"
	Delivered = "delivered"
	Opened    = "opened"
	Clicked   = "clicked"
	Failed    = "failed"
)

type Store struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Incr(ctx context.Context, field string, delta int64) error {
	return s.rdb.HIncrBy(ctx, metricsKey, field, delta).Err()
}

func (s *Store) IncrCountry(ctx context.Context, country string) error {
	return s.rdb.HIncrBy(ctx, clicksByCountry, country, 1).Err()
}

func (s *Store) IncrURL(ctx context.Context, urlHash string) error {
	return s.rdb.HIncrBy(ctx, clicksByURL, urlHash, 1).Err()
}

// Snapshot returns the current counter set. Every known field is present in
// the result, zero when never incremented.
func (s *Store) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, err
	}

	snapshot := map[string]int64{
		Sent:      0,
		Delivered: 0,
		Opened:    0,
		Clicked:   0,
		Failed:    0,
	}
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		snapshot[field] = n
	}

	return snapshot, nil
}

// URLHash returns a short, stable digest of a decoded click URL, used only
// as a low-cardinality grouping key for the per-URL click counter.
func URLHash(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}
