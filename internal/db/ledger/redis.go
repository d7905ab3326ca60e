package ledgerdb

import (
	"context"
	"fmt"
	"time"

	"ordersaga/internal/saga"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisLedger.
type RedisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisLedger records processed keys with SETNX. A positive ttl bounds how
// long a key is remembered; it must outlive any redelivery window.
type RedisLedger struct {
	client      RedisClient
	participant saga.Source
	keyPrefix   string
	ttl         time.Duration
}

func NewRedisLedger(client RedisClient, participant saga.Source, ttl time.Duration) *RedisLedger {
	return &RedisLedger{
		client:      client,
		participant: participant,
		keyPrefix:   "ledger:",
		ttl:         ttl,
	}
}

func (l *RedisLedger) key(key saga.Key) string {
	return l.keyPrefix + string(l.participant) + ":" + key.OrderID + ":" + key.TransactionID
}

func (l *RedisLedger) Exists(ctx context.Context, key saga.Key) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Save(ctx context.Context, key saga.Key) error {
	ok, err := l.client.SetNX(ctx, l.key(key), time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", saga.ErrDuplicateTransaction, l.participant, key)
	}
	return nil
}
