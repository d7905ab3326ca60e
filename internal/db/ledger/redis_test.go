package ledgerdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordersaga/internal/saga"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestRedisLedger_SaveThenExists(t *testing.T) {
	srv, client := newTestRedis(t)
	ledger := NewRedisLedger(client, saga.SourceInventory, 0)
	ctx := context.Background()

	exists, err := ledger.Exists(ctx, testKey)
	if err != nil || exists {
		t.Fatalf("expected absent key, got %v %v", exists, err)
	}
	if err := ledger.Save(ctx, testKey); err != nil {
		t.Fatalf("Save: %v", err)
	}
	exists, err = ledger.Exists(ctx, testKey)
	if err != nil || !exists {
		t.Fatalf("expected present key, got %v %v", exists, err)
	}
	if !srv.Exists("ledger:INVENTORY_SERVICE:order-1:1700000000000_tx") {
		t.Fatalf("unexpected key layout: %v", srv.Keys())
	}
}

func TestRedisLedger_SaveDuplicate(t *testing.T) {
	_, client := newTestRedis(t)
	ledger := NewRedisLedger(client, saga.SourcePayment, 0)

	if err := ledger.Save(context.Background(), testKey); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := ledger.Save(context.Background(), testKey); !errors.Is(err, saga.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestRedisLedger_ParticipantsAreIsolated(t *testing.T) {
	_, client := newTestRedis(t)
	inventory := NewRedisLedger(client, saga.SourceInventory, 0)
	payment := NewRedisLedger(client, saga.SourcePayment, 0)

	if err := inventory.Save(context.Background(), testKey); err != nil {
		t.Fatalf("Save: %v", err)
	}
	exists, err := payment.Exists(context.Background(), testKey)
	if err != nil || exists {
		t.Fatalf("expected payment ledger to be independent, got %v %v", exists, err)
	}
}

func TestRedisLedger_TTL(t *testing.T) {
	srv, client := newTestRedis(t)
	ledger := NewRedisLedger(client, saga.SourceInventory, time.Minute)

	if err := ledger.Save(context.Background(), testKey); err != nil {
		t.Fatalf("Save: %v", err)
	}
	srv.FastForward(2 * time.Minute)

	exists, err := ledger.Exists(context.Background(), testKey)
	if err != nil || exists {
		t.Fatalf("expected key to expire, got %v %v", exists, err)
	}
}

func TestRedisLedger_Unavailable(t *testing.T) {
	srv, client := newTestRedis(t)
	ledger := NewRedisLedger(client, saga.SourceInventory, 0)
	srv.Close()

	if _, err := ledger.Exists(context.Background(), testKey); !errors.Is(err, saga.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
