package main

import (
	"context"
	"database/sql"
	"time"

	"ordersaga/cmd/server/config"
	ledgerdb "ordersaga/internal/db/ledger"
	storesdb "ordersaga/internal/db/stores"
	"ordersaga/internal/participant"
	"ordersaga/internal/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const setupTimeout = 5 * time.Second

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

var openRedis = func(opts *redis.Options) *redis.Client {
	return redis.NewClient(opts)
}

// stores bundles the persistence each role draws from.
type stores struct {
	catalog     participant.ProductCatalog
	validations participant.ValidationStore
	inventory   participant.InventoryStore
	payments    participant.PaymentStore
	events      participant.EventStore
	ledger      func(source saga.Source) participant.Ledger
}

// buildStores picks Postgres when DATABASE_URL is set and in-memory stores
// otherwise. A configured Redis takes over the idempotency ledgers.
func buildStores(ctx context.Context, app config.AppConfig, redisCfg config.RedisConfig, log logrus.FieldLogger) (*stores, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var (
		out *stores
		err error
	)
	if app.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory stores")
		out = buildMemoryStores(app.Seed)
	} else {
		var db *sql.DB
		db, err = openDB("pgx", app.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Error("close saga db")
			}
		})
		out, err = buildPostgresStores(ctx, db, app.Seed)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	if redisCfg.Enabled() {
		client, err := buildRedisClient(ctx, redisCfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				log.WithError(err).Error("close redis")
			}
		})
		out.ledger = func(source saga.Source) participant.Ledger {
			return ledgerdb.NewRedisLedger(client, source, redisCfg.LedgerTTL)
		}
	}

	return out, cleanup, nil
}

func buildMemoryStores(seed []config.SeedProduct) *stores {
	catalog := participant.NewMemoryCatalog()
	stock := make(map[string]int, len(seed))
	for _, p := range seed {
		catalog.Add(p.Code)
		stock[p.Code] = p.Stock
	}
	return &stores{
		catalog:     catalog,
		validations: participant.NewMemoryValidations(),
		inventory:   participant.NewMemoryInventory(stock),
		payments:    participant.NewMemoryPayments(),
		events:      participant.NewMemoryEventStore(),
		ledger: func(saga.Source) participant.Ledger {
			return participant.NewMemoryLedger()
		},
	}
}

func buildPostgresStores(ctx context.Context, db *sql.DB, seed []config.SeedProduct) (*stores, error) {
	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	catalog, err := storesdb.NewPostgresProductCatalogWithSchema(setupCtx, db)
	if err != nil {
		return nil, err
	}
	inventory, err := storesdb.NewPostgresInventoryWithSchema(setupCtx, db)
	if err != nil {
		return nil, err
	}
	payments, err := storesdb.NewPostgresPaymentsWithSchema(setupCtx, db)
	if err != nil {
		return nil, err
	}
	validations, err := storesdb.NewPostgresValidationsWithSchema(setupCtx, db)
	if err != nil {
		return nil, err
	}
	events, err := storesdb.NewPostgresEventStoreWithSchema(setupCtx, db)
	if err != nil {
		return nil, err
	}
	for _, p := range seed {
		if err := catalog.Add(setupCtx, p.Code); err != nil {
			return nil, err
		}
		if err := inventory.SetStock(setupCtx, p.Code, p.Stock); err != nil {
			return nil, err
		}
	}
	// Every participant shares one ledger table; create it once here.
	if err := ledgerdb.NewPostgresLedger(db, saga.SourceOrder).InitSchema(setupCtx); err != nil {
		return nil, err
	}

	return &stores{
		catalog:     catalog,
		validations: validations,
		inventory:   inventory,
		payments:    payments,
		events:      events,
		ledger: func(source saga.Source) participant.Ledger {
			return ledgerdb.NewPostgresLedger(db, source)
		},
	}, nil
}

func buildRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := openRedis(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
