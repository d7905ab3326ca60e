package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersaga/cmd/server/config"
	httpapi "ordersaga/internal/adapters/http"
	"ordersaga/internal/broker"
	"ordersaga/internal/observability"
	"ordersaga/internal/orchestrator"
	"ordersaga/internal/participant"
	"ordersaga/internal/realtime"
	"ordersaga/internal/saga"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	shutdownTimeout = 5 * time.Second
	traceQueue      = 256
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("server error")
	}
}

func run(ctx context.Context) error {
	app, err := config.LoadApp()
	if err != nil {
		return err
	}
	log, err := newLogger(app)
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	partCfg, err := config.LoadParticipant()
	if err != nil {
		return err
	}
	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	st, cleanupStores, err := buildStores(ctx, app, redisCfg, log)
	if err != nil {
		return err
	}
	defer cleanupStores()

	tr, cleanupTransport, err := buildTransport(ctx, app.Role, kafkaCfg, relCfg, metrics, log)
	if err != nil {
		return err
	}
	defer cleanupTransport()

	hub := realtime.NewHub(traceQueue, log)
	hub.OnDrop = metrics.AddTraceDropped
	components, orders, err := buildComponents(app.Role, partCfg, st, tr, metrics, hub, log)
	if err != nil {
		return err
	}

	extra := map[string]http.Handler{"/ws": hub}
	if obsCfg.Addr == "" {
		extra["/metrics"] = observability.Handler(metrics)
	}
	var api *httpapi.Handler
	if orders != nil {
		api = httpapi.NewHandler(orders, log)
	}
	httpSrv := &http.Server{
		Addr:              app.HTTPAddr,
		Handler:           httpapi.NewRouter(api, extra),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var obsSrv *http.Server
	if obsCfg.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler(metrics))
		obsSrv = &http.Server{Addr: obsCfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	lis, err := net.Listen("tcp", app.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv, healthSrv := newGRPCServer(app, components, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	for _, c := range components {
		c := c
		g.Go(func() error {
			log.WithField("component", c.name).Info("component started")
			if err := c.run(gctx); err != nil {
				log.WithError(err).WithField("component", c.name).Error("component stopped")
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		log.WithField("addr", app.HTTPAddr).Info("HTTP server listening")
		return serveHTTP(httpSrv)
	})
	if obsSrv != nil {
		g.Go(func() error {
			log.WithField("addr", obsCfg.Addr).Info("metrics server listening")
			return serveHTTP(obsSrv)
		})
	}
	g.Go(func() error {
		log.WithField("addr", app.GRPCAddr).Info("gRPC health server listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpcpkg.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		metrics.MarkShutdown()
		setServing(healthSrv, components, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcSrv.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP shutdown")
		}
		if obsSrv != nil {
			_ = obsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(app config.AppConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(app.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	if app.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func newGRPCServer(app config.AppConfig, components []component, log logrus.FieldLogger) (*grpcpkg.Server, *health.Server) {
	server := grpcpkg.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	setServing(healthSrv, components, healthpb.HealthCheckResponse_SERVING)

	if app.Env != "production" {
		reflection.Register(server)
		log.WithField("env", app.Env).Info("gRPC reflection enabled")
	}
	return server, healthSrv
}

// setServing reports status for the whole process and for each component
// under "ordersaga.<component>".
func setServing(srv *health.Server, components []component, status healthpb.HealthCheckResponse_ServingStatus) {
	srv.SetServingStatus("", status)
	for _, c := range components {
		srv.SetServingStatus("ordersaga."+c.name, status)
	}
}

// transport is the broker pair a process publishes and consumes with.
type transport struct {
	publisher  broker.Publisher
	subscriber func(component string) broker.Subscriber
}

// buildTransport selects Kafka when brokers are configured. Without Kafka
// every component must share the process, so only the "all" role is allowed.
func buildTransport(ctx context.Context, role config.Role, cfg config.KafkaConfig, rel config.ReliabilityConfig, metrics *observability.Metrics, log logrus.FieldLogger) (transport, func(), error) {
	if !cfg.Enabled() {
		if role != config.RoleAll {
			return transport{}, nil, errors.New("KAFKA_BROKERS is required unless SAGA_ROLE=all")
		}
		log.Warn("KAFKA_BROKERS not set, using in-process bus")
		bus := broker.NewBus(log)
		return transport{
			publisher:  bus,
			subscriber: func(string) broker.Subscriber { return bus },
		}, func() {}, nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	if err := broker.EnsureTopics(setupCtx, cfg.Brokers, cfg.Partitions, cfg.Replication, saga.Topics()...); err != nil {
		return transport{}, nil, err
	}

	base := broker.NewKafkaPublisher(cfg.Brokers)
	publisher := broker.NewReliablePublisher(
		base,
		broker.NewRateLimiter(rel.RateLimitInterval, rel.RateLimitBurst),
		broker.NewCircuitBreaker(broker.CircuitBreakerConfig{
			MaxFailures:  rel.BreakerFailures,
			ResetTimeout: rel.BreakerReset,
		}),
		broker.RetryPolicy{
			MaxAttempts: rel.RetryAttempts,
			BaseDelay:   rel.RetryBaseDelay,
			MaxDelay:    rel.RetryMaxDelay,
		},
	)
	publisher.OnWait = metrics.AddPublishWait

	cleanup := func() {
		if err := base.Close(); err != nil {
			log.WithError(err).Error("close kafka writer")
		}
	}
	return transport{
		publisher: publisher,
		subscriber: func(component string) broker.Subscriber {
			return broker.NewKafkaSubscriber(cfg.Brokers, cfg.GroupID+"-"+component, cfg.Concurrency, log)
		},
	}, cleanup, nil
}

type component struct {
	name string
	run  func(ctx context.Context) error
}

// buildComponents assembles the saga components role asks for. The order
// service is returned separately because it also backs the HTTP API.
func buildComponents(role config.Role, cfg config.ParticipantConfig, st *stores, tr transport, metrics *observability.Metrics, traces orchestrator.Broadcaster, log logrus.FieldLogger) ([]component, *participant.OrderService, error) {
	var (
		components []component
		orders     *participant.OrderService
	)

	if role.Runs(config.RoleOrder) {
		orders = participant.NewOrderService(st.events, tr.publisher, log.WithField("component", config.RoleOrder))
		sub := tr.subscriber(string(config.RoleOrder))
		components = append(components, component{
			name: string(config.RoleOrder),
			run:  func(ctx context.Context) error { return orders.Run(ctx, sub) },
		})
	}

	if role.Runs(config.RoleOrchestrator) {
		router, err := saga.NewRouter(saga.DefaultRules())
		if err != nil {
			return nil, nil, err
		}
		orch := orchestrator.New(router, tr.publisher,
			orchestrator.WithLogger(log.WithField("component", config.RoleOrchestrator)),
			orchestrator.WithMetrics(metrics),
			orchestrator.WithTraces(traces),
		)
		sub := tr.subscriber(string(config.RoleOrchestrator))
		components = append(components, component{
			name: string(config.RoleOrchestrator),
			run:  func(ctx context.Context) error { return orch.Run(ctx, sub) },
		})
	}

	steps := []struct {
		role   config.Role
		action participant.Action
	}{
		{config.RoleProductValidation, participant.NewProductValidation(st.catalog, st.validations)},
		{config.RoleInventory, participant.NewInventory(st.inventory)},
		{config.RolePayment, participant.NewPaymentStep(st.payments)},
	}
	for _, step := range steps {
		if !role.Runs(step.role) {
			continue
		}
		stepLog := log.WithField("component", step.role)
		runner := participant.NewRunner(step.action, st.ledger(step.action.Source()),
			participant.WithTimeout(cfg.StepTimeout),
			participant.WithLogger(stepLog),
			participant.WithMetrics(metrics),
		)
		svc, err := participant.NewService(runner, tr.publisher, stepLog)
		if err != nil {
			return nil, nil, err
		}
		sub := tr.subscriber(string(step.role))
		components = append(components, component{
			name: string(step.role),
			run:  func(ctx context.Context) error { return svc.Run(ctx, sub) },
		})
	}

	return components, orders, nil
}
