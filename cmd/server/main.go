package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	audithandler "chenu/internal/audit/handler"
	auditkafka "chenu/internal/audit/publisher/kafka"
	auditservice "chenu/internal/audit/service"
	auditmemory "chenu/internal/audit/store/memory"
	auditpostgres "chenu/internal/audit/store/postgres"
	budgethandler "chenu/internal/budget/handler"
	budgetmodels "chenu/internal/budget/models"
	budgetservice "chenu/internal/budget/service"
	budgetmemory "chenu/internal/budget/store/memory"
	budgetpostgres "chenu/internal/budget/store/postgres"
	budgetredis "chenu/internal/budget/store/redis"
	cphandler "chenu/internal/checkpoint/handler"
	cpservice "chenu/internal/checkpoint/service"
	cpmemory "chenu/internal/checkpoint/store/memory"
	cppostgres "chenu/internal/checkpoint/store/postgres"
	"chenu/internal/checkpoint/worker"
	govhandler "chenu/internal/governance/handler"
	"chenu/internal/governance/policy"
	govservice "chenu/internal/governance/service"
	jwttoken "chenu/internal/jwt_token"
	"chenu/internal/notify"
	wsnotify "chenu/internal/notify/websocket"
	"chenu/internal/platform/config"
	"chenu/internal/platform/httpserver"
	"chenu/internal/platform/kafka"
	"chenu/internal/platform/logger"
	"chenu/internal/platform/metrics"
	"chenu/internal/platform/postgres"
	"chenu/internal/platform/redis"
	ratelimitmw "chenu/internal/ratelimit/middleware"
	ratelimitmodels "chenu/internal/ratelimit/models"
	"chenu/internal/ratelimit/service/requestlimit"
	"chenu/internal/ratelimit/store/bucket"
	httptransport "chenu/internal/transport/http"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal service packages.
func main() {
	if err := run(); err != nil {
		slog.Error("chenu exited", "error", err)
		os.Exit(1)
	}
}

// backends holds the optional infrastructure clients. Nil means disabled.
type backends struct {
	db    *sql.DB
	redis *redis.Client
	kafka *kgo.Client
}

func (b *backends) close() {
	if b.kafka != nil {
		b.kafka.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.Environment)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if be.redis != nil {
		if err := be.redis.RegisterPoolMetrics(reg); err != nil {
			return err
		}
	}

	auditLog, err := newAuditLog(ctx, cfg, be, log, m)
	if err != nil {
		return err
	}

	budgetOpts := []budgetservice.Option{
		budgetservice.WithAuditor(auditLog),
		budgetservice.WithLogger(log),
		budgetservice.WithMetrics(m),
	}
	if cfg.Governance.DefaultBudget > 0 {
		period, err := budgetmodels.ParsePeriod(cfg.Governance.DefaultBudgetPeriod)
		if err != nil {
			return fmt.Errorf("DEFAULT_BUDGET_PERIOD: %w", err)
		}
		budgetOpts = append(budgetOpts, budgetservice.WithDefaultBudget(cfg.Governance.DefaultBudget, period))
	}
	budgets, err := budgetservice.New(newBudgetStore(be), budgetOpts...)
	if err != nil {
		return err
	}

	fanout := notify.New(notify.WithLogger(log), notify.WithMetrics(m))

	var cpStore cpservice.Store = cpmemory.New()
	if be.db != nil {
		cpStore = cppostgres.New(be.db)
	}
	queue, err := cpservice.New(cpStore,
		cpservice.WithAuditor(auditLog),
		cpservice.WithLogger(log),
		cpservice.WithNotifier(fanout),
		cpservice.WithMetrics(m),
		cpservice.WithTTL(cfg.Governance.CheckpointTTL),
	)
	if err != nil {
		return err
	}

	policies, err := policy.Load(cfg.Governance.PolicyPath)
	if err != nil {
		return fmt.Errorf("load governance policy: %w", err)
	}
	gate, err := govservice.New(policies, budgets, queue,
		govservice.WithAuditor(auditLog),
		govservice.WithLogger(log),
		govservice.WithNotifier(fanout),
		govservice.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	queue.SetResolver(gate)
	log.Info("governance policy loaded",
		"version", policies.Version(),
		"digest", policies.Digest(),
		"policies", policies.Len(),
	)

	sweeper, err := worker.New(queue,
		worker.WithInterval(cfg.Governance.SweepInterval),
		worker.WithLogger(log),
		worker.WithPeriodResetter(budgets),
	)
	if err != nil {
		return err
	}

	rateLimit, err := newRateLimit(cfg, be, log, m)
	if err != nil {
		return err
	}

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	budgetRoutes := budgethandler.New(budgets, log)
	auditRoutes := audithandler.New(auditLog, log)
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:       log,
		Validator:    jwttoken.NewJWTServiceAdapter(jwtService),
		AdminToken:   cfg.Server.AdminToken,
		Gatherer:     reg,
		HealthChecks: be.healthChecks(),
		RateLimit:    rateLimit.ByMethod(),
		Routes: []httptransport.Registrar{
			govhandler.New(gate, log),
			cphandler.New(queue, log),
			budgetRoutes,
			auditRoutes,
		},
		AdminRoutes: []httptransport.AdminRegistrar{budgetRoutes, auditRoutes},
		Notifications: wsnotify.NewHandler(fanout,
			wsnotify.WithOriginPatterns(cfg.Server.WSAllowedOrigins...),
			wsnotify.WithLogger(log),
		),
	})
	srv := httpserver.New(cfg.Server.Addr, router)
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting chenu", "addr", ln.Addr().String(), "env", cfg.Server.Environment)
		return httpserver.Serve(gctx, srv, ln, cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	runErr := g.Wait()

	// In-flight requests have drained, so every audit entry is queued.
	if be.kafka != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := be.kafka.Flush(flushCtx); err != nil {
			log.Warn("failed to flush audit mirror", "error", err)
		}
	}
	return runErr
}

func connect(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	be := &backends{}

	db, err := postgres.Open(ctx, postgres.Config{
		URL:             cfg.Postgres.URL,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if db != nil {
		be.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			be.close()
			return nil, err
		}
		log.Info("postgres connected")
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		be.close()
		return nil, err
	}
	if rdb != nil {
		be.redis = rdb
		log.Info("redis connected")
	}

	kc, err := kafka.NewClient(ctx, kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: "chenu",
		Topic:    cfg.Kafka.AuditTopic,
	})
	if err != nil {
		be.close()
		return nil, err
	}
	if kc != nil {
		be.kafka = kc
		if err := kafka.EnsureTopic(ctx, kc, cfg.Kafka.AuditTopic, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
			be.close()
			return nil, err
		}
		log.Info("kafka connected", "audit_topic", cfg.Kafka.AuditTopic)
	}
	return be, nil
}

func (b *backends) healthChecks() map[string]httptransport.HealthCheck {
	checks := map[string]httptransport.HealthCheck{}
	if b.db != nil {
		checks["postgres"] = b.db.PingContext
	}
	if b.redis != nil {
		checks["redis"] = b.redis.Health
	}
	if b.kafka != nil {
		checks["kafka"] = b.kafka.Ping
	}
	return checks
}

func newAuditLog(ctx context.Context, cfg config.Config, be *backends, log *slog.Logger, m *metrics.Metrics) (*auditservice.Log, error) {
	var store auditservice.Store = auditmemory.NewInMemoryStore()
	if be.db != nil {
		store = auditpostgres.New(be.db)
	}
	opts := []auditservice.Option{
		auditservice.WithLogger(log),
		auditservice.WithMetrics(m),
	}
	if be.kafka != nil {
		opts = append(opts, auditservice.WithMirror(auditkafka.NewPublisher(be.kafka, cfg.Kafka.AuditTopic, log)))
	}
	return auditservice.New(ctx, store, opts...)
}

// newBudgetStore prefers Redis, then Postgres, then process memory.
func newBudgetStore(be *backends) budgetservice.Store {
	switch {
	case be.redis != nil:
		return budgetredis.New(be.redis.Client)
	case be.db != nil:
		return budgetpostgres.New(be.db)
	default:
		return budgetmemory.New()
	}
}

// newRateLimit keys buckets in Redis when available. The in-memory limiter
// doubles as the fallback while Redis is failing.
func newRateLimit(cfg config.Config, be *backends, log *slog.Logger, m *metrics.Metrics) (*ratelimitmw.Middleware, error) {
	limits := []requestlimit.Option{
		requestlimit.WithLimit(ratelimitmodels.ClassRead, ratelimitmodels.Limit{
			Requests: cfg.RateLimit.ReadRequests,
			Window:   cfg.RateLimit.Window,
		}),
		requestlimit.WithLimit(ratelimitmodels.ClassWrite, ratelimitmodels.Limit{
			Requests: cfg.RateLimit.WriteRequests,
			Window:   cfg.RateLimit.Window,
		}),
		requestlimit.WithLogger(log),
		requestlimit.WithMetrics(m),
	}
	local, err := requestlimit.New(bucket.NewInMemoryBucketStore(), limits...)
	if err != nil {
		return nil, err
	}
	if be.redis == nil {
		return ratelimitmw.New(local, log, ratelimitmw.WithDisabled(cfg.RateLimit.Disabled)), nil
	}
	shared, err := requestlimit.New(bucket.NewRedis(be.redis.Client), limits...)
	if err != nil {
		return nil, err
	}
	return ratelimitmw.New(shared, log,
		ratelimitmw.WithDisabled(cfg.RateLimit.Disabled),
		ratelimitmw.WithFallback(local),
	), nil
}
