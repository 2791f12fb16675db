// Package app assembles the gateway's components from configuration. The API
// server, the standalone worker and the seed command share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"wagateway/internal/config"
	"wagateway/internal/gateway"
	"wagateway/internal/handler"
	"wagateway/internal/infrastructure/cache"
	"wagateway/internal/infrastructure/database"
	"wagateway/internal/job"
	"wagateway/internal/metrics"
	"wagateway/internal/queue"
	"wagateway/internal/repository"
	"wagateway/internal/service"
	"wagateway/internal/worker"
	"wagateway/pkg/logger"
)

type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *redis.Client
	Queue    queue.Queue
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Gateway  *gateway.Client

	Tenants     *repository.TenantRepository
	Users       *repository.UserRepository
	Credentials *repository.CredentialRepository
	Messages    *repository.MessageRepository
	Outbox      *repository.OutboxRepository

	Services handler.Services

	logger zerolog.Logger
}

// New connects to the database, Redis and the queue broker. consume is false
// for processes that only publish jobs. Redis is optional unless the queue
// driver needs it; without it idempotency falls back to the unique index.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, consume bool) (*App, error) {
	gin.SetMode(cfg.Server.Mode)

	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, logger: log}

	rdb, err := cache.NewRedis(ctx, &cfg.Redis)
	switch {
	case err == nil:
		a.Redis = rdb
	case cfg.Queue.Driver == "redis":
		a.Close()
		return nil, err
	default:
		log.Warn().Err(err).Msg("redis unavailable, idempotency lock disabled")
	}

	var qClient redis.UniversalClient
	if a.Redis != nil {
		qClient = a.Redis
	}
	if a.Queue, err = queue.Open(cfg, qClient, consume, log); err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Gateway = gateway.NewClient(cfg.Exotel.DefaultRegion, cfg.Exotel.Timeout,
		gateway.WithLogger(logger.Component(log, "ExotelClient")))

	a.Tenants = repository.NewTenantRepository(db)
	a.Users = repository.NewUserRepository(db)
	a.Credentials = repository.NewCredentialRepository(db)
	a.Messages = repository.NewMessageRepository(db)
	a.Outbox = repository.NewOutboxRepository(db)

	var guard *service.IdempotencyGuard
	if a.Redis != nil {
		guard = service.NewIdempotencyGuard(a.Redis, cfg.Business.IdempotencyLockTTL, logger.Component(log, "IdempotencyGuard"))
	}

	b := cfg.Business
	a.Services = handler.Services{
		Messages:    service.NewMessageService(a.Messages, a.Credentials, guard, cfg.Queue.Name, b.MessageListLimit, logger.Component(log, "MessageService")),
		Credentials: service.NewCredentialService(a.Credentials),
		Templates:   service.NewTemplateService(repository.NewTemplateRepository(db), a.Credentials, a.Gateway, logger.Component(log, "TemplateService")),
		Onboarding: service.NewOnboardingService(repository.NewOnboardingRepository(db), a.Credentials, a.Gateway,
			b.OnboardingLinkTTL, b.OnboardingLinkUses, logger.Component(log, "OnboardingService")),
		Webhooks: service.NewWebhookService(repository.NewWebhookRepository(db), a.Tenants, cfg.Webhook.Secret,
			b.WebhookLogListLimit, logger.Component(log, "WebhookService")),
		Auth: service.NewAuthService(a.Users, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
	}
	return a, nil
}

// Router builds the HTTP surface with readiness probes for the database and,
// when connected, Redis.
func (a *App) Router() (*gin.Engine, error) {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("app: database pool: %w", err)
	}
	checks := []handler.ReadyCheck{{Name: "database", Ping: sqlDB.PingContext}}
	if a.Redis != nil {
		checks = append(checks, handler.ReadyCheck{Name: "redis", Ping: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	h := handler.NewHandler(a.Services, checks...)
	return handler.SetupRouter(h, a.Metrics, a.Registry, a.logger), nil
}

func (a *App) Relay() *job.OutboxRelay {
	b := a.Config.Business
	return job.NewOutboxRelay(a.Outbox, a.Queue, b.RelayInterval, b.RelayBatchSize, b.MaxRelayRetries, a.Metrics, a.logger)
}

func (a *App) StaleRequeue() *job.StaleRequeueJob {
	b := a.Config.Business
	return job.NewStaleRequeueJob(a.Messages, a.Config.Queue.Name, b.RequeueInterval, b.RequeueAfter, b.ClaimLease, a.logger)
}

func (a *App) Worker() *worker.SendWorker {
	return worker.NewSendWorker(a.Messages, a.Credentials, a.Gateway, a.Metrics, logger.Component(a.logger, "SendWorker"))
}

// Close releases the queue, Redis and the database pool in that order.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
