package cli

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/auditing"
	"github.com/noah-isme/appframe/internal/history"
	"github.com/noah-isme/appframe/internal/repository"
	"github.com/noah-isme/appframe/internal/service"
	"github.com/noah-isme/appframe/internal/session"
	"github.com/noah-isme/appframe/internal/uow"
	"github.com/noah-isme/appframe/pkg/cache"
	"github.com/noah-isme/appframe/pkg/config"
	"github.com/noah-isme/appframe/pkg/database"
	"github.com/noah-isme/appframe/pkg/jobs"
	"github.com/noah-isme/appframe/pkg/logger"
)

// App holds the wired runtime components.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sqlx.DB
	Redis    *redis.Client
	Metrics  *service.MetricsService
	Registry *history.Registry
	Tracker  *history.Tracker
	Units    *uow.Manager

	History     *service.EntityHistoryService
	Publisher   *service.NotificationPublisher
	Distributor *service.NotificationDistributor
	Queue       *jobs.Queue
}

// NewApp loads configuration and wires every component.
func NewApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, history reads are not cached", zap.Error(err))
		redisClient = nil
	}

	historyCfg, err := historyConfiguration(cfg.History)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheSvc = service.NewCacheService(
			repository.NewCacheRepository(redisClient, "appframe", logger.Component(logr, "cache")),
			metrics, cfg.History.CacheTTL, logger.Component(logr, "cache"),
		)
	}

	historyRepo := repository.NewEntityHistoryRepository(db)
	var store history.Store = history.NullStore{}
	if cfg.History.Enabled {
		store = service.NewInvalidatingStore(historyRepo, cacheSvc)
	}

	registry := history.NewRegistry()
	historyLog := logger.Component(logr, "history")
	builder := history.NewChangeSetBuilder(
		history.NewPolicyResolver(historyCfg, registry),
		history.WithBuilderLogger(historyLog),
	)
	tracker := history.NewTracker(builder, store,
		history.WithTrackerLogger(historyLog),
		history.WithRecorder(metrics),
		history.WithSessionProvider(session.ContextProvider),
	)
	units := uow.NewManager(db, tracker, auditing.NewEntityAuditor(session.ContextProvider), logger.Component(logr, "uow"))

	notificationRepo := repository.NewNotificationRepository(db)
	notificationLog := logger.Component(logr, "notifications")
	queue := jobs.NewQueue("notifications", jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     notificationLog,
	})
	distributor := service.NewNotificationDistributor(notificationRepo, notificationLog)
	queue.Register(service.NotificationDistributionJob, distributor.Handle)

	return &App{
		Config:      cfg,
		Logger:      logr,
		DB:          db,
		Redis:       redisClient,
		Metrics:     metrics,
		Registry:    registry,
		Tracker:     tracker,
		Units:       units,
		History:     service.NewEntityHistoryService(historyRepo, cacheSvc, validate, logger.Component(logr, "history-reads")),
		Publisher:   service.NewNotificationPublisher(notificationRepo, distributor, queue, session.ContextProvider, metrics, validate, notificationLog),
		Distributor: distributor,
		Queue:       queue,
	}, nil
}

// Close releases external resources.
func (a *App) Close() {
	a.Queue.Stop()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.DB.Close()
	_ = a.Logger.Sync()
}

func historyConfiguration(cfg config.HistoryConfig) (*history.Configuration, error) {
	hc := history.NewConfiguration(
		history.WithEnabled(cfg.Enabled),
		history.WithAnonymousUsers(cfg.EnabledForAnonymousUsers),
		history.WithIgnoredTypes(cfg.IgnoredTypes...),
	)
	if cfg.SelectorFile != "" {
		if err := hc.LoadSelectorFile(cfg.SelectorFile); err != nil {
			return nil, fmt.Errorf("load history selectors: %w", err)
		}
	}
	return hc, nil
}
