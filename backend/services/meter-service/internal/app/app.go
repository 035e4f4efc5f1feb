package app

import (
	"context"
	"database/sql"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "prepaidmeter/backend/libs/db"
	libredis "prepaidmeter/backend/libs/redis"
	"prepaidmeter/backend/services/meter-service/internal/auth"
	"prepaidmeter/backend/services/meter-service/internal/config"
	"prepaidmeter/backend/services/meter-service/internal/docstore"
	httpserver "prepaidmeter/backend/services/meter-service/internal/http"
	"prepaidmeter/backend/services/meter-service/internal/http/handlers"
	"prepaidmeter/backend/services/meter-service/internal/http/middleware"
	"prepaidmeter/backend/services/meter-service/internal/ledger"
	"prepaidmeter/backend/services/meter-service/internal/metrics"
	"prepaidmeter/backend/services/meter-service/internal/repository"
	"prepaidmeter/backend/services/meter-service/internal/service"
	"prepaidmeter/backend/services/meter-service/internal/syncadapter"
	"prepaidmeter/backend/services/meter-service/internal/ws"
)

// App wires meter-service dependencies.
type App struct {
	cfg         *config.Config
	meter       *service.MeterService
	hub         *ws.Hub
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph. The Postgres archive is only wired when a DSN is
// configured.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	redisClient, err := libredis.NewRedisClient(ctx, cfg.RedisOptions())
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		redisClient: redisClient,
		logger:      logger,
	}

	var archive service.Archive
	sqlDB, err := libdb.NewPostgresDB(ctx, cfg.Database.DSN)
	switch {
	case errors.Is(err, libdb.ErrDisabled):
		logger.Info("session archive disabled")
	case err != nil:
		a.Close()
		return nil, err
	default:
		a.db = sqlDB
		repo := repository.NewSessionRepository(sqlDB)
		if err := repo.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		archive = repo
	}

	collection := docstore.NewCollection(redisClient, cfg.Redis.Collection, logger)
	adapter := syncadapter.NewAdapter(collection, logger)
	retry := cfg.RetryPolicy()
	queue := syncadapter.NewQueue(syncadapter.QueueConfig{
		Workers: cfg.Sync.Workers,
		Size:    cfg.Sync.QueueSize,
		Retry:   retry,
		OnResult: func(r syncadapter.Result) {
			metrics.ObserveWrite(r.Op, r.Duration.Seconds(), r.Err)
		},
	}, logger)

	clock := ledger.SystemClock{}
	a.hub = ws.NewHub(cfg.PingInterval(), logger)
	a.meter = service.NewMeterService(service.Options{
		Ledger:       ledger.New(cfg.LedgerConfig(), clock),
		Adapter:      adapter,
		Queue:        queue,
		Retry:        retry,
		Archive:      archive,
		Notifier:     a.hub,
		Clock:        clock,
		TickInterval: cfg.TickInterval(),
		Logger:       logger,
	})
	return a, nil
}

// Run starts the meter loop, the websocket ping loop and the HTTP server, and stops all of
// them when ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	wsServer := ws.NewServer(ctx, a.hub, func() any { return a.meter.Overview() }, a.cfg.WriteTimeout(), a.logger)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Meter:     handlers.NewMeterHandlers(a.meter, a.logger),
		WebSocket: wsServer.HandleWS,
		Metrics:   metrics.Handler(),
	}, middleware.Auth(a.tokens()))
	server := httpserver.NewServer(a.cfg.HTTPAddress(), router, a.logger)

	g.Go(func() error {
		return a.meter.Run(ctx)
	})
	g.Go(func() error {
		a.hub.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(ctx)
	})
	return g.Wait()
}

func (a *App) tokens() middleware.TokenValidator {
	if a.cfg.Auth.JWTSecret == "" {
		a.logger.Warn("jwt secret not set, mutating routes are unauthenticated")
		return nil
	}
	return auth.NewTokenService(a.cfg.Auth.JWTSecret, a.cfg.TokenTTL())
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

