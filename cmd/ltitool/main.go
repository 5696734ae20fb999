package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/klpoland/lti-tool-provider/internal/adapter/cache"
	platformadapter "github.com/klpoland/lti-tool-provider/internal/adapter/platform"
	"github.com/klpoland/lti-tool-provider/internal/bootstrap"
	"github.com/klpoland/lti-tool-provider/internal/config"
	httptransport "github.com/klpoland/lti-tool-provider/internal/http"
	"github.com/klpoland/lti-tool-provider/internal/http/handler"
	"github.com/klpoland/lti-tool-provider/internal/keystore"
	apimiddleware "github.com/klpoland/lti-tool-provider/internal/middleware"
	"github.com/klpoland/lti-tool-provider/internal/repository"
	"github.com/klpoland/lti-tool-provider/internal/server"
	"github.com/klpoland/lti-tool-provider/internal/service"
	"github.com/klpoland/lti-tool-provider/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newPlatformRepository,
			newKeyRepository,
			newRedisClient,
			newSessionStore,
			newNonceLedger,
			newPlatformClient,
			newScheduler,
			newKeystoreManager,
			newRegistryService,
			newLoginService,
			newLaunchService,
			newGradeService,
			newRateLimiter,
			newLTIHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsurePlatform, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newPlatformRepository(pool *pgxpool.Pool) repository.PlatformRepository {
	return repository.NewPostgresPlatformRepo(pool)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newSessionStore(client redis.UniversalClient) repository.SessionStore {
	return cacheadapter.NewRedisSessionStore(client)
}

func newNonceLedger(client redis.UniversalClient, cfg config.Config) repository.NonceLedger {
	return cacheadapter.NewRedisNonceLedger(client, cfg.NonceTTL)
}

func newPlatformClient() platformadapter.Client {
	return platformadapter.NewHTTPClient(nil)
}

func newScheduler(lc fx.Lifecycle, logger *zap.Logger) keystore.Scheduler {
	sched := keystore.NewCronScheduler(logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sched.Stop()
			return nil
		},
	})
	return sched
}

func newKeystoreManager(repo repository.KeyRepository, sched keystore.Scheduler, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *keystore.Manager {
	return keystore.NewManager(repo, sched, node, cfg.KeyBatchSize, logger)
}

func newRegistryService(platforms repository.PlatformRepository, ks *keystore.Manager, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *service.RegistryService {
	return service.NewRegistryService(platforms, ks, node, cfg.KeyBatchSize, logger)
}

func newLoginService(platforms repository.PlatformRepository, sessions repository.SessionStore, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *service.LoginService {
	return service.NewLoginService(platforms, sessions, node, cfg.SessionTTL, logger)
}

func newLaunchService(sessions repository.SessionStore, nonces repository.NonceLedger, client platformadapter.Client, cfg config.Config, logger *zap.Logger) *service.LaunchService {
	return service.NewLaunchService(sessions, nonces, client, cfg.SessionTTL, logger)
}

func newGradeService(ks *keystore.Manager, client platformadapter.Client, sessions repository.SessionStore, cfg config.Config, logger *zap.Logger) *service.GradeService {
	return service.NewGradeService(ks, client, sessions, cfg.SessionTTL, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newLTIHandler(login *service.LoginService, launch *service.LaunchService, grades *service.GradeService, ks *keystore.Manager, logger *zap.Logger) *handler.LTIHandler {
	return handler.NewLTIHandler(login, launch, grades, ks, logger)
}

func useTelemetry(provider *telemetry.Provider) {
	_ = provider
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done != nil {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	})
}
