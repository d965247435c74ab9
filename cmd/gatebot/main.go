// Command gatebot runs the Matrix captcha gate bot and its admin API.
//
// @title                      Gate Bot Admin API
// @version                    1.0
// @description                Operator API for the Matrix captcha gate bot.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
// @description                Bearer <ADMIN_TOKEN>
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"github.com/tbourn/go-gate-bot/internal/bot"
	"github.com/tbourn/go-gate-bot/internal/captcha"
	"github.com/tbourn/go-gate-bot/internal/config"
	httpapi "github.com/tbourn/go-gate-bot/internal/http"
	"github.com/tbourn/go-gate-bot/internal/matrix"
	"github.com/tbourn/go-gate-bot/internal/observability"
	"github.com/tbourn/go-gate-bot/internal/repo"
	"github.com/tbourn/go-gate-bot/internal/services"
	"github.com/tbourn/go-gate-bot/internal/sysutil"
)

var buildVersion = "dev" // set by ldflags

// backend bundles the store-specific pieces chosen by SESSION_STORE.
type backend struct {
	store  services.SessionStore
	ledger bot.Ledger
	tokens bot.SyncTokens
	purge  func(ctx context.Context, now time.Time) (int64, error)
	close  func()
}

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = os.Stderr.WriteString("gatebot: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("gatebot: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("gatebot stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	client, err := matrix.NewClient(matrix.Config{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		AccessToken:   cfg.Matrix.AccessToken,
		RPS:           cfg.Matrix.RPS,
		Burst:         cfg.Matrix.Burst,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	botUserID, err := client.WhoAmI(ctx)
	if err != nil {
		return err
	}
	displayName, err := client.DisplayName(ctx, botUserID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read bot display name")
	}
	logger = logger.With().Str("bot_user_id", botUserID).Logger()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, buildVersion, botUserID)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Error().Err(err).Msg("otel shutdown")
		}
	}()

	be, err := openBackend(ctx, cfg, botUserID, logger)
	if err != nil {
		return err
	}
	defer be.close()

	provider, err := captcha.NewClient(cfg.Captcha.Endpoint, cfg.Captcha.Timeout)
	if err != nil {
		return err
	}

	orch := services.NewOrchestrator(client, be.store, provider, logger.With().Str("component", "orchestrator").Logger())
	orch.IsGated = cfg.Bot.IsGated
	gate := &services.MessageGate{Client: client, Store: be.store, Logger: logger.With().Str("component", "gate").Logger()}
	commands := &services.CommandHandler{
		Client:      client,
		Prefix:      cfg.Bot.CommandPrefix,
		DisplayName: displayName,
		SupportRoom: cfg.Bot.SupportRoom,
		Started:     time.Now(),
		Logger:      logger.With().Str("component", "commands").Logger(),
	}

	dispatcher := &bot.Dispatcher{
		Client:     client,
		Membership: orch,
		Messages:   []bot.MessageHandler{orch, gate, commands},
		Ledger:     be.ledger,
		Tokens:     be.tokens,
		AutoJoin:   cfg.Bot.AutoJoin,
		Workers:    cfg.Workers,
		Logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
	since, err := dispatcher.Resume(ctx)
	if err != nil {
		return err
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	sweeper := &services.Sweeper{
		Store:        be.store,
		Orchestrator: orch,
		TTL:          cfg.SessionTTL,
		Interval:     cfg.SweepInterval,
		PurgeEvents:  be.purge,
		Logger:       logger.With().Str("component", "sweeper").Logger(),
	}

	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		Sessions:  be.store,
		Abandoner: orch,
		Logger:    logger.With().Str("component", "admin").Logger(),
	}, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", srv.Addr).Msg("admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin API failed")
		}
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logger.Info().Bool("resumed", since != "").Msg("starting sync loop")
		matrix.RunSyncLoop(ctx, client, matrix.SyncConfig{Timeout: cfg.Matrix.SyncTimeout}, since, dispatcher.HandleSync, logger)
	}()

	<-ctx.Done()
	logger.Info().Msg("received interruption signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin API shutdown")
	}
	wg.Wait()
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, botUserID string, logger zerolog.Logger) (*backend, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		store := services.NewRedisStore(rdb)
		return &backend{
			store:  store,
			ledger: &bot.RedisLedger{Client: rdb, Prefix: store.Prefix, TTL: cfg.EventDedupTTL},
			tokens: &bot.RedisSyncTokens{Client: rdb, Key: store.Prefix + "sync:" + botUserID},
			close:  func() { _ = rdb.Close() },
		}, nil

	case config.StoreMemory:
		logger.Warn().Msg("SESSION_STORE=memory: sessions and sync position are lost on restart")
		return &backend{
			store:  services.NewMemoryStore(),
			ledger: &bot.MemoryLedger{TTL: cfg.EventDedupTTL},
			tokens: &bot.MemorySyncTokens{},
			close:  func() {},
		}, nil

	default:
		target := cfg.Store.DBPath
		if cfg.Store.DBDriver == repo.DriverPostgres {
			target = cfg.Store.DBDSN
		}
		db, err := repo.Open(cfg.Store.DBDriver, target)
		if err != nil {
			return nil, err
		}
		if err := repo.AutoMigrate(db); err != nil {
			closeDB(db)
			return nil, err
		}
		return &backend{
			store:  services.NewSQLStore(db),
			ledger: &bot.SQLLedger{DB: db, TTL: cfg.EventDedupTTL},
			tokens: &bot.SQLSyncTokens{DB: db, Key: "sync:" + botUserID},
			purge: func(ctx context.Context, now time.Time) (int64, error) {
				return repo.PurgeExpiredEvents(ctx, db, now)
			},
			close: func() { closeDB(db) },
		}, nil
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
