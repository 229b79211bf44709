// Command server runs the bot backend: the bot lifecycle manager with its
// polling runners, the payment/delivery orchestrator, and the HTTP surface
// (webhooks + operator API).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/config"
	"github.com/passflow/go-bot-backend/internal/delivery"
	"github.com/passflow/go-bot-backend/internal/engine"
	"github.com/passflow/go-bot-backend/internal/gateway"
	httpapi "github.com/passflow/go-bot-backend/internal/http"
	"github.com/passflow/go-bot-backend/internal/manager"
	"github.com/passflow/go-bot-backend/internal/observability"
	"github.com/passflow/go-bot-backend/internal/orchestrator"
	"github.com/passflow/go-bot-backend/internal/promo"
	"github.com/passflow/go-bot-backend/internal/repo"
	"github.com/passflow/go-bot-backend/internal/settings"
)

var version = "dev"

func main() {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := openDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("db tracing plugin failed")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	store, err := newSettingsStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("settings cache backend failed")
	}
	cache := settings.New(db, store, cfg.Cache.TTL)

	gws := buildGateways(cfg, cache)
	dl := delivery.NewClient(cfg.DeliveryAPIBase, cfg.AdapterTimeout, func(ctx context.Context) delivery.Credentials {
		return delivery.Credentials{
			APIKey: cache.Global(ctx, settings.KeyDeliveryAPIKey, ""),
		}
	}, log.Logger)

	// The manager, orchestrator, and engine reference each other in a cycle
	// (manager dispatches to the engine, the engine reconciles through the
	// orchestrator, the orchestrator resolves channels via the manager), so
	// the handler is attached after construction.
	mgr := manager.New(db, nil, func(token string) channel.Channel {
		return channel.NewTelegram(token, cfg.TelegramAPIBase, cfg.AdapterTimeout, log.Logger)
	}, log.Logger)
	mgr.PublicBaseURL = cfg.PublicBaseURL
	if secs := int(cfg.PollInterval.Seconds()); secs > 0 {
		mgr.PollTimeout = secs
	}

	orch := orchestrator.New(db, gws, dl, mgr, log.Logger)
	eng := engine.New(db, cache, promo.NewLedger(db), gws, orch, log.Logger)
	eng.PublicBaseURL = cfg.PublicBaseURL
	eng.HeartbeatThrottle = cfg.HeartbeatThrottle
	mgr.Handler = eng

	if cfg.SyncOnStart {
		if started, err := mgr.Sync(ctx); err != nil {
			log.Error().Err(err).Msg("startup sync failed")
		} else {
			log.Info().Int("bots", started).Msg("startup sync complete")
		}
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:         db,
		Bots:       mgr,
		Settler:    orch,
		Dispatcher: mgr,
		Stock:      dl,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// Runner statuses stay persisted as active so the next boot's Sync
	// restarts them.
	mgr.Close()

	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("bye")
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	if cfg.DBDSN != "" {
		return repo.OpenPostgres(cfg.DBDSN)
	}
	return repo.OpenSQLite(cfg.DBPath)
}

func newSettingsStore(cfg config.Config) (settings.Store, error) {
	if cfg.Cache.Backend != "redis" {
		return settings.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		DB:       cfg.Cache.RedisDB,
		Password: cfg.Cache.RedisPass,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return settings.NewRedisStore(client), nil
}

// buildGateways wires every supported payment provider; the selector resolves
// the active one per charge from settings, falling back to the configured
// default.
func buildGateways(cfg config.Config, cache *settings.Cache) *gateway.Selector {
	sp := gateway.NewSyncPay(gateway.SyncPayBaseURL, cfg.AdapterTimeout, cfg.TokenSafetyMargin,
		func(ctx context.Context) (string, string, error) {
			return cache.Global(ctx, settings.KeySyncPayClientID, ""),
				cache.Global(ctx, settings.KeySyncPaySecret, ""), nil
		}, log.Logger)
	mp := gateway.NewMercadoPago(gateway.MercadoPagoBaseURL, cfg.AdapterTimeout,
		func(ctx context.Context) (string, error) {
			return cache.Global(ctx, settings.KeyMPAccessToken, ""), nil
		}, log.Logger)

	return gateway.NewSelector(func(ctx context.Context) string {
		return cache.Global(ctx, settings.KeyPaymentProvider, cfg.GatewayProvider)
	}, sp, mp)
}
