package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"taskboard/api"
	"taskboard/broker"
	"taskboard/config"
	"taskboard/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the board server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.Debug))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	scope, err := broker.ParseScope(cfg.BroadcastScope)
	if err != nil {
		return err
	}
	opts := broker.Options{
		Scope:        scope,
		SendBuffer:   cfg.OutboundBuffer,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	}

	if cfg.RedisConnectionString != "" {
		rc := redis.NewClient(storage.RedisOptions(cfg.RedisConnectionString))
		defer rc.Close()
		store = storage.NewCache(store, rc, cfg.TasksCacheTTL)
		opts.Backplane = broker.NewRedisBackplane(rc, cfg.BoardUpdatesChannel, logger)
		logger.WithField("channel", cfg.BoardUpdatesChannel).Info("redis cache and backplane enabled")
	}
	if cfg.JournalQueue != "" {
		journal, err := storage.NewQueueJournal(cfg.StorageConnectionString, cfg.JournalQueue)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		opts.Journal = journal
	}

	auth, err := newAuth(cfg, logger)
	if err != nil {
		return err
	}

	b := broker.New(store, opts)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	if cfg.Debug {
		pprof.Register(e)
	}
	api.Register(e, b, auth, api.Options{AllowedOrigins: cfg.AllowedOrigins, Logger: logger})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(log.Fields{"addr": cfg.Addr(), "storage": cfg.StorageDriver, "scope": scope}).Info("board server listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		b.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.Store, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case config.DriverTables:
		tables, err := storage.NewTables(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return tables, func() {}, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

func newAuth(cfg *config.Config, logger *log.Logger) (*api.Auth, error) {
	opts := api.AuthOptions{
		Audience:    cfg.Auth0Audience,
		Issuer:      cfg.Issuer(),
		Secret:      cfg.SharedSecret(),
		KeyCacheTTL: cfg.JWKSCacheTTL,
		Logger:      logger,
	}
	if len(opts.Secret) > 0 {
		logger.Warn("shared secret token verification enabled")
		return api.NewAuth(nil, opts), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, opts), nil
}
