package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ameno-api/api"
	"ameno-api/config"
	"ameno-api/notify"
	"ameno-api/prefs"
	"ameno-api/reminder"
	"ameno-api/storage"
	"ameno-api/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.StorageConnectionString, cfg.TasksTable, cfg.ProfilesTable)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		logger.Fatalf("storage init: %v", err)
	}

	rc := redis.NewClient(cfg.Redis)
	defer rc.Close()

	queue, err := notify.NewQueueClient(cfg.StorageConnectionString, cfg.ReminderQueue)
	if err != nil {
		logger.Fatalf("reminder queue: %v", err)
	}
	facility := notify.NewQueueFacility(queue, rc, logger)
	if err := facility.Init(ctx); err != nil {
		logger.Fatalf("reminder queue init: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []reminder.Option{reminder.WithMode(cfg.Recurrence), reminder.WithMetrics(reminder.NewMetrics(reg))}
	if cfg.AppName != "" {
		opts = append(opts, reminder.WithAppName(cfg.AppName))
	}
	scheduler := reminder.NewScheduler(facility, logger, opts...)

	dispatcher := notify.NewDispatcher(facility, notify.DispatcherConfig{
		Workers:      cfg.DispatchWorkers,
		Batch:        int32(cfg.DispatchBatch),
		PollInterval: cfg.DispatchPollInterval,
		Mode:         cfg.Recurrence,
	}, reg, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	feed := storage.NewFeed(storage.NewCache(store, rc, cfg.CacheTTL), rc, logger)
	svc := tasks.NewService(feed, scheduler, logger)

	auth, jwks := newAuth(cfg.Auth)
	if jwks != nil {
		defer jwks.EndBackground()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key", "X-Timezone"},
	}))

	err = api.Register(e, api.Deps{
		Tasks:           svc,
		Prefs:           prefs.New(rc),
		Profiles:        store,
		Permissions:     facility,
		Feed:            feed,
		Deliveries:      facility,
		Auth:            auth,
		Deduper:         api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Logger:          logger,
		DefaultLocation: cfg.DefaultTimezone,
		Registry:        reg,
	})
	if err != nil {
		logger.Fatalf("routes: %v", err)
	}

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
}

func newAuth(cfg config.Auth) (*api.Auth, *keyfunc.JWKS) {
	if cfg.TestMode {
		log.Warn("auth test mode: accepting HS256 tokens")
		return api.NewAuth(api.AuthConfig{HS256Secret: []byte(cfg.TestSecret)}), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{JWKS: jwks, Audience: cfg.Audience, Issuer: cfg.Issuer()}), jwks
}
