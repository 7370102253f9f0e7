package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/i474232898/station-readings/internal/api/http"
	"github.com/i474232898/station-readings/internal/config"
	"github.com/i474232898/station-readings/internal/logging"
	"github.com/i474232898/station-readings/internal/notify"
	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/readings/ecowitt"
	"github.com/i474232898/station-readings/internal/refresh"
	"github.com/i474232898/station-readings/internal/scheduler"
	"github.com/i474232898/station-readings/internal/state"
	"github.com/i474232898/station-readings/internal/store"
)

const appName = "station-readings"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr := logging.New(os.Stdout, cfg.Env, cfg.SlogLevel(), appName)
	slog.SetDefault(logr)

	if err := run(cfg, logr); err != nil {
		logr.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logr *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := ecowitt.NewClient(ecowitt.Options{
		BaseURL:        cfg.Ecowitt.BaseURL,
		ApplicationKey: cfg.Ecowitt.ApplicationKey,
		APIKey:         cfg.Ecowitt.APIKey,
		HTTPClient:     &http.Client{Timeout: cfg.Ecowitt.HTTPTimeout},
		Limiter:        ecowitt.NewSlidingWindow(cfg.Ecowitt.RateLimit, cfg.Ecowitt.RatePeriod, ecowitt.SystemClock),
		Location:       cfg.Refresh.Location,
	})

	ok, err := client.TestCredentials(ctx)
	if err != nil {
		return fmt.Errorf("check station credentials: %w", err)
	}
	if !ok {
		return errors.New("station credentials rejected")
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logr)
	if cfg.MQTT.Broker != "" {
		mq := notify.NewMQTTNotifier(cfg.MQTTOptions(), logr)
		if err := mq.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mq.Close()
		notifier = notify.Multi(notifier, mq)
	}

	service := readings.NewService(st)
	stateFile := state.Open(cfg.Refresh.StateFile, cfg.Refresh.InitialBackfill, nil)
	refresher := refresh.New(client, service, stateFile, refresh.Options{
		Labels:   stateFile,
		Cooldown: cfg.Refresh.Cooldown,
		Location: cfg.Refresh.Location,
		Notifier: notifier,
		Logger:   logr,
	})

	g, gctx := errgroup.WithContext(ctx)
	authFailed := make(chan error, 1)

	sched := scheduler.New(cfg.Refresh.CategoryList, cfg.Refresh.Interval, refresher, logr, func(err error) {
		authFailed <- err
	})
	if err := sched.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// A forced refresh can walk a full year of history windows.
		WriteTimeout: 5 * time.Minute,
		ErrorHandler: httpapi.ErrorHandler,
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": appName,
			"halted":  sched.Halted(),
			"devices": refresher.Liveness(),
		})
	})

	httpapi.RegisterRoutes(app, service, refresher, httpapi.Options{MaxEntries: cfg.MaxEntries})

	g.Go(func() error {
		logr.Info("listening", "port", cfg.Port)
		return app.Listen(":" + cfg.Port)
	})

	g.Go(func() error {
		var cause error
		select {
		case <-gctx.Done():
		case cause = <-authFailed:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logr.Error("error during shutdown", "error", err)
		}
		return cause
	})

	return g.Wait()
}
