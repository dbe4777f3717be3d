package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"golang.org/x/sync/errgroup"

	"github.com/karthikraju391/roomsync/config"
	"github.com/karthikraju391/roomsync/handlers"
	"github.com/karthikraju391/roomsync/logger"
	"github.com/karthikraju391/roomsync/nats_service"
)

func main() {
	cfg, err := config.Load(os.Getenv("ROOMSYNC_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize NATS Service ---
	natsSvc, err := nats_service.NewNatsService(ctx, cfg.Nats, cfg.Upload, log)
	if err != nil {
		log.Error("failed to initialize NATS service", slog.Any("error", err))
		os.Exit(1)
	}
	defer natsSvc.Close()

	hub := handlers.NewHub(natsSvc, cfg.Socket, log)
	consumeCtx, err := natsSvc.Subscribe(ctx, hub.Broadcast)
	if err != nil {
		log.Error("failed to subscribe to rooms", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumeCtx.Stop()

	// --- Initialize Fiber App ---
	app := fiber.New(fiber.Config{
		BodyLimit:             int(cfg.Upload.MaxSize),
		DisableStartupMessage: true,
	})
	app.Use(fiberlogger.New())
	handlers.Mount(app, hub, handlers.NewAPI(natsSvc, cfg, log))

	g, groupCtx := errgroup.WithContext(ctx)

	// --- Start Server ---
	g.Go(func() error {
		log.Info("starting server", slog.String("addr", cfg.Server.Addr))
		return app.Listen(cfg.Server.Addr)
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down server")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.Any("error", err))
		return
	}
	log.Info("server gracefully stopped")
}
