package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/internal/events"
	"github.com/sirosfoundation/go-socket-server/internal/server"
	"github.com/sirosfoundation/go-socket-server/pkg/config"
	"github.com/sirosfoundation/go-socket-server/pkg/logging"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	autoAccept = flag.Bool("auto-accept", true, "Accept every connect request with a success status")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Socket Server",
		zap.String("name", cfg.Name),
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	srv := server.New(cfg, logger)

	if *autoAccept {
		_, err := srv.On(events.PostConnect, func(ev events.Event) {
			sess, err := srv.Session(ev.SessionID)
			if err != nil {
				return
			}
			if err := sess.AcceptConnection(); err != nil {
				logger.Warn("Failed to accept connection", zap.String("session_id", ev.SessionID), zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("Failed to subscribe to connect events", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
