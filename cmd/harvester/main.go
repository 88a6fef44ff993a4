package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/api"
	"github.com/avolkov/marketharvest/internal/collector"
	"github.com/avolkov/marketharvest/internal/config"
	"github.com/avolkov/marketharvest/internal/database"
	"github.com/avolkov/marketharvest/internal/exchange"
	"github.com/avolkov/marketharvest/internal/logging"
	"github.com/avolkov/marketharvest/internal/refprice"
	"github.com/avolkov/marketharvest/internal/store"
	"github.com/avolkov/marketharvest/internal/trademonitor"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logging.Setup(cfg.LogLevel, cfg.Environment)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		logrus.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	binance := exchange.NewBinanceClient(cfg.Binance)
	bybit := exchange.NewBybitClient(cfg.Bybit)
	clients := []exchange.Client{binance, bybit}

	quotes := refprice.NewService(refprice.NewClient(cfg.RefPrice), redis.Client, cfg.RefPrice.CacheTTL)
	persistence := store.New(db.Pool)

	var monitor collector.TradeMonitor
	if cfg.TradeMonitor.Enabled {
		monitor = trademonitor.New(binance, persistence, cfg.TradeMonitor)
	}

	runner := collector.NewRunner(clients, quotes, persistence, monitor, cfg.Collector)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runner.Run(rootCtx)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, db, redis, runner)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logrus.Infof("Status server listening on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	// Stop launching new work; the in-flight batch finishes and stays
	// persisted.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Harvester exited")
}
