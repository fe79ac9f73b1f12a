package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/muainishi/platform/pkg/audit"
	"github.com/muainishi/platform/pkg/common/config"
	"github.com/muainishi/platform/pkg/common/database"
	"github.com/muainishi/platform/pkg/common/kafka"
	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/gateway/httpclient"
	"github.com/muainishi/platform/pkg/gateway/middleware"
	"gorm.io/gorm"
)

const cleanupInterval = time.Hour

func main() {
	logger.Init()
	cfg := config.Load()
	if !cfg.KafkaEnabled() {
		logger.Log.Fatal("KAFKA_BROKERS environment variable is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *gorm.DB
	err := httpclient.Retry(ctx, 10, time.Second, 15*time.Second, func() error {
		var err error
		db, err = database.GetPostgres(cfg)
		return err
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}

	repo := audit.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate audit tables")
	}
	service := audit.NewService(repo, cfg.AuditRetention)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaAnalysisTopic, cfg.KafkaGroupID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := consumer.Consume(ctx, service.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			// The failed message is still uncommitted; shutting down lets the
			// restarted service pick it up again.
			logger.Log.WithError(err).Error("Consumer stopped, shutting down")
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		runCleanup(ctx, service)
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	audit.NewHTTPHandler(service).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.AuditPort),
		Handler:      middleware.Chain(router, middleware.Logging, middleware.Recovery),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.AuditPort,
			"topic": cfg.KafkaAnalysisTopic,
			"group": cfg.KafkaGroupID,
		}).Info("Audit Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()

	logger.Log.Info("Shutting down Audit Service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	wg.Wait()
	if err := consumer.Close(); err != nil {
		logger.Log.WithError(err).Error("Failed to close consumer")
	}
	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Error("Failed to close PostgreSQL")
	}

	logger.Log.Info("Audit Service stopped")
}

// runCleanup drops records past the retention window until ctx ends.
func runCleanup(ctx context.Context, service *audit.Service) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		if err := service.Cleanup(ctx); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("Audit cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
