package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/muainishi/platform/pkg/casework"
	"github.com/muainishi/platform/pkg/common/config"
	"github.com/muainishi/platform/pkg/common/database"
	"github.com/muainishi/platform/pkg/common/kafka"
	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/dlp"
	"github.com/muainishi/platform/pkg/events"
	"github.com/muainishi/platform/pkg/gateway/httpclient"
	"github.com/muainishi/platform/pkg/gateway/middleware"
	"github.com/muainishi/platform/pkg/ingestion"
	"github.com/muainishi/platform/pkg/llm"
	"github.com/muainishi/platform/pkg/session"
	"github.com/muainishi/platform/pkg/web"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ready := newSessionStore(ctx, cfg)
	sessions := session.NewManager(store)

	model, err := llm.New(ctx, llm.Config{
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModelName,
		Timeout:    cfg.LLMTimeout,
		HTTPClient: httpclient.New(cfg.LLMTimeout),
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to create model client")
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaEnabled() {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaAnalysisTopic)
		defer producer.Close()
		publisher = producer
	}

	var redactor *dlp.Redactor
	if cfg.DLPEnabled {
		rules, err := dlp.LoadRules(cfg.DLPRulesPath)
		if err != nil {
			logger.Log.WithError(err).Warn("Failed to load DLP rules, using defaults")
			rules = dlp.DefaultRules()
		}
		redactor, err = dlp.NewRedactor(rules)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to compile DLP rules")
		}
	}

	cases := casework.NewService(
		sessions,
		model,
		ingestion.NewService(model, cfg.IngestionTimeout),
		ingestion.NewValidator(cfg.MaxUploadBytes),
		redactor,
		publisher,
		casework.WithStaleAfter(max(cfg.LLMTimeout, cfg.IngestionTimeout)+time.Minute),
	)

	handler, err := web.NewHandler(cases, sessions, cfg.MaxUploadBytes, cfg.CookieSecure, ready)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load templates")
	}

	router := mux.NewRouter()
	handler.Register(router)

	server := &http.Server{
		Addr: fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler: middleware.Chain(router,
			middleware.Logging,
			middleware.Recovery,
			middleware.SecurityHeaders,
			middleware.RateLimit(float64(cfg.RateLimitRPS), cfg.RateLimitBurst),
			// A multipart form carries the file plus the text fields.
			middleware.BodyLimit(3*cfg.MaxUploadBytes+1<<20),
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":     cfg.ServerHost,
			"port":     cfg.ServerPort,
			"model":    cfg.LLMModelName,
			"sessions": cfg.SessionBackend,
			"kafka":    cfg.KafkaEnabled(),
			"dlp":      cfg.DLPEnabled,
		}).Info("Classifier Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()

	logger.Log.Info("Shutting down Classifier Service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	cases.Close()

	if err := database.CloseRedis(); err != nil {
		logger.Log.WithError(err).Error("Failed to close Redis")
	}

	logger.Log.Info("Classifier Service stopped")
}

// newSessionStore picks the configured backend. The redis backend waits for the
// server with backoff and reports readiness through a ping.
func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, web.ReadyFunc) {
	if cfg.SessionBackend != "redis" {
		return session.NewMemoryStore(cfg.SessionMaxEntries, cfg.SessionTTL), nil
	}

	client, err := database.GetRedis(cfg)
	if err != nil {
		err = httpclient.Retry(ctx, 5, time.Second, 10*time.Second, func() error {
			return client.Ping(ctx).Err()
		})
	}
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to Redis")
	}

	return session.NewRedisStore(client, cfg.SessionTTL), redisReady(client)
}

func redisReady(client *redis.Client) web.ReadyFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
