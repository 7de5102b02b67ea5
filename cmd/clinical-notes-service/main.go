package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/medrex/scribe/internal/notes"
	"github.com/medrex/scribe/pkg/config"
	"github.com/medrex/scribe/pkg/database"
	"github.com/medrex/scribe/pkg/encryption"
	"github.com/medrex/scribe/pkg/generation"
	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/monitoring"
	"github.com/medrex/scribe/pkg/rbac"
	"github.com/medrex/scribe/pkg/repository"
	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel)
	log.WithField("version", Version).Info("Starting Clinical Notes Service")

	// Initialize monitoring
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *monitoring.Metrics
	var tracing *monitoring.TracingManager
	if cfg.Monitoring.Enabled {
		metrics = monitoring.NewMetrics(cfg.Monitoring.ServiceName, registry)
		tracing, err = monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    cfg.Monitoring.ServiceName,
			ServiceVersion: Version,
			JaegerEndpoint: cfg.Monitoring.TracingEndpoint,
			Environment:    os.Getenv("SCRIBE_ENVIRONMENT"),
			SamplingRate:   cfg.Monitoring.SamplingRate,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize tracing")
		}
	}
	monitor := monitoring.NewMonitoringMiddleware(metrics, tracing, log)
	health := monitoring.NewHealthManager(cfg.Monitoring.ServiceName, Version)
	health.SetTimeout(cfg.Monitoring.HealthTimeoutDuration())

	// Initialize encryption
	cipher, err := encryption.NewKeyring(cfg.Encryption.KeyVersion, cfg.Encryption.Keys())
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize encryption")
	}

	// Initialize document store
	store, closeStore, err := openStore(cfg, log, health)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize document store")
	}
	defer closeStore()

	// Initialize safety validator
	rules, err := loadRules(cfg.Validation.VocabularyFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load safety rules")
	}
	validator := validation.New(rules)
	health.RegisterChecker("safety_rules", monitoring.NewCustomHealthChecker(rulesHealth(rules, cfg.Validation.VocabularyFile)))

	repo := repository.NewDocumentRepository(store, cipher, validator, log, repository.WithMonitoring(monitor))
	health.RegisterChecker("document_store", monitoring.NewPingHealthChecker(repo, false))

	// Initialize model client
	modelClient := generation.NewHTTPClient(generation.ClientConfig{
		Endpoint:    cfg.Generation.Endpoint,
		APIKey:      cfg.Generation.APIKey,
		Model:       cfg.Generation.Model,
		Timeout:     cfg.Generation.TimeoutDuration(),
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		RetryCount:  cfg.Generation.RetryCount,
	}, log)

	service := notes.NewService(repo, modelClient, validator, notes.ServiceConfig{
		ModelID:         cfg.Generation.Model,
		Streaming:       cfg.Generation.Streaming,
		BlockOnError:    cfg.Validation.BlockOnError,
		DefaultLanguage: types.Language(cfg.Validation.DefaultLanguage),
	}, log, monitor)

	tokens := notes.NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	limiter := notes.NewRateLimiter(cfg.Generation.RateLimit, time.Minute)
	handlers := notes.NewHandlers(service, tokens, rbac.DefaultPolicy(), log, metrics).WithRateLimiter(limiter)

	pruneCtx, stopPrune := context.WithCancel(context.Background())
	defer stopPrune()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	// Setup HTTP router
	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware)
	router.Use(monitor.RequestMiddleware)
	router.Use(notes.SecurityHeaders)
	if metrics != nil {
		router.Use(metrics.HTTPMiddleware)
		router.Handle(cfg.Monitoring.MetricsPath, metrics.Handler()).Methods("GET")
	}
	router.Handle(cfg.Monitoring.HealthPath, health.HTTPHandler()).Methods("GET")
	handlers.RegisterRoutes(router)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Clinical Notes Service")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Failed to shutdown server gracefully")
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Failed to flush traces")
	}

	log.Info("Clinical Notes Service stopped")
}

// openStore connects the configured backend and registers its health check
func openStore(cfg *config.Config, log *logger.Logger, health *monitoring.HealthManager) (repository.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := database.NewConnection(&cfg.Database, log)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := db.CreateSchema(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))
		return repository.NewPostgresStore(db.DB), func() { db.Close() }, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.WithField("address", cfg.Redis.Address()).Info("Redis connection established")
		health.RegisterChecker("redis", monitoring.NewRedisHealthChecker(client))
		return repository.NewRedisStore(client, cfg.Redis.KeyPrefix), func() { client.Close() }, nil

	case config.BackendMemory:
		log.Warn("Using in-memory document store; documents are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func loadRules(path string) (*validation.Rules, error) {
	if path == "" {
		return validation.DefaultRules()
	}
	return validation.LoadRules(path)
}

// rulesHealth reports degraded while any document type has no safety profile,
// since generation for that type cannot be validated
func rulesHealth(rules *validation.Rules, source string) func(context.Context) monitoring.HealthCheck {
	if source == "" {
		source = "embedded"
	}
	return func(context.Context) monitoring.HealthCheck {
		check := monitoring.HealthCheck{
			Details: map[string]interface{}{"source": source, "profiles": len(rules.Profiles)},
		}
		var missing []string
		for _, docType := range []types.DocumentType{
			types.DocumentTypeSOAPNote,
			types.DocumentTypeImagingSummary,
			types.DocumentTypeLabSummary,
		} {
			if _, ok := rules.Profile(docType); !ok {
				missing = append(missing, string(docType))
			}
		}
		if len(missing) > 0 {
			check.Status = monitoring.HealthStatusDegraded
			check.Message = "no safety profile for " + strings.Join(missing, ", ")
			return check
		}
		check.Status = monitoring.HealthStatusHealthy
		check.Message = "safety rules loaded"
		return check
	}
}
