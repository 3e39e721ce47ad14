package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tiercache/internal/common/logging"
	"tiercache/internal/config"
	"tiercache/internal/hierarchy"
	"tiercache/internal/metrics"
	"tiercache/internal/redis"
	"tiercache/internal/service"
	"tiercache/internal/stampede"
	"tiercache/internal/store"
)

func main() {
	// Set up CPU usage
	_ = godotenv.Load()
	nCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(nCPU)
	fmt.Printf("Number of CPUs: %d\n", nCPU)

	// Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logging
	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.ParseLevel(cfg.LogLevel)})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// Initialize metrics
	registry := prometheus.NewRegistry()
	promMetrics := metrics.NewPrometheusAdapter(registry, "tiercache")

	// Connect to Redis. The service degrades to the in-process tiers and
	// locker when Redis is unreachable.
	redisClient := connectRedis(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Build the tier stack and the service facade
	manager, stopTiers, err := buildHierarchy(cfg, redisClient, logger, promMetrics)
	if err != nil {
		log.Fatalf("Failed to build cache hierarchy: %v", err)
	}
	defer stopTiers()

	var locker stampede.Locker = stampede.NewLocalLocker()
	if redisClient != nil {
		locker = stampede.NewRedisLocker(redisClient)
	}

	lockTTL, _ := time.ParseDuration(cfg.LockTTL)
	retryDelay, _ := time.ParseDuration(cfg.RetryDelay)

	svc, err := service.New(service.Options{
		Hierarchy:   manager,
		Locker:      locker,
		RedisClient: redisClient,
		DefaultProtectOptions: stampede.Options{
			LockTTL:    lockTTL,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: retryDelay,
		},
		Logger:  logger,
		Metrics: promMetrics,
	})
	if err != nil {
		log.Fatalf("Failed to build cache service: %v", err)
	}
	defer svc.Close()

	// Set up routes
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.Statistics())
	}).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	// Set up HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", logging.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A failed shutdown is logged, not fatal, so the deferred service and
	// store teardown still runs.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", err)
	}

	logger.Info("Server exited")
}

// connectRedis dials Redis from the configuration and returns nil when the
// server is unreachable.
func connectRedis(cfg *config.Config, logger logging.Logger) *redis.Client {
	db, _ := strconv.Atoi(cfg.RedisDB)
	poolSize, _ := strconv.Atoi(cfg.RedisPoolSize)
	client, err := redis.NewClient(&redis.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       db,
		PoolSize: poolSize,
	})
	if err != nil {
		logger.Warn("Redis unavailable, running with in-process tiers only",
			logging.String("address", cfg.RedisAddress),
			logging.Err(err))
		return nil
	}
	return client
}

// buildHierarchy assembles the tier stack from the configured multipliers,
// fastest tier first. The first multiplier maps to the bounded in-process
// store, the second to the TTL-sweeping in-process store, and the third to
// Redis when a client is available. Extra multipliers beyond the available
// backends are ignored. The returned stop function halts the in-process
// store's sweep goroutine on shutdown.
func buildHierarchy(cfg *config.Config, redisClient *redis.Client, logger logging.Logger, m metrics.Metrics) (*hierarchy.Manager, func(), error) {
	multipliers, err := cfg.Multipliers()
	if err != nil {
		return nil, nil, err
	}
	namespaces, err := cfg.ParseNamespaces()
	if err != nil {
		return nil, nil, err
	}

	defaultTTL, _ := time.ParseDuration(cfg.DefaultTTL)

	memory := store.NewMemoryStore(cfg.Tier0Capacity, func(key string) {
		m.Eviction("memory")
	})

	var tiers []*hierarchy.Tier
	tiers = append(tiers, hierarchy.NewTier("memory", 0, multipliers[0], memory))
	if len(multipliers) > 1 {
		tiers = append(tiers, hierarchy.NewTier("process", 1, multipliers[1],
			store.NewGoCacheStore(defaultTTL, time.Minute)))
	}
	if len(multipliers) > 2 && redisClient != nil {
		tiers = append(tiers, hierarchy.NewTier("redis", 2, multipliers[2],
			store.NewRedisStore(redisClient, "cache:")))
	}

	manager, err := hierarchy.NewManager(tiers, namespaces, logger, m)
	if err != nil {
		return nil, nil, err
	}
	return manager, memory.Stop, nil
}
