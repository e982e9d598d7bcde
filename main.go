package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Kocoro-lab/dossier/internal/activities"
	"github.com/Kocoro-lab/dossier/internal/auth"
	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/db"
	"github.com/Kocoro-lab/dossier/internal/entitygraph"
	"github.com/Kocoro-lab/dossier/internal/health"
	"github.com/Kocoro-lab/dossier/internal/httpapi"
	"github.com/Kocoro-lab/dossier/internal/interceptors"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/policy"
	"github.com/Kocoro-lab/dossier/internal/ratecontrol"
	"github.com/Kocoro-lab/dossier/internal/research"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
	"github.com/Kocoro-lab/dossier/internal/temporal"
	"github.com/Kocoro-lab/dossier/internal/tracing"
	"github.com/Kocoro-lab/dossier/internal/workflows"
)

const serviceName = "dossier"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	stopBreakerMetrics := make(chan struct{})
	circuitbreaker.StartMetricsCollection(stopBreakerMetrics)

	// Tracing
	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		ServiceName:  serviceName,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	// Research policy and source classification, hot reloaded
	configDir := getEnvOrDefault("DOSSIER_CONFIG_DIR", "config")
	cm, err := config.NewConfigManager(configDir, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.String("dir", configDir), zap.Error(err))
	}
	if err := cm.Start(ctx); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	// Source access policy
	var accessPolicy sources.AccessPolicy
	policyEngine, err := policy.NewEngine(policy.LoadConfig(), logger)
	if err != nil {
		logger.Warn("Policy engine unavailable; sources are not policy-gated", zap.Error(err))
	} else if policyEngine.IsEnabled() {
		accessPolicy = policyEngine
		cm.OnPolicyChange(policyEngine.LoadPolicies)
	}

	// Sources
	registry, closeSources := sources.NewDefaultRegistry(sources.Credentials{
		BraveAPIKey:    os.Getenv("BRAVE_API_KEY"),
		CongressAPIKey: os.Getenv("CONGRESS_API_KEY"),
		SAMAPIKey:      os.Getenv("SAM_API_KEY"),
		ChromePath:     os.Getenv("CHROME_PATH"),
		BrowserWorkers: getEnvOrDefaultInt("BROWSER_WORKERS", 2),
	}, cm.Current().Sources, accessPolicy, logger)
	defer closeSources()
	cm.OnChange(func(s config.Settings) { registry.ApplySettings(s.Sources) })
	logger.Info("Sources registered", zap.Int("count", len(registry.IDs())))

	// Oracle
	llmBase := getEnvOrDefault("LLM_SERVICE_URL", "http://llm-service:8000")
	llmPacer := ratecontrol.NewPacer(map[string]ratecontrol.Limit{
		oracle.PacerKey: {RPS: getEnvOrDefaultFloat("LLM_REQUESTS_PER_SECOND", 5), Burst: getEnvOrDefaultInt("LLM_BURST", 5)},
	})
	llmHTTP := circuitbreaker.NewHTTPWrapper(
		&http.Client{Timeout: 120 * time.Second, Transport: interceptors.NewActivityHeaders(nil)},
		"llm-service", "oracle", circuitbreaker.GetLLMConfig(), logger)
	llm := oracle.NewLLMClient(llmBase,
		oracle.WithHTTPClient(llmHTTP),
		oracle.WithLogger(logger),
		oracle.WithPacer(llmPacer),
		oracle.WithModelTier(getEnvOrDefault("LLM_MODEL_TIER", "small")),
		oracle.WithMaxEntities(cm.Current().Research.Run.MaxEntitiesPerCall),
	)

	// Event bus and Redis
	events := streaming.Get()
	events.SetRetention(time.Duration(getEnvOrDefaultInt("EVENT_RETENTION_SECONDS", 900)) * time.Second)
	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		events.AttachRedis(rdb, int64(getEnvOrDefaultInt("EVENT_STREAM_MAXLEN", 1000)))
		logger.Info("Redis attached", zap.String("addr", opts.Addr))
	}

	// Audit store
	var dbClient *db.Client
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbClient, err = db.Open(ctx, db.Config{
			URL:             dbURL,
			MaxConnections:  getEnvOrDefaultInt("DB_MAX_CONNECTIONS", 10),
			IdleConnections: getEnvOrDefaultInt("DB_IDLE_CONNECTIONS", 5),
			MaxLifetime:     5 * time.Minute,
		}, logger)
		if err != nil {
			logger.Warn("Audit store unavailable; runs will not be archived", zap.Error(err))
			dbClient = nil
		} else {
			defer dbClient.Close()
		}
	}

	// Temporal is optional; without it runs execute in-process.
	var tClient client.Client
	if host := os.Getenv("TEMPORAL_HOST"); host != "" {
		tClient = dialTemporal(host, getEnvOrDefault("TEMPORAL_NAMESPACE", "default"), logger)
		if tClient != nil {
			defer tClient.Close()
		}
	}
	runnerName := "inprocess"
	if tClient != nil {
		runnerName = "temporal"
	}

	orchOpts := []research.Option{research.WithRunner(runnerName)}
	if rdb != nil {
		orchOpts = append(orchOpts, research.WithGraphStore(entitygraph.NewRedisStore(rdb, 7*24*time.Hour)))
	}
	if dbClient != nil {
		orchOpts = append(orchOpts, research.WithRecorder(dbClient))
	}
	orchestrator := research.NewOrchestrator(cm, research.Dependencies{
		Sources: registry,
		Oracle:  llm,
		Events:  events,
		Logger:  logger,
	}, orchOpts...)

	var runner research.Runner
	var localRunner *research.LocalRunner
	var w worker.Worker
	if tClient != nil {
		runner = workflows.NewTemporalRunner(tClient, workflows.TaskQueue, logger)
		w = worker.New(tClient, workflows.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize:     getEnvOrDefaultInt("WORKER_ACT", 10),
			MaxConcurrentWorkflowTaskExecutionSize: getEnvOrDefaultInt("WORKER_WF", 10),
		})
		w.RegisterWorkflow(workflows.InvestigationWorkflow)
		w.RegisterActivityWithOptions(activities.NewActivities(orchestrator, logger).RunInvestigation,
			activity.RegisterOptions{Name: activities.RunInvestigationActivity})
		if err := w.Start(); err != nil {
			logger.Fatal("Failed to start Temporal worker", zap.Error(err))
		}
		logger.Info("Temporal worker started", zap.String("queue", workflows.TaskQueue))
	} else {
		localRunner = research.NewLocalRunner(orchestrator, logger)
		runner = localRunner
	}

	// Health
	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewHTTPChecker("llm-service", llmBase+"/health", true))
	if rdb != nil {
		_ = hm.RegisterChecker(health.NewRedisChecker(rdb, false))
	}
	if dbClient != nil {
		_ = hm.RegisterChecker(health.NewDatabaseChecker(dbClient))
	}
	if tClient != nil {
		_ = hm.RegisterChecker(health.NewTemporalChecker(tClient))
	}

	grpcHealth := grpchealth.NewServer()
	if err := hm.Start(ctx, health.GRPCUpdater(grpcHealth, serviceName)); err != nil {
		logger.Error("Failed to start health manager", zap.Error(err))
	}

	// Admin HTTP: health and metrics
	adminPort := getEnvOrDefaultInt("ADMIN_PORT", 8081)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	metricsPort := getEnvOrDefaultInt("METRICS_PORT", 2112)
	if metricsPort == adminPort {
		adminMux.Handle("GET /metrics", promhttp.Handler())
	} else {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", metricsPort)
			logger.Info("Metrics server listening", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}
	adminServer := &http.Server{Addr: fmt.Sprintf(":%d", adminPort), Handler: adminMux}
	go serve(adminServer, "admin", logger)

	// Investigation API
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Warn("JWT_SECRET not set; API authentication disabled")
	}
	authn := auth.NewMiddleware(auth.NewJWTManager(jwtSecret, time.Hour), jwtSecret == "", logger)
	var archive httpapi.Archive
	if dbClient != nil {
		archive = dbClient
	}
	api := httpapi.NewInvestigationHandler(runner, archive, events, logger)
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", getEnvOrDefaultInt("API_PORT", 8080)),
		Handler:           api.Handler(authn),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go serve(apiServer, "api", logger)

	// gRPC health
	grpcPort := getEnvOrDefaultInt("HEALTH_GRPC_PORT", 50052)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		logger.Fatal("Failed to listen for gRPC health", zap.Int("port", grpcPort), zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	go func() {
		logger.Info("gRPC health server listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC health server exited", zap.Error(err))
		}
	}()

	logger.Info("Dossier service started",
		zap.String("runner", runnerName),
		zap.Bool("redis", rdb != nil),
		zap.Bool("audit", dbClient != nil),
		zap.Bool("policy", accessPolicy != nil),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down dossier service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcHealth.Shutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown", zap.Error(err))
	}
	if w != nil {
		w.Stop()
	}
	if localRunner != nil {
		if err := localRunner.Shutdown(shutdownCtx); err != nil {
			logger.Error("In-process runs did not drain", zap.Error(err))
		}
	}
	hm.Stop()
	_ = cm.Stop()
	close(stopBreakerMetrics)
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing flush failed", zap.Error(err))
		}
	}
}

// dialTemporal retries until the frontend answers or attempts run out, in
// which case the service falls back to in-process runs.
func dialTemporal(host, namespace string, logger *zap.Logger) client.Client {
	attempts := getEnvOrDefaultInt("TEMPORAL_DIAL_ATTEMPTS", 10)
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := temporal.Dial(host, namespace, logger)
		if err == nil {
			return c
		}
		delay := time.Duration(attempt) * time.Second
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", host),
			zap.Duration("sleep", delay),
			zap.Error(err))
		time.Sleep(delay)
	}
	logger.Error("Temporal unreachable; running investigations in-process", zap.String("host", host))
	return nil
}

func serve(srv *http.Server, name string, logger *zap.Logger) {
	logger.Info("HTTP server listening", zap.String("server", name), zap.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", zap.String("server", name), zap.Error(err))
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
