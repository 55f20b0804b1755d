package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bssahu/a2a-streaming/internal/archive"
	"github.com/bssahu/a2a-streaming/internal/audit"
	"github.com/bssahu/a2a-streaming/internal/config"
	mongodb "github.com/bssahu/a2a-streaming/internal/database/mongo"
	redisdb "github.com/bssahu/a2a-streaming/internal/database/redis"
	"github.com/bssahu/a2a-streaming/internal/discovery/etcd"
	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/internal/server/api"
	"github.com/bssahu/a2a-streaming/internal/server/service"
	"github.com/bssahu/a2a-streaming/internal/stream"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

const serviceName = "a2a-streaming"

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logLevel, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Invalid logger level: %v", err)
	}
	logger.Init(logLevel)
	serviceLogger := logger.New(serviceName, "")

	// Connect to Redis, the hot path for snapshots, logs and broadcasts
	rdb, err := redisdb.GetClient(&cfg.Databases.Redis)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to Redis")
	}

	checks := map[string]api.HealthChecker{
		"redis": redisdb.HealthCheck,
	}

	// Core stream components
	taskStore := stream.NewTaskStore(rdb, cfg.Stream.TaskTTLDuration(), serviceLogger)
	eventLog := stream.NewEventLog(rdb, cfg.Stream.StreamMaxLen, cfg.Stream.TaskTTLDuration(), serviceLogger)
	broadcaster := stream.NewBroadcaster(rdb, cfg.Stream.SessionBuffer, serviceLogger)
	registry := stream.NewSubscriptionRegistry(rdb, cfg.Stream.SubscriberTTLDuration(), cfg.Stream.TaskTTLDuration(), serviceLogger)
	coordinator := stream.NewCoordinator(taskStore, eventLog, broadcaster, registry, stream.SessionOptions{
		Buffer:      cfg.Stream.SessionBuffer,
		SendTimeout: cfg.Stream.SendTimeoutDuration(),
		IdleTimeout: cfg.Stream.IdleTimeoutDuration(),
	}, serviceLogger)

	// Optional Kafka audit mirror
	var auditor stream.EventAuditor
	var auditPublisher *audit.Publisher
	if len(cfg.Databases.Kafka.Brokers) > 0 {
		auditPublisher, err = audit.NewPublisher(&cfg.Databases.Kafka)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to initialize Kafka audit publisher")
		}
		auditor = auditPublisher
		checks["kafka"] = auditPublisher.HealthCheck
	}

	emitter := stream.NewEmitter(taskStore, eventLog, broadcaster, auditor, serviceLogger)

	// Optional MongoDB archive for finalized tasks
	var archiveStore *archive.Store
	var janitorCancel context.CancelFunc
	if cfg.Databases.MongoDB.Address != "" {
		mongoClient, err := mongodb.GetClient(&cfg.Databases.MongoDB)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to MongoDB")
		}
		archiveStore = archive.NewStore(mongoClient.Database(cfg.Databases.MongoDB.Database))
		checks["mongodb"] = mongodb.HealthCheck

		janitor := archive.NewJanitor(taskStore, eventLog, archiveStore,
			cfg.Stream.ArchiveAfterDuration(), cfg.Stream.ArchiveIntervalDuration(), serviceLogger)
		var janitorCtx context.Context
		janitorCtx, janitorCancel = context.WithCancel(context.Background())
		go janitor.Run(janitorCtx)
		serviceLogger.Info("Archive janitor started")
	}

	producer := &service.EchoProducer{Delay: 100 * time.Millisecond, Logger: serviceLogger}
	taskService := service.NewTaskService(taskStore, eventLog, emitter, coordinator, archiveStore, producer, serviceLogger)

	// Optional etcd registration for peer discovery
	var regStop chan<- struct{}
	var discovery *etcd.Registry
	if len(cfg.Databases.Etcd.Endpoints) > 0 {
		discovery, err = etcd.NewRegistry(cfg.Databases.Etcd.Endpoints)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to etcd")
		}
		regStop, err = discovery.Register(serviceName, cfg.Server.PublicURL, cfg.Databases.Etcd.LeaseTTL)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to register with etcd")
		}
		serviceLogger.Info("Registered with etcd")
	}

	card := models.AgentCard{
		Name:        cfg.Server.AgentName,
		Description: cfg.Server.AgentDescription,
		URL:         cfg.Server.PublicURL,
		Version:     cfg.App.Version,
		Capabilities: models.AgentCapabilities{
			Streaming: true,
		},
	}

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	apiHandler := api.NewAPI(taskService, card, checks, serviceLogger)
	api.RegisterRoutes(router, apiHandler)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	// Start server
	go func() {
		serviceLogger.Info("Starting HTTP server on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("HTTP server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	serviceLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Server forced to shutdown")
	}

	taskService.Close()
	if janitorCancel != nil {
		janitorCancel()
	}
	if regStop != nil {
		close(regStop)
	}
	if discovery != nil {
		if err := discovery.Close(); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing etcd client")
		}
	}
	if auditPublisher != nil {
		if err := auditPublisher.Close(); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Kafka audit publisher")
		}
	}
	if archiveStore != nil {
		if err := mongodb.Close(context.Background()); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error disconnecting from MongoDB")
		}
	}
	if err := redisdb.Close(); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Redis client")
	}

	serviceLogger.Info("Server gracefully stopped")
}
