package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"booking-orchestrator/config"
	"booking-orchestrator/internal/api"
	"booking-orchestrator/internal/broker"
	"booking-orchestrator/internal/gateway"
	"booking-orchestrator/internal/notify"
	"booking-orchestrator/internal/provider"
	"booking-orchestrator/internal/redisclient"
	"booking-orchestrator/internal/scheduler"
	"booking-orchestrator/internal/service"
	"booking-orchestrator/internal/store"
	"booking-orchestrator/internal/util"
	"booking-orchestrator/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting booking orchestrator", zap.String("env", cfg.Server.Env))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tp, err := util.InitTracer(util.ServiceName, cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	providerClient, err := provider.NewFromConfig(cfg.Provider)
	if err != nil {
		logger.Fatal("Failed to initialize provider client", zap.Error(err))
	}
	gw, err := gateway.NewFromConfig(cfg.Gateway)
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}
	sender, err := notify.NewSenderFromConfig(cfg.Notification)
	if err != nil {
		logger.Fatal("Failed to initialize notification sender", zap.Error(err))
	}
	dispatcher := notify.NewDispatcher(sender, nil)
	logger.Info("External clients initialized",
		zap.String("provider_mode", cfg.Provider.Mode),
		zap.String("gateway_mode", cfg.Gateway.Mode),
		zap.String("notification_mode", cfg.Notification.Mode))

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBookingEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicBookingEvents))

	eventPublisher := broker.NewEventPublisher(producer)

	asynqClient := scheduler.InitClient(cfg.Redis)
	defer asynqClient.Close()
	finalizeScheduler := scheduler.New(asynqClient)

	ledger := service.NewLedger(db)
	revalidator := service.NewRevalidator(ledger, providerClient, redisClient, cfg.Booking)
	holds := service.NewHoldManager(ledger, revalidator, db, redisClient, eventPublisher, cfg.Booking)
	payments := service.NewPaymentCoordinator(db, redisClient, gw, eventPublisher, finalizeScheduler, cfg.Gateway)
	finalization := service.NewFinalizationEngine(db, redisClient, providerClient, eventPublisher, finalizeScheduler, dispatcher, cfg.Finalization)
	orchestrator := service.NewOrchestrator(db, gw, revalidator, holds, payments, finalization)

	g, gctx := errgroup.WithContext(ctx)

	taskServer := scheduler.NewServer(cfg.Redis)
	taskHandler := worker.NewTaskHandler(finalization, holds)
	if err := taskServer.Start(scheduler.NewServeMux(taskHandler.Handlers())); err != nil {
		logger.Fatal("Failed to start task server", zap.Error(err))
	}
	defer taskServer.Shutdown()

	periodic, err := scheduler.NewPeriodic(cfg.Redis, cfg.Booking.SweepInterval)
	if err != nil {
		logger.Fatal("Failed to configure hold sweep", zap.Error(err))
	}
	if err := periodic.Start(); err != nil {
		logger.Fatal("Failed to start hold sweep", zap.Error(err))
	}
	defer periodic.Shutdown()

	gatewayConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicGatewayEvents, cfg.Kafka.ConsumerGroup)
	gatewayWorker := worker.NewGatewayEventWorker(gatewayConsumer, payments)
	g.Go(func() error {
		if err := gatewayWorker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway event worker: %w", err)
		}
		return nil
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orchestrator, map[string]api.ReadinessCheck{
		"database": db.Ping,
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	servers := []*http.Server{{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}}
	if cfg.Observ.PrometheusPort != "" && cfg.Observ.PrometheusPort != cfg.Server.Port {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
			Handler: promhttp.Handler(),
		})
	}

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		if err := gatewayWorker.Stop(); err != nil {
			logger.Error("Error stopping gateway event worker", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}

	logger.Info("Server exited")
}
