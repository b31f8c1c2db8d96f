package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shop-order-service/config"
	"shop-order-service/internal/api"
	"shop-order-service/internal/broker"
	"shop-order-service/internal/redisclient"
	"shop-order-service/internal/service"
	"shop-order-service/internal/store"
	"shop-order-service/internal/util"
	"shop-order-service/internal/vnpay"
	"shop-order-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shop order service")

	tp, err := util.InitTracer("shop-order-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gateway := vnpay.New(vnpay.Config{
		PayURL:     cfg.Gateway.PayURL,
		ReturnURL:  cfg.Gateway.ReturnURL,
		TmnCode:    cfg.Gateway.TmnCode,
		HashSecret: cfg.Gateway.HashSecret,
		BankCode:   cfg.Gateway.BankCode,
	})

	orderService := service.NewOrderService(
		service.NewSQLDatastore(db),
		redisClient,
		eventPublisher,
		gateway,
	)

	ctx := context.Background()
	if err := orderService.WarmStockCache(ctx); err != nil {
		log.Printf("Failed to warm stock cache: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	expiryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	expiryWorker := worker.NewExpiryWorker(expiryConsumer, orderService,
		time.Duration(cfg.Business.PaymentTimeoutSeconds)*time.Second)
	go func() {
		if err := expiryWorker.Start(workerCtx); err != nil {
			log.Printf("Expiry worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	expiryWorker.Stop()

	log.Println("Server exited")
}
