package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"ticket-rush/config"
	"ticket-rush/internal/cache"
	"ticket-rush/internal/database"
	"ticket-rush/internal/handler"
	"ticket-rush/internal/queue"
	"ticket-rush/internal/ratelimit"
	"ticket-rush/internal/repository"
	"ticket-rush/internal/sequence"
	"ticket-rush/internal/service"
	"ticket-rush/internal/worker"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func main() {
	log := logger.WithComponent("main")
	defer logger.Sync()

	cfg := config.LoadConfig()
	clk := clock.Real()

	pool, err := database.InitDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer pool.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = database.Migrate(migrateCtx, pool)
	cancelMigrate()
	if err != nil {
		log.Fatal("Failed to migrate schema", zap.Error(err))
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	defer rdb.Close()

	// repositories
	txManager := repository.NewTxManager(pool)
	inventoryRepo := repository.NewInventoryRepository(pool)
	intentRepo := repository.NewIntentRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)

	// 延遲刪除走 RabbitMQ，連線在第一次使用時建立
	deleteQueue := queue.NewRabbitMQCacheDeleteQueue(func() (*amqp.Connection, error) {
		return database.InitRabbitMQ(&cfg.RabbitMQ)
	}, cfg.Cache.DeleteQueue, cfg.RabbitMQ.Prefetch)
	defer deleteQueue.Close()

	cacheManager := cache.NewCacheConsistencyManager(rdb, inventoryRepo, orderRepo, deleteQueue, cfg.Cache, clk)
	ledger := service.NewStockLedger(txManager, inventoryRepo, intentRepo, cacheManager, cfg.Ledger, clk)

	var gate service.Admitter
	if cfg.RateLimit.Enabled {
		g := ratelimit.NewGate(rdb, cfg.RateLimit, clk)
		if cfg.RateLimit.WarmupTokens > 0 {
			if err := g.WarmupGlobal(context.Background(), cfg.RateLimit.WarmupTokens); err != nil {
				log.Warn("Global bucket warmup failed", zap.Error(err))
			}
		}
		gate = g
	}

	localCounter, err := sequence.NewLocalCounter(cfg.Sequence.LocalPath)
	if err != nil {
		log.Fatal("Failed to open local sequence counter", zap.Error(err))
	}
	node, err := snowflake.NewNode(cfg.Sequence.NodeID)
	if err != nil {
		log.Fatal("Failed to create snowflake node", zap.Error(err))
	}
	codes := sequence.NewTicketCodeGenerator(
		sequence.NewAllocator(rdb, localCounter, cfg.Sequence.KeyTTL),
		orderRepo,
		node,
	)

	intentQueue, err := queue.NewRedisStreamIntentQueue(rdb, uuid.NewString(), &queue.RedisStreamIntentQueueConfig{
		ClaimMinIdleTime:   cfg.Pipeline.ClaimMinIdleTime,
		MaxRetryCount:      cfg.Pipeline.StreamMaxRetries,
		ReadGroupBlockTime: cfg.Pipeline.ReadGroupBlockTime,
	})
	if err != nil {
		log.Fatal("Failed to initialize intent stream", zap.Error(err))
	}

	// services
	pipeline := service.NewOrderPipeline(
		txManager, inventoryRepo, intentRepo, orderRepo,
		ledger, codes, node, intentQueue, cacheManager, cfg.Pipeline, clk,
	)
	purchaseService := service.NewPurchaseService(gate, cacheManager, ledger, intentRepo, orderRepo, intentQueue, clk)
	orderService := service.NewOrderService(txManager, orderRepo, ledger, cacheManager, cacheManager, clk)
	inventoryService := service.NewInventoryService(ledger, cacheManager)

	// workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orderWorker := worker.NewOrderWorker(pipeline, intentQueue, cfg.Pipeline.Workers)
	if err := orderWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start order worker", zap.Error(err))
	}
	sweepWorker := worker.NewSweepWorker(pipeline, orderService, worker.SweepWorkerConfig{
		Interval:      cfg.Pipeline.SweepInterval,
		PaymentWindow: cfg.Pipeline.PaymentWindow,
		Batch:         cfg.Pipeline.SweepBatch,
	}, clk)
	sweepWorker.Start(ctx)
	cacheDeleteWorker := worker.NewCacheDeleteWorker(cacheManager, deleteQueue, clk)
	if err := cacheDeleteWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start cache delete worker", zap.Error(err))
	}

	// routes
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	handler.NewPurchaseHandler(purchaseService).RegisterRoutes(router)
	handler.NewOrderHandler(orderService).RegisterRoutes(router)
	handler.NewInventoryHandler(inventoryService).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	// 先停止收新請求，再等 worker 把手上的訊息處理完
	cancel()
	orderWorker.Wait()
	sweepWorker.Wait()
	cacheDeleteWorker.Wait()

	if err := cacheManager.Close(shutdownCtx); err != nil {
		log.Warn("Pending cache deletes not flushed", zap.Error(err))
	}
}
