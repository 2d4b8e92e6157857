package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voucher_mall/internal/cache"
	"voucher_mall/internal/config"
	"voucher_mall/internal/idgen"
	"voucher_mall/internal/model"
	"voucher_mall/internal/pkg/pool"
	"voucher_mall/internal/queue"
	"voucher_mall/internal/router"
	"voucher_mall/internal/seckill"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Datastore
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	if err := db.AutoMigrate(&model.SeckillVoucher{}, &model.VoucherOrder{}, &model.Shop{}); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping", zap.Error(err))
	}

	// 缓存重建工作池由进程生命周期持有，退出时关闭
	rebuildPool := pool.New(cfg.RebuildWorkers)
	defer func() {
		rebuildPool.Close()
		rebuildPool.Wait()
	}()

	engine := cache.New(rdb, rebuildPool, logger, cfg.NullCacheTTL, cfg.RebuildLockTTL)
	ids := idgen.New(rdb)
	svc := seckill.NewService(db, rdb, ids, logger)
	committer := seckill.NewCommitter(db, logger)

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	relay := queue.NewRelay(rdb, producer, logger, cfg.OrderStreamGroup, cfg.OrderStreamConsumer)
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, committer, rdb, logger, queue.ConsumerConfig{
		LockTTL:      cfg.OrderLockTTL,
		LockAttempts: cfg.OrderLockAttempts,
		LockDelay:    cfg.OrderLockDelay,
	})
	defer consumer.Close()

	r := gin.Default()
	router.Setup(r, router.Deps{
		DB:      db,
		RDB:     rdb,
		Seckill: svc,
		Cache:   engine,
		Cfg:     cfg,
		Logger:  logger,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		relay.Run(gctx)
		return nil
	})
	g.Go(func() error {
		consumer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
