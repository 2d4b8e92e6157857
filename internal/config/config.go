package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	DBPath   string `envconfig:"DB_PATH" default:"voucher_mall.db"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// Kafka 集群地址、Topic、消费者组
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"voucher-orders"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"voucher-order-consumer"`

	// Stream outbox 消费者组（API 原子入流，Relay 异步转 Kafka）
	OrderStreamGroup    string `envconfig:"ORDER_STREAM_GROUP" default:"order-relay-group"`
	OrderStreamConsumer string `envconfig:"ORDER_STREAM_CONSUMER" default:"order-relay-1"`

	// 秒杀接口限流与缓存策略
	BuyRateLimit  int           `envconfig:"BUY_RATE_LIMIT" default:"1000"`
	BuyRateWindow time.Duration `envconfig:"BUY_RATE_WINDOW" default:"1s"`
	StockCacheTTL time.Duration `envconfig:"STOCK_CACHE_TTL" default:"24h"`

	// 缓存引擎：空值 TTL、实体 TTL、逻辑过期时长、重建锁 TTL、重建并发度
	NullCacheTTL    time.Duration `envconfig:"NULL_CACHE_TTL" default:"2m"`
	ShopCacheTTL    time.Duration `envconfig:"SHOP_CACHE_TTL" default:"30m"`
	VoucherCacheTTL time.Duration `envconfig:"VOUCHER_CACHE_TTL" default:"30m"`
	RebuildLockTTL  time.Duration `envconfig:"REBUILD_LOCK_TTL" default:"10s"`
	RebuildWorkers  int           `envconfig:"REBUILD_WORKERS" default:"10"`

	// 订单提交：用户锁 TTL 与重试策略
	OrderLockTTL      time.Duration `envconfig:"ORDER_LOCK_TTL" default:"10s"`
	OrderLockAttempts int           `envconfig:"ORDER_LOCK_ATTEMPTS" default:"3"`
	OrderLockDelay    time.Duration `envconfig:"ORDER_LOCK_DELAY" default:"50ms"`

	// 预热/建券接口的简单管理员令牌（demo 级别保护）
	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`
}

// Load 读取并校验配置。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BuyRateLimit <= 0 {
		return fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	if c.BuyRateWindow <= 0 {
		return fmt.Errorf("BUY_RATE_WINDOW must be > 0")
	}
	if c.StockCacheTTL <= 0 {
		return fmt.Errorf("STOCK_CACHE_TTL must be > 0")
	}
	if c.NullCacheTTL <= 0 || c.ShopCacheTTL <= 0 || c.VoucherCacheTTL <= 0 {
		return fmt.Errorf("cache TTLs must be > 0")
	}
	if c.RebuildLockTTL <= 0 {
		return fmt.Errorf("REBUILD_LOCK_TTL must be > 0")
	}
	if c.RebuildWorkers <= 0 {
		return fmt.Errorf("REBUILD_WORKERS must be > 0")
	}
	if c.OrderLockTTL <= 0 || c.OrderLockAttempts <= 0 || c.OrderLockDelay <= 0 {
		return fmt.Errorf("order lock settings must be > 0")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if c.KafkaTopic == "" || c.KafkaGroupID == "" {
		return fmt.Errorf("KAFKA_TOPIC and KAFKA_GROUP_ID must not be empty")
	}
	if c.OrderStreamGroup == "" || c.OrderStreamConsumer == "" {
		return fmt.Errorf("ORDER_STREAM_GROUP and ORDER_STREAM_CONSUMER must not be empty")
	}
	return nil
}
