package redis

import "fmt"

// SeckillStockKey 秒杀券实时库存键（预热时从 DB 写入）。
func SeckillStockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// SeckillOrderSetKey 某张券“已下单用户”集合，支撑一人一单判定。
func SeckillOrderSetKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// OrderStreamKey 下单事件的 Stream outbox，由秒杀 Lua 脚本原子写入。
const OrderStreamKey = "stream:orders"

// LockKey 分布式锁统一前缀，name 为业务名（如 order:123）。
func LockKey(name string) string {
	return "lock:" + name
}

// IDCounterKey 全局 ID 生成器的日维度自增计数键。
func IDCounterKey(prefix, date string) string {
	return fmt.Sprintf("icr:%s:%s", prefix, date)
}

// CacheShopKey 商铺缓存键（逻辑过期策略）。
func CacheShopKey(shopID int64) string {
	return fmt.Sprintf("cache:shop:%d", shopID)
}

// CacheVoucherKey 秒杀券详情缓存键（空值缓存策略）。
func CacheVoucherKey(voucherID int64) string {
	return fmt.Sprintf("cache:voucher:%d", voucherID)
}

// RateLimitUserKey 秒杀接口按用户限流的 ZSET 键。
func RateLimitUserKey(userID int64) string {
	return fmt.Sprintf("rate_limit:seckill:user:%d", userID)
}
