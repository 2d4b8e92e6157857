// Package seckill 实现秒杀下单流水线的同步准入段与异步提交段。
package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"voucher_mall/internal/idgen"
	"voucher_mall/internal/model"
	rediskey "voucher_mall/pkg/redis"
)

var (
	ErrVoucherNotFound = errors.New("voucher not found")
	ErrNotStarted      = errors.New("seckill not started")
	ErrEnded           = errors.New("seckill ended")
	ErrSoldOut         = errors.New("insufficient stock")
	ErrDuplicateOrder  = errors.New("duplicate order")
)

// luaAdmission 一步完成：读库存 → 判余量 → 判一人一单 → 扣减 + 记名 + 入流。
// 整段脚本在 Redis 内无交错执行，消除 check 与 mutate 之间的竞态窗口。
// 返回：0 准入，1 库存不足，2 重复下单。未预热的库存键按售罄处理。
const luaAdmission = `
local stockKey = KEYS[1]
local orderKey = KEYS[2]
local streamKey = KEYS[3]
local userId = ARGV[1]
local orderId = ARGV[2]
local voucherId = ARGV[3]

local stock = tonumber(redis.call('GET', stockKey))
if (not stock) or stock <= 0 then
  return 1
end
if redis.call('SISMEMBER', orderKey, userId) == 1 then
  return 2
end
redis.call('DECRBY', stockKey, 1)
redis.call('SADD', orderKey, userId)
redis.call('XADD', streamKey, '*', 'order_id', orderId, 'user_id', userId, 'voucher_id', voucherId)
return 0
`

// Store 是准入段所需的最小 Redis 能力。
type Store interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *rd.Cmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *rd.StatusCmd
}

// Service 秒杀准入服务：活动窗校验 + 预分配订单号 + 原子准入脚本。
type Service struct {
	db     *gorm.DB
	rdb    Store
	ids    *idgen.Worker
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, rdb Store, ids *idgen.Worker, logger *zap.Logger) *Service {
	return &Service{db: db, rdb: rdb, ids: ids, logger: logger, now: time.Now}
}

// Submit 同步准入。成功即返回预分配的订单号，落库由消费端异步完成。
// 库存/重复校验全部发生在入队之前：宁可当场拒绝，不做先收后废。
func (s *Service) Submit(ctx context.Context, userID, voucherID int64) (int64, error) {
	var voucher model.SeckillVoucher
	if err := s.db.WithContext(ctx).First(&voucher, "voucher_id = ?", voucherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrVoucherNotFound
		}
		return 0, fmt.Errorf("load voucher %d: %w", voucherID, err)
	}

	now := s.now()
	if now.Before(voucher.BeginTime) {
		return 0, ErrNotStarted
	}
	if now.After(voucher.EndTime) {
		return 0, ErrEnded
	}

	// 订单号先于准入分配，准入成功即可立刻返回给调用方
	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return 0, fmt.Errorf("next order id: %w", err)
	}

	res, err := s.rdb.Eval(ctx, luaAdmission,
		[]string{
			rediskey.SeckillStockKey(voucherID),
			rediskey.SeckillOrderSetKey(voucherID),
			rediskey.OrderStreamKey,
		},
		userID, orderID, voucherID,
	).Int()
	if err != nil {
		// 没有原子校验就不能放行任何订单，Redis 故障直接上抛
		return 0, fmt.Errorf("admission script: %w", err)
	}

	switch res {
	case 0:
		s.logger.Info("order admitted",
			zap.Int64("order_id", orderID),
			zap.Int64("user_id", userID),
			zap.Int64("voucher_id", voucherID),
		)
		return orderID, nil
	case 1:
		return 0, ErrSoldOut
	case 2:
		return 0, ErrDuplicateOrder
	default:
		return 0, fmt.Errorf("unexpected admission result %d", res)
	}
}

// Preload 把 DB 侧库存预热到 Redis，供准入脚本扣减。
func (s *Service) Preload(ctx context.Context, voucherID int64, ttl time.Duration) error {
	var voucher model.SeckillVoucher
	if err := s.db.WithContext(ctx).First(&voucher, "voucher_id = ?", voucherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVoucherNotFound
		}
		return fmt.Errorf("load voucher %d: %w", voucherID, err)
	}
	if err := s.rdb.Set(ctx, rediskey.SeckillStockKey(voucherID), voucher.Stock, ttl).Err(); err != nil {
		return fmt.Errorf("preload stock %d: %w", voucherID, err)
	}
	return nil
}
