package seckill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"voucher_mall/internal/model"
	"voucher_mall/internal/queue"
)

// Committer 把已准入的订单消息落库。独立成服务对象，由消费循环直接注入调用，
// 事务边界就是 Commit 本身，不依赖任何自引用代理。
type Committer struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewCommitter(db *gorm.DB, logger *zap.Logger) *Committer {
	return &Committer{db: db, logger: logger}
}

// Commit 在单个事务内完成：查重 → 条件扣减库存 → 插入订单。
// 重投递是幂等的：已存在 (user_id, voucher_id) 订单时整个事务退化为 no-op。
func (c *Committer) Commit(ctx context.Context, msg queue.OrderMessage) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 纵深防御查重：准入脚本已挡过一次，这里再挡一次覆盖重投递
		var count int64
		if err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", msg.UserID, msg.VoucherID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count existing orders: %w", err)
		}
		if count > 0 {
			c.logger.Info("order already committed, skipping",
				zap.Int64("order_id", msg.OrderID),
				zap.Int64("user_id", msg.UserID),
				zap.Int64("voucher_id", msg.VoucherID),
			)
			return nil
		}

		// DB 侧条件扣减是第二道保险，防止缓存侧准入状态与 DB 分叉后超卖
		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", msg.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return fmt.Errorf("decrement stock: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// 准入过了但 DB 库存见底（如灾备恢复后缓存未还原），放弃该单
			c.logger.Warn("datastore stock depleted, abandoning order",
				zap.Int64("order_id", msg.OrderID),
				zap.Int64("voucher_id", msg.VoucherID),
			)
			return nil
		}

		order := &model.VoucherOrder{
			ID:        msg.OrderID,
			UserID:    msg.UserID,
			VoucherID: msg.VoucherID,
			Status:    model.OrderStatusUnpaid,
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return nil
	})

	// 并发提交撞上 (user_id, voucher_id) 唯一索引：事务已回滚（库存未扣），
	// 等价于订单已由对端创建，按成功处理。
	if err != nil && isUniqueViolation(err) {
		c.logger.Info("concurrent duplicate commit resolved by unique index",
			zap.Int64("user_id", msg.UserID),
			zap.Int64("voucher_id", msg.VoucherID),
		)
		return nil
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
