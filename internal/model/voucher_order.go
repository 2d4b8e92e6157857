package model

import "time"

// 订单状态：0 待支付 1 已支付 2 已取消
const (
	OrderStatusUnpaid = iota
	OrderStatusPaid
	OrderStatusCancelled
)

// VoucherOrder 秒杀订单。ID 由全局 ID 生成器在准入阶段预分配，非自增。
// (user_id, voucher_id) 唯一索引兜底一人一单：并发提交退化为 UNIQUE 冲突。
type VoucherOrder struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID int64     `gorm:"not null;uniqueIndex:idx_user_voucher" json:"voucher_id"`
	Status    int       `gorm:"not null;default:0" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (VoucherOrder) TableName() string { return "voucher_orders" }
