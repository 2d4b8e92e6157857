package model

import "time"

// SeckillVoucher 秒杀券：库存、秒杀价、活动时间窗。
type SeckillVoucher struct {
	VoucherID int64     `gorm:"column:voucher_id;primaryKey" json:"voucher_id"`
	Title     string    `gorm:"size:128;not null" json:"title"`
	// Stock 表示 DB 侧权威库存；热路径扣减走 Redis，提交阶段再做条件扣减兜底。
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	Price     int64     `gorm:"not null" json:"price"` // 单位：分
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SeckillVoucher) TableName() string { return "seckill_vouchers" }
