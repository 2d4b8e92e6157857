package model

import "time"

// Shop 商铺信息，缓存一致性层的读路径实体。
type Shop struct {
	ID        int64     `gorm:"column:id;primaryKey" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	Address   string    `gorm:"size:255" json:"address"`
	AvgPrice  int64     `gorm:"not null;default:0" json:"avg_price"` // 分
	Score     int       `gorm:"not null;default:0" json:"score"`     // 评分 x10
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Shop) TableName() string { return "shops" }
