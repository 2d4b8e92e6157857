package idgen

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"

	rediskey "voucher_mall/pkg/redis"
)

// beginTimestamp 起始纪元 2022-01-01T00:00:00Z，部署期常量，不可变更。
const beginTimestamp int64 = 1640995200

// countBits 序列号位数：低 32 位放 Redis 自增序列，高位放相对秒数。
const countBits = 32

// Counter 是生成序列号所需的最小 Redis 能力。
type Counter interface {
	Incr(ctx context.Context, key string) *rd.IntCmd
}

// Worker 生成全局唯一、按（前缀, 自然日）时间有序的 64 位 ID。
// 计数键按天拼接日期，自然完成每日清零，无需额外任务。
type Worker struct {
	rdb Counter
	now func() time.Time
}

func New(rdb Counter) *Worker {
	return &Worker{rdb: rdb, now: time.Now}
}

// NextID 生成一个新 ID。Redis 不可用时返回错误，绝不退化出可能重复的 ID。
func (w *Worker) NextID(ctx context.Context, prefix string) (int64, error) {
	now := w.now().UTC()
	timestamp := now.Unix() - beginTimestamp

	date := now.Format("2006:01:02")
	count, err := w.rdb.Incr(ctx, rediskey.IDCounterKey(prefix, date)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr id counter: %w", err)
	}

	return timestamp<<countBits | count, nil
}
