// Package retry 提供固定间隔的有限次重试。
// 刻意不做无限自旋：持续竞争下的无界重试有活锁风险，由调用方决定放弃策略。
package retry

import (
	"context"
	"time"
)

// Do 最多执行 fn attempts 次，失败后等待 delay 再试；ctx 取消立即返回。
// 返回最后一次的错误。
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
