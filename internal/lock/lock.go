package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"

	rediskey "voucher_mall/pkg/redis"
)

// luaUnlockIfMatch 仅当锁值与本次持有者令牌一致时才删除。
// GET 与 DEL 必须在脚本内一步完成，否则锁过期后可能误删他人新锁。
const luaUnlockIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Client 是锁实现所需的最小 Redis 能力，*redis.Client 天然满足。
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *rd.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *rd.Cmd
}

// Lock 基于 Redis 的跨进程互斥锁。
// 每次加锁尝试持有独立的随机令牌，释放时校验令牌，避免过期竞态下的误释放。
// TTL 是崩溃自愈的兜底：临界区超过 TTL 会丢失互斥，调用方需把 TTL 放宽裕。
type Lock struct {
	rdb   Client
	key   string
	token string
	ttl   time.Duration
}

// New 创建一把业务锁，name 为业务名（如 order:123）。
func New(rdb Client, name string, ttl time.Duration) *Lock {
	return &Lock{
		rdb:   rdb,
		key:   rediskey.LockKey(name),
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

// TryLock 非阻塞地尝试加锁，单次 SETNX 往返。退避重试策略由调用方实现。
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock setnx %s: %w", l.key, err)
	}
	return ok, nil
}

// Unlock 释放锁。令牌不匹配（锁已过期并被他人持有）时静默不删。
func (l *Lock) Unlock(ctx context.Context) error {
	if err := l.rdb.Eval(ctx, luaUnlockIfMatch, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	return nil
}
