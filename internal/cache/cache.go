// Package cache 实现通用 cache-aside 引擎，提供两种防击穿策略：
//   - 空值缓存：不存在的实体写入短 TTL 空标记，挡住缓存穿透；
//   - 逻辑过期 + 异步重建：条目不设物理 TTL，过期后先返回旧值，
//     由拿到重建锁的请求在工作池里异步刷新，牺牲有界时效换可用性。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voucher_mall/internal/lock"
	"voucher_mall/internal/pkg/pool"
)

// defaultRebuildTimeout 异步重建的独立超时，不继承请求 ctx（请求早已返回）。
const defaultRebuildTimeout = 5 * time.Second

// unlockTimeout 重建锁释放的独立超时。回源可能吃满整个重建预算，
// 解锁不能与其共用 ctx，否则锁只能等 TTL 自愈。
const unlockTimeout = time.Second

// Client 是引擎所需的最小 Redis 能力；内嵌 lock.Client 供重建互斥锁使用。
type Client interface {
	lock.Client
	Get(ctx context.Context, key string) *rd.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *rd.StatusCmd
}

// envelope 逻辑过期条目的存储结构：载荷 + 应用层过期时间。
type envelope struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt time.Time       `json:"expire_at"`
}

// Engine 与具体实体解耦：DB 回源函数由调用方传入。
type Engine struct {
	rdb     Client
	rebuild *pool.Pool
	logger  *zap.Logger

	nullTTL        time.Duration
	lockTTL        time.Duration
	rebuildTimeout time.Duration
	now            func() time.Time
}

// New 创建引擎。rebuild 工作池由持有方创建并负责关闭。
func New(rdb Client, rebuild *pool.Pool, logger *zap.Logger, nullTTL, rebuildLockTTL time.Duration) *Engine {
	return &Engine{
		rdb:            rdb,
		rebuild:        rebuild,
		logger:         logger,
		nullTTL:        nullTTL,
		lockTTL:        rebuildLockTTL,
		rebuildTimeout: defaultRebuildTimeout,
		now:            time.Now,
	}
}

// GetWithNullCache 旁路读 + 空值缓存。未命中时回源 DB：
// 实体不存在则写入短 TTL 空标记，存在则按真实 TTL 写入序列化载荷。
// 返回 (nil, nil) 表示实体确认不存在。
func GetWithNullCache[T any](ctx context.Context, e *Engine, key string, ttl time.Duration, fallback func(context.Context) (*T, error)) (*T, error) {
	val, err := e.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if val == "" {
			// 命中空标记：DB 确认不存在，直接挡回
			return nil, nil
		}
		var out T
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("decode cache %s: %w", key, err)
		}
		return &out, nil
	case !errors.Is(err, rd.Nil):
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	entity, err := fallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("db fallback %s: %w", key, err)
	}
	if entity == nil {
		if err := e.rdb.Set(ctx, key, "", e.nullTTL).Err(); err != nil {
			e.logger.Warn("write null marker", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}

	b, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode cache %s: %w", key, err)
	}
	if err := e.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		// 回填失败不影响本次结果，下次未命中会再回源
		e.logger.Warn("backfill cache", zap.String("key", key), zap.Error(err))
	}
	return entity, nil
}

// SetWithLogicalExpire 写入逻辑过期条目：不设物理 TTL，条目不会悄然消失。
// 该策略依赖预热路径调用本方法填充缓存。
func SetWithLogicalExpire[T any](ctx context.Context, e *Engine, key string, value *T, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	env, err := json.Marshal(envelope{Data: b, ExpireAt: e.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", key, err)
	}
	if err := e.rdb.Set(ctx, key, env, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// GetWithLogicalExpire 逻辑过期读。未预热的键直接按未命中返回；
// 已过期的条目立即返回旧值，同时仅允许一个请求拿到重建锁去异步刷新。
func GetWithLogicalExpire[T any](ctx context.Context, e *Engine, key string, ttl time.Duration, fallback func(context.Context) (*T, error)) (*T, error) {
	val, err := e.rdb.Get(ctx, key).Result()
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(val), &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", key, err)
	}
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", key, err)
	}

	if env.ExpireAt.After(e.now()) {
		return &out, nil
	}

	// 已过期：尝试拿重建锁。拿不到说明已有人在重建，旧值直接返回。
	l := lock.New(e.rdb, "rebuild:"+key, e.lockTTL)
	ok, lockErr := l.TryLock(ctx)
	if lockErr != nil {
		e.logger.Warn("rebuild lock", zap.String("key", key), zap.Error(lockErr))
		return &out, nil
	}
	if ok {
		e.rebuild.Submit(func() {
			rebuildEntry(e, l, key, ttl, fallback)
		})
	}
	return &out, nil
}

// rebuildEntry 在工作池内回源并覆写条目。锁在任何退出路径下都会释放，
// 否则缓存刷新会被饿死到锁 TTL 自愈为止。
func rebuildEntry[T any](e *Engine, l *lock.Lock, key string, ttl time.Duration, fallback func(context.Context) (*T, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), e.rebuildTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rebuild panic", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	defer func() {
		unlockCtx, unlockCancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer unlockCancel()
		if err := l.Unlock(unlockCtx); err != nil {
			e.logger.Warn("release rebuild lock", zap.String("key", key), zap.Error(err))
		}
	}()

	fresh, err := fallback(ctx)
	if err != nil {
		e.logger.Error("rebuild fallback", zap.String("key", key), zap.Error(err))
		return
	}
	if fresh == nil {
		// 实体已从 DB 消失：保留旧条目不如不管，留给写路径删除缓存
		e.logger.Warn("rebuild found no entity", zap.String("key", key))
		return
	}
	if err := SetWithLogicalExpire(ctx, e, key, fresh, ttl); err != nil {
		e.logger.Error("rebuild set", zap.String("key", key), zap.Error(err))
	}
}
