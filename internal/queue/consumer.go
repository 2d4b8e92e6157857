package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"voucher_mall/internal/lock"
	"voucher_mall/internal/pkg/retry"
)

// Committer 由消费循环直接调用的订单落库服务。
type Committer interface {
	Commit(ctx context.Context, msg OrderMessage) error
}

// UserLock 单次加锁尝试的句柄。
type UserLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// fetcher 是 *kafka.Reader 的消费端子集，拆开便于测试。
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ConsumerConfig 锁与重试参数。
type ConsumerConfig struct {
	LockTTL      time.Duration
	LockAttempts int
	LockDelay    time.Duration
}

// Consumer 单协程顺序消费下单消息并提交到 DB。
// 顺序消费刻意串行化昂贵的事务写路径；吞吐靠多进程共享 group 水平扩展。
type Consumer struct {
	r         fetcher
	committer Committer
	newLock   func(name string) UserLock
	logger    *zap.Logger
	cfg       ConsumerConfig

	closer func() error
}

func NewConsumer(brokers []string, topic, groupID string, committer Committer, rdb lock.Client, logger *zap.Logger, cfg ConsumerConfig) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1e3,
		MaxBytes: 1e6,
	})
	return &Consumer{
		r:         r,
		committer: committer,
		newLock: func(name string) UserLock {
			return lock.New(rdb, name, cfg.LockTTL)
		},
		logger: logger,
		cfg:    cfg,
		closer: r.Close,
	}
}

func (c *Consumer) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// Run 持续消费直到 ctx 取消。offset 只在订单成功落库后提交：
// 提交前崩溃会导致重投递，由落库幂等性兜底。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("fetch message", zap.Error(err))
			sleep(ctx, retryDelay)
			continue
		}

		var msg OrderMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.logger.Error("consumer unmarshal, skipping", zap.Error(err))
			c.commitOffset(ctx, m)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.logger.Error("invalid order message, skipping", zap.Error(err))
			c.commitOffset(ctx, m)
			continue
		}

		// 已准入的消息绝不丢弃：落库失败原地重试，直到成功或进程退出
		for {
			err := c.handle(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("commit order, retrying",
				zap.Int64("order_id", msg.OrderID),
				zap.Error(err),
			)
			sleep(ctx, retryDelay)
		}
		c.commitOffset(ctx, m)
	}
}

var errLockContended = errors.New("user lock contended")

func (c *Consumer) handle(ctx context.Context, msg OrderMessage) error {
	l := c.newLock(fmt.Sprintf("order:%d", msg.UserID))

	acquired := false
	lockErr := retry.Do(ctx, c.cfg.LockAttempts, c.cfg.LockDelay, func() error {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errLockContended
		}
		acquired = true
		return nil
	})
	if lockErr != nil && !errors.Is(lockErr, errLockContended) {
		return fmt.Errorf("acquire user lock: %w", lockErr)
	}
	if acquired {
		defer func() {
			if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("release user lock", zap.Int64("user_id", msg.UserID), zap.Error(err))
			}
		}()
	} else {
		// 锁持续被占也不能卡死分区：事务内查重 + 唯一索引保证重复提交无害。
		// 带上订单号，方便事后审计这类放行提交。
		c.logger.Warn("user lock contended, committing anyway",
			zap.Int64("order_id", msg.OrderID),
			zap.Int64("user_id", msg.UserID),
		)
	}

	return c.committer.Commit(ctx, msg)
}

func (c *Consumer) commitOffset(ctx context.Context, m kafka.Message) {
	if err := c.r.CommitMessages(ctx, m); err != nil {
		// 提交失败只会造成重投递，落库幂等性使其安全
		c.logger.Warn("commit offset", zap.Error(err))
	}
}
