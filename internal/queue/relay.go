package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	rediskey "voucher_mall/pkg/redis"
)

const (
	liveBlock  = 2 * time.Second
	retryDelay = 300 * time.Millisecond
	readCount  = 16
)

// StreamClient 是 Relay 所需的最小 Stream 能力。
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *rd.StatusCmd
	XReadGroup(ctx context.Context, a *rd.XReadGroupArgs) *rd.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *rd.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *rd.IntCmd
}

// Publisher 对接下游投递端（Kafka）。
type Publisher interface {
	Publish(ctx context.Context, msg OrderMessage) error
}

// Relay 把 Stream outbox 事件转发到 Kafka。
// 语义：投递成功后才 ACK，失败的消息留在 pending-list 等待重投。
// 多进程可共用同一 group、各自报不同 consumer 名来分摊消息。
type Relay struct {
	rdb       StreamClient
	publisher Publisher
	logger    *zap.Logger

	group    string
	consumer string
}

func NewRelay(rdb StreamClient, publisher Publisher, logger *zap.Logger, group, consumer string) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		logger:    logger,
		group:     group,
		consumer:  consumer,
	}
}

// Run 持续消费直到 ctx 取消。
// 正常路径读新消息（">"）；任何读取/处理失败都切换到 pending 清扫，
// 把本消费者遗留的未 ACK 消息清空后再回到实时消费。
func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.logger.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.consumeLive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("relay live read", zap.Error(err))
			r.drainPending(ctx)
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, rediskey.OrderStreamKey, r.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) consumeLive(ctx context.Context) error {
	msgs, err := r.readGroup(ctx, ">", liveBlock)
	if err != nil {
		return err
	}
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			return err
		}
	}
	return nil
}

// drainPending 从 "0" 读取本消费者自己的未 ACK 积压并逐条补投，
// 清空后返回；瞬时错误固定间隔重试而不上抛——这条循环没有可报告的调用方。
func (r *Relay) drainPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			r.logger.Error("relay read pending", zap.Error(err))
			sleep(ctx, retryDelay)
			continue
		}
		if len(msgs) == 0 {
			return
		}
		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				r.logger.Error("relay process pending", zap.String("id", xm.ID), zap.Error(err))
				sleep(ctx, retryDelay)
				break
			}
		}
	}
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{rediskey.OrderStreamKey, streamID},
		Count:    readCount,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, readCount)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseOrderMessage(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免堵死队列
		r.logger.Warn("relay drop malformed entry", zap.String("id", xm.ID), zap.Error(err))
		return r.ackAndDelete(ctx, xm.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, msg); err != nil {
		return fmt.Errorf("publish order %d: %w", msg.OrderID, err)
	}
	return r.ackAndDelete(ctx, xm.ID)
}

// ackAndDelete ACK 后顺手删除条目。两步非原子：ACK 成功而 DEL 失败只会
// 留下一条已确认的孤儿条目，无消费语义影响。
func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	if err := r.rdb.XAck(ctx, rediskey.OrderStreamKey, r.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if err := r.rdb.XDel(ctx, rediskey.OrderStreamKey, id).Err(); err != nil {
		r.logger.Warn("relay delete acked entry", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func parseOrderMessage(values map[string]interface{}) (OrderMessage, error) {
	orderID, err := getStreamInt64(values, "order_id")
	if err != nil {
		return OrderMessage{}, err
	}
	userID, err := getStreamInt64(values, "user_id")
	if err != nil {
		return OrderMessage{}, err
	}
	voucherID, err := getStreamInt64(values, "voucher_id")
	if err != nil {
		return OrderMessage{}, err
	}

	msg := OrderMessage{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	if err := msg.Validate(); err != nil {
		return OrderMessage{}, err
	}
	return msg, nil
}

func getStreamInt64(values map[string]interface{}, key string) (int64, error) {
	v, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, x)
		}
		return n, nil
	case []byte:
		n, err := strconv.ParseInt(string(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, x)
		}
		return n, nil
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
