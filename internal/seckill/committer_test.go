package seckill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voucher_mall/internal/model"
	"voucher_mall/internal/queue"
	rediskey "voucher_mall/pkg/redis"
)

func TestCommitCreatesOrderAndDecrementsStock(t *testing.T) {
	db := newTestDB(t)
	seedVoucher(t, db, 7, 10)
	c := NewCommitter(db, zap.NewNop())

	msg := queue.OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}
	require.NoError(t, c.Commit(context.Background(), msg))

	var order model.VoucherOrder
	require.NoError(t, db.First(&order, "id = ?", msg.OrderID).Error)
	assert.Equal(t, int64(1001), order.UserID)
	assert.Equal(t, int64(7), order.VoucherID)
	assert.Equal(t, model.OrderStatusUnpaid, order.Status)

	var voucher model.SeckillVoucher
	require.NoError(t, db.First(&voucher, "voucher_id = ?", 7).Error)
	assert.Equal(t, int64(9), voucher.Stock)
}

func TestCommitReplayIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedVoucher(t, db, 7, 10)
	c := NewCommitter(db, zap.NewNop())
	ctx := context.Background()

	msg := queue.OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}

	// ACK 丢失后的重投递：同一消息提交两次
	require.NoError(t, c.Commit(ctx, msg))
	require.NoError(t, c.Commit(ctx, msg))

	var orders int64
	require.NoError(t, db.Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", 1001, 7).Count(&orders).Error)
	assert.Equal(t, int64(1), orders, "replay must not create a second order")

	var voucher model.SeckillVoucher
	require.NoError(t, db.First(&voucher, "voucher_id = ?", 7).Error)
	assert.Equal(t, int64(9), voucher.Stock, "replay must not decrement stock twice")
}

func TestCommitStockFloorAbandonsOrder(t *testing.T) {
	db := newTestDB(t)
	seedVoucher(t, db, 7, 0)
	c := NewCommitter(db, zap.NewNop())

	// 缓存侧准入过，但 DB 库存已见底（状态分叉）：放弃且不报错
	msg := queue.OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}
	require.NoError(t, c.Commit(context.Background(), msg))

	var orders int64
	require.NoError(t, db.Model(&model.VoucherOrder{}).Count(&orders).Error)
	assert.Equal(t, int64(0), orders)

	var voucher model.SeckillVoucher
	require.NoError(t, db.First(&voucher, "voucher_id = ?", 7).Error)
	assert.Equal(t, int64(0), voucher.Stock, "stock never goes below zero")
}

func TestCommitSecondMessageSameUserIsNoOp(t *testing.T) {
	db := newTestDB(t)
	seedVoucher(t, db, 7, 10)
	c := NewCommitter(db, zap.NewNop())
	ctx := context.Background()

	// 同一用户带不同订单号的两条消息（异常场景）：查重兜底，只落一单
	require.NoError(t, c.Commit(ctx, queue.OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}))
	require.NoError(t, c.Commit(ctx, queue.OrderMessage{OrderID: 555002, UserID: 1001, VoucherID: 7}))

	var orders int64
	require.NoError(t, db.Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", 1001, 7).Count(&orders).Error)
	assert.Equal(t, int64(1), orders)

	var voucher model.SeckillVoucher
	require.NoError(t, db.First(&voucher, "voucher_id = ?", 7).Error)
	assert.Equal(t, int64(9), voucher.Stock, "second message must not decrement stock again")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: voucher_orders.user_id")))
}

// TestSeckillEndToEnd 覆盖端到端场景：库存为 1，两个用户并发抢购，
// 恰好一人拿到订单号；排空 outbox 落库后订单可查、库存归零。
func TestSeckillEndToEnd(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStore()
	svc := newTestService(db, store)
	committer := NewCommitter(db, zap.NewNop())
	ctx := context.Background()

	seedVoucher(t, db, 7, 1)
	require.NoError(t, svc.Preload(ctx, 7, time.Hour))

	type result struct {
		userID  int64
		orderID int64
		err     error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, userID := range []int64{1001, 1002} {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			orderID, err := svc.Submit(ctx, uid, 7)
			results <- result{userID: uid, orderID: orderID, err: err}
		}(userID)
	}
	wg.Wait()
	close(results)

	var winner result
	var admitted, rejected int
	for r := range results {
		if r.err == nil {
			admitted++
			winner = r
		} else {
			require.ErrorIs(t, r.err, ErrSoldOut)
			rejected++
		}
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, 1, rejected)

	// 模拟消费端排空 outbox
	for _, entry := range store.stream {
		var msg queue.OrderMessage
		fmt.Sscan(entry["order_id"].(string), &msg.OrderID)
		fmt.Sscan(entry["user_id"].(string), &msg.UserID)
		fmt.Sscan(entry["voucher_id"].(string), &msg.VoucherID)
		require.NoError(t, committer.Commit(ctx, msg))
	}

	var order model.VoucherOrder
	require.NoError(t, db.First(&order, "id = ? AND user_id = ?", winner.orderID, winner.userID).Error)

	var voucher model.SeckillVoucher
	require.NoError(t, db.First(&voucher, "voucher_id = ?", 7).Error)
	assert.Equal(t, int64(0), voucher.Stock)
	assert.Equal(t, int64(0), store.stock[rediskey.SeckillStockKey(7)])
}
