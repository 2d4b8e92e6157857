package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeFetcher 预灌一批消息，读空后阻塞到 ctx 取消，模拟 kafka.Reader。
type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeFetcher) committedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type fakeCommitter struct {
	mu    sync.Mutex
	calls []OrderMessage
	errs  []error // 依次返回，用尽后返回 nil
}

func (f *fakeCommitter) Commit(ctx context.Context, msg OrderMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeCommitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	tries    int
	unlocked int
}

func (f *fakeLock) TryLock(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tries++
	return !f.held, nil
}

func (f *fakeLock) Unlock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocked++
	return nil
}

func encode(t *testing.T, msg OrderMessage) kafka.Message {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func newTestConsumer(f *fakeFetcher, committer Committer, l *fakeLock) *Consumer {
	return &Consumer{
		r:         f,
		committer: committer,
		newLock:   func(string) UserLock { return l },
		logger:    zap.NewNop(),
		cfg: ConsumerConfig{
			LockTTL:      time.Second,
			LockAttempts: 3,
			LockDelay:    time.Millisecond,
		},
	}
}

func runUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestConsumerCommitsThenAcks(t *testing.T) {
	msg := OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}
	fetcher := &fakeFetcher{msgs: []kafka.Message{encode(t, msg)}}
	committer := &fakeCommitter{}
	l := &fakeLock{}
	c := newTestConsumer(fetcher, committer, l)

	runUntil(t, c, func() bool { return fetcher.committedCount() == 1 })

	require.Equal(t, 1, committer.callCount())
	assert.Equal(t, msg, committer.calls[0])
	assert.Equal(t, 1, l.tries)
	assert.Equal(t, 1, l.unlocked, "user lock must be released after commit")
}

func TestConsumerRetriesFailedCommitWithoutAck(t *testing.T) {
	msg := OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}
	fetcher := &fakeFetcher{msgs: []kafka.Message{encode(t, msg)}}
	committer := &fakeCommitter{errs: []error{errors.New("db down")}}
	l := &fakeLock{}
	c := newTestConsumer(fetcher, committer, l)

	// 第一次落库失败后原地重试，成功才提交 offset
	runUntil(t, c, func() bool { return fetcher.committedCount() == 1 })

	assert.GreaterOrEqual(t, committer.callCount(), 2)
}

func TestConsumerSkipsMalformedMessage(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []kafka.Message{
		{Value: []byte("not json")},
		encode(t, OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}),
	}}
	committer := &fakeCommitter{}
	l := &fakeLock{}
	c := newTestConsumer(fetcher, committer, l)

	runUntil(t, c, func() bool { return fetcher.committedCount() == 2 })

	// 脏消息只 ACK 不落库
	assert.Equal(t, 1, committer.callCount())
}

func TestConsumerSkipsInvalidMessage(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []kafka.Message{
		encode(t, OrderMessage{OrderID: 0, UserID: 1001, VoucherID: 7}),
	}}
	committer := &fakeCommitter{}
	l := &fakeLock{}
	c := newTestConsumer(fetcher, committer, l)

	runUntil(t, c, func() bool { return fetcher.committedCount() == 1 })

	assert.Zero(t, committer.callCount())
}

func TestConsumerCommitsDespiteLockContention(t *testing.T) {
	msg := OrderMessage{OrderID: 555001, UserID: 1001, VoucherID: 7}
	fetcher := &fakeFetcher{msgs: []kafka.Message{encode(t, msg)}}
	committer := &fakeCommitter{}
	l := &fakeLock{held: true}
	c := newTestConsumer(fetcher, committer, l)
	core, logs := observer.New(zapcore.WarnLevel)
	c.logger = zap.New(core)

	runUntil(t, c, func() bool { return fetcher.committedCount() == 1 })

	// 有限次重试后放行提交：事务查重 + 唯一索引保证无害
	assert.Equal(t, 3, l.tries)
	assert.Equal(t, 1, committer.callCount())
	assert.Zero(t, l.unlocked, "never unlock a lock we did not acquire")

	// 放行提交必须留下可审计的日志，带订单号与用户号
	entries := logs.FilterMessage("user lock contended, committing anyway").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(555001), fields["order_id"])
	assert.Equal(t, int64(1001), fields["user_id"])
}
