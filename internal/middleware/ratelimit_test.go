package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// fakeEvaluator 按调用次数模拟滑动窗口计数：超过 limit 返回 -1。
type fakeEvaluator struct {
	mu    sync.Mutex
	limit int64
	count map[string]int64
	err   error
}

func (f *fakeEvaluator) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *rd.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return rd.NewCmdResult(nil, f.err)
	}
	if f.count == nil {
		f.count = make(map[string]int64)
	}
	key := keys[0]
	if f.count[key] >= f.limit {
		return rd.NewCmdResult(int64(-1), nil)
	}
	f.count[key]++
	return rd.NewCmdResult(f.count[key], nil)
}

func newRateLimitRouter(ev Evaluator, limit int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/buy", Session(), RedisRateLimit(ev, limit, time.Second), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": 0})
	})
	return r
}

func doBuy(r *gin.Engine, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/buy", nil)
	req.Header.Set("X-User-ID", userID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitAllowsWithinWindow(t *testing.T) {
	r := newRateLimitRouter(&fakeEvaluator{limit: 3}, 3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, doBuy(r, "1001").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, doBuy(r, "1001").Code)
}

func TestRateLimitIsPerUser(t *testing.T) {
	r := newRateLimitRouter(&fakeEvaluator{limit: 1}, 1)

	assert.Equal(t, http.StatusOK, doBuy(r, "1001").Code)
	assert.Equal(t, http.StatusTooManyRequests, doBuy(r, "1001").Code)
	// 另一个用户不受影响
	assert.Equal(t, http.StatusOK, doBuy(r, "1002").Code)
}

func TestRateLimitFailsOpenOnRedisError(t *testing.T) {
	r := newRateLimitRouter(&fakeEvaluator{err: errors.New("connection refused")}, 1)

	// 限流组件故障时降级放行，不拦截正常流量
	assert.Equal(t, http.StatusOK, doBuy(r, "1001").Code)
	assert.Equal(t, http.StatusOK, doBuy(r, "1001").Code)
}
