package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"voucher_mall/internal/cache"
	"voucher_mall/internal/config"
	"voucher_mall/internal/middleware"
	"voucher_mall/internal/model"
	"voucher_mall/internal/seckill"
	rediskey "voucher_mall/pkg/redis"
)

// Deps 路由层依赖，由 cmd/server 装配。
type Deps struct {
	DB      *gorm.DB
	RDB     *rd.Client
	Seckill *seckill.Service
	Cache   *cache.Engine
	Cfg     config.AppConfig
	Logger  *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// 秒杀核心
	r.POST("/api/seckill/:voucher_id",
		middleware.Session(),
		middleware.RedisRateLimit(d.RDB, d.Cfg.BuyRateLimit, d.Cfg.BuyRateWindow),
		submitOrder(d))
	r.GET("/api/orders/:order_id", middleware.Session(), getOrder(d))

	// 秒杀券管理与读路径
	r.POST("/api/vouchers", createVoucher(d))
	r.POST("/api/vouchers/:voucher_id/preload", preloadVoucher(d))
	r.GET("/api/vouchers/:voucher_id", getVoucher(d))

	// 商铺读路径（缓存一致性层）
	r.GET("/api/shops/:shop_id", getShop(d))
	r.PUT("/api/shops/:shop_id", updateShop(d))
	r.POST("/api/shops/:shop_id/preload", preloadShop(d))
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": name + " 无效"})
		return 0, false
	}
	return id, true
}

func requireAdmin(c *gin.Context, token string) bool {
	if c.GetHeader("X-Admin-Token") != token {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
		return false
	}
	return true
}

// submitOrder 秒杀下单入口：准入成功立刻返回订单号，落库异步完成。
func submitOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := parseID(c, "voucher_id")
		if !ok {
			return
		}
		userID, ok := middleware.CurrentUser(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "未登录"})
			return
		}

		orderID, err := d.Seckill.Submit(c.Request.Context(), userID, voucherID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{
				"code": 0,
				"data": gin.H{"order_id": orderID, "status": "pending"},
			})
		case errors.Is(err, seckill.ErrVoucherNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
		case errors.Is(err, seckill.ErrNotStarted):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀尚未开始"})
		case errors.Is(err, seckill.ErrEnded):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀已经结束"})
		case errors.Is(err, seckill.ErrSoldOut):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "库存不足"})
		case errors.Is(err, seckill.ErrDuplicateOrder):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "不能重复下单"})
		default:
			d.Logger.Error("submit order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "下单失败，请稍后再试"})
		}
	}
}

// getOrder 查询订单。落库是异步的，查不到时提示处理中。
func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseID(c, "order_id")
		if !ok {
			return
		}
		userID, _ := middleware.CurrentUser(c)

		var order model.VoucherOrder
		err := d.DB.WithContext(c.Request.Context()).
			First(&order, "id = ? AND user_id = ?", orderID, userID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在或仍在处理中"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": order})
	}
}

// createVoucher 创建秒杀券（含时间窗校验，管理员接口）。
func createVoucher(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c, d.Cfg.AdminToken) {
			return
		}
		var req struct {
			VoucherID int64  `json:"voucher_id" binding:"required,min=1"`
			Title     string `json:"title" binding:"required"`
			Stock     int64  `json:"stock" binding:"required,min=1"`
			Price     int64  `json:"price" binding:"required,min=1"`
			BeginTime string `json:"begin_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "begin_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(begin) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 begin_time"})
			return
		}
		v := &model.SeckillVoucher{
			VoucherID: req.VoucherID,
			Title:     req.Title,
			Stock:     req.Stock,
			Price:     req.Price,
			BeginTime: begin,
			EndTime:   end,
		}
		if err := d.DB.WithContext(c.Request.Context()).Create(v).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
	}
}

// preloadVoucher 将 DB 库存预热到 Redis，供准入脚本扣减。
func preloadVoucher(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c, d.Cfg.AdminToken) {
			return
		}
		voucherID, ok := parseID(c, "voucher_id")
		if !ok {
			return
		}
		err := d.Seckill.Preload(c.Request.Context(), voucherID, d.Cfg.StockCacheTTL)
		if err != nil {
			if errors.Is(err, seckill.ErrVoucherNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getVoucher 秒杀券详情，走空值缓存策略挡穿透。
func getVoucher(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := parseID(c, "voucher_id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		voucher, err := cache.GetWithNullCache(ctx, d.Cache, rediskey.CacheVoucherKey(voucherID), d.Cfg.VoucherCacheTTL,
			func(ctx context.Context) (*model.SeckillVoucher, error) {
				var v model.SeckillVoucher
				if err := d.DB.WithContext(ctx).First(&v, "voucher_id = ?", voucherID).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return &v, nil
			})
		if err != nil {
			d.Logger.Error("get voucher", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "查询失败"})
			return
		}
		if voucher == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": voucher})
	}
}

// getShop 商铺详情，走逻辑过期策略：热点键过期时返回旧值并异步重建。
func getShop(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		shopID, ok := parseID(c, "shop_id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		shop, err := cache.GetWithLogicalExpire(ctx, d.Cache, rediskey.CacheShopKey(shopID), d.Cfg.ShopCacheTTL,
			shopFallback(d, shopID))
		if err != nil {
			d.Logger.Error("get shop", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "查询失败"})
			return
		}
		if shop == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商铺不存在或未预热"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": shop})
	}
}

// updateShop 先改 DB 再删缓存（write-around），下次读触发回源。
func updateShop(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c, d.Cfg.AdminToken) {
			return
		}
		shopID, ok := parseID(c, "shop_id")
		if !ok {
			return
		}
		// 指针字段区分“未提供”与“显式置零”，只更新请求里出现的列
		var req struct {
			Name     *string `json:"name"`
			Address  *string `json:"address"`
			AvgPrice *int64  `json:"avg_price"`
			Score    *int    `json:"score"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		updates := map[string]any{}
		if req.Name != nil {
			updates["name"] = *req.Name
		}
		if req.Address != nil {
			updates["address"] = *req.Address
		}
		if req.AvgPrice != nil {
			updates["avg_price"] = *req.AvgPrice
		}
		if req.Score != nil {
			updates["score"] = *req.Score
		}
		if len(updates) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "没有可更新的字段"})
			return
		}
		ctx := c.Request.Context()
		res := d.DB.WithContext(ctx).Model(&model.Shop{}).Where("id = ?", shopID).
			Updates(updates)
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商铺不存在"})
			return
		}
		if err := d.RDB.Del(ctx, rediskey.CacheShopKey(shopID)).Err(); err != nil {
			d.Logger.Warn("evict shop cache", zap.Int64("shop_id", shopID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "更新成功"})
	}
}

// preloadShop 商铺缓存预热：逻辑过期策略要求读之前先填充。
func preloadShop(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c, d.Cfg.AdminToken) {
			return
		}
		shopID, ok := parseID(c, "shop_id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		shop, err := shopFallback(d, shopID)(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if shop == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商铺不存在"})
			return
		}
		if err := cache.SetWithLogicalExpire(ctx, d.Cache, rediskey.CacheShopKey(shopID), shop, d.Cfg.ShopCacheTTL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

func shopFallback(d Deps, shopID int64) func(context.Context) (*model.Shop, error) {
	return func(ctx context.Context) (*model.Shop, error) {
		var shop model.Shop
		if err := d.DB.WithContext(ctx).First(&shop, "id = ?", shopID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &shop, nil
	}
}
