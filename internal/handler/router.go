package handler

import (
	"wagerledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		ledger := api.Group("/ledger")
		{
			// 入金类
			ledger.POST("/deposit", h.Deposit)
			ledger.POST("/bonus", h.GrantBonus)
			ledger.POST("/freespins", h.GrantFreeSpins)

			// 投注与赢取
			ledger.POST("/bet", h.Bet)
			ledger.POST("/win", h.Win)

			// 提现与冲正
			ledger.POST("/withdraw", h.Withdraw)
			ledger.POST("/refund", h.Refund)
			ledger.GET("/withdraw/eligibility", h.CanWithdraw)

			// 查询
			ledger.GET("/balance", h.GetBalance)
			ledger.GET("/statistics", h.GetStatistics)
			ledger.GET("/events", h.ListEvents)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
