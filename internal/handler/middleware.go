package handler

import (
	"log"
	"net/http"
	"time"

	"wagerledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware 访问日志中间件
// 与后台任务保持同一种 [组件] 前缀格式，便于在混合日志流里过滤
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}

		c.Next()

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			c.Writer.Status(),
			time.Since(start),
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件
// panic 不能击穿账本服务；响应沿用统一的业务错误码信封，
// 调用方不需要为 panic 单独解析一种响应格式
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[HTTP] panic: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
// 账本接口只有 GET/POST，只接收 JSON 请求体，允许的方法和头按此收紧
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
