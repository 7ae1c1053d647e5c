package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"wagerledger/internal/config"

	"github.com/go-redis/redis/v8"
)

// InitRedis 初始化 Redis 连接，句柄由调用方注入
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	log.Println("Redis 连接成功")
	return client
}
