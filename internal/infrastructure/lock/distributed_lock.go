package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 场景：同一玩家的提现请求可能重复提交（网络抖动、用户连点），
// 提现的资格检查 + 红利作废跨越数据库事务之外的前置读取，
// 行锁之外再按玩家维度加一把 Redis 锁，把整个提现流程串行化。
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】先校验 value 再删除，避免锁过期后误删后续持有者的锁；
// 校验和删除必须在同一个 Lua 脚本里执行才是原子的
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewWithdrawLock 创建提现锁（按玩家维度）
//
// 按玩家加锁：不同玩家可以并发提现，同一玩家的提现串行执行。
// value 使用提现单号，便于追踪是哪个请求持有锁
func NewWithdrawLock(client *redis.Client, playerID int64, withdrawalNo string) *DistributedLock {
	key := fmt.Sprintf("ledger:withdraw:lock:player:%d", playerID)
	return NewDistributedLock(client, key, withdrawalNo, 30*time.Second)
}
