package service

import (
	"errors"
	"fmt"
)

// 账本错误分类
// 每一类都代表一个需要调用方（API 层）明确告知用户或显式重试的资金决策，
// 除版本冲突外，账本内部不做任何静默恢复
var (
	ErrValidation            = errors.New("参数校验失败")
	ErrInsufficientBalance   = errors.New("余额不足")
	ErrInsufficientFreeSpins = errors.New("免费旋转次数不足")
	ErrConcurrencyConflict   = errors.New("并发冲突，请重试")
)

// WithdrawalNotEligibleError 提现未解锁
// 携带剩余充值流水金额，便于提示用户还差多少
type WithdrawalNotEligibleError struct {
	DepositWRRemaining int64
}

func (e *WithdrawalNotEligibleError) Error() string {
	return fmt.Sprintf("提现未解锁，剩余充值流水要求: %d", e.DepositWRRemaining)
}
