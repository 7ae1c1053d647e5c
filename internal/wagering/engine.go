// Package wagering 实现纯函数形式的流水扣减引擎
//
// 引擎不依赖存储、不依赖配置、不持有任何状态，输入状态和投注金额，
// 输出新状态和是否发生红利转换，便于在脱离数据库的环境下单独测试。
package wagering

// State 流水引擎的输入/输出状态（金额均为分）
type State struct {
	RealBalance        int64
	BonusBalance       int64
	DepositWRRemaining int64
	BonusWRRemaining   int64
}

// Result 一次投注对流水池的作用结果
type Result struct {
	State           State
	ConvertedAmount int64 // 大于 0 表示本次投注触发了红利转换，值为转入真实余额的金额
}

// ApplyWager 将投注金额作用到两个流水池上，并判定红利转换
//
// 【计数策略】两个流水池各自按投注全额独立扣减，不做拆分——
// 即一笔投注同时计入所有生效中的流水要求。该策略直接决定流水
// 解锁的速度，调整时两个池要一起审视。
//
// 转换规则：红利流水池清零且红利余额大于 0 时，红利余额全额转入
// 真实余额。调用方必须在同一个数据库事务内完成转换落库，
// “红利流水为 0 但红利余额大于 0”的中间状态不允许持久化。
func ApplyWager(s State, wagerAmount int64) Result {
	if wagerAmount < 0 {
		wagerAmount = 0
	}

	next := s
	next.DepositWRRemaining = reduce(s.DepositWRRemaining, wagerAmount)
	next.BonusWRRemaining = reduce(s.BonusWRRemaining, wagerAmount)

	var converted int64
	if next.BonusWRRemaining == 0 && next.BonusBalance > 0 {
		converted = next.BonusBalance
		next.RealBalance += converted
		next.BonusBalance = 0
	}

	return Result{State: next, ConvertedAmount: converted}
}

// reduce 扣减单个流水池，池不允许为负
func reduce(remaining, amount int64) int64 {
	if amount >= remaining {
		return 0
	}
	return remaining - amount
}
