package model

import (
	"time"
)

// ============================================================================
// 账变事件类型常量
// ============================================================================

const (
	EventTypeDeposit       = "DEPOSIT"         // 充值
	EventTypeBonusAward    = "BONUS_AWARD"     // 发放红利
	EventTypeFreeSpinGrant = "FREE_SPIN_GRANT" // 发放免费旋转
	EventTypeBet           = "BET"             // 投注
	EventTypeWin           = "WIN"             // 赢取
	EventTypeBonusConvert  = "BONUS_CONVERT"   // 红利转换为真实余额
	EventTypeWithdrawal    = "WITHDRAWAL"      // 提现
	EventTypeAdjustment    = "ADJUSTMENT"      // 调整（提现失败冲正等）
)

const (
	EventStatusCompleted = "COMPLETED"
)

// ============================================================================
// 账变事件实体
// ============================================================================

// LedgerEvent 账变事件表
// 记录每一笔余额变动，是对账和争议处理的核心依据
//
// 【重要】事件表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 记录变动前后的真实/红利余额快照 —— 便于校验余额一致性
// 3. 与余额变动写在同一个数据库事务内 —— 账和流水永不分叉
type LedgerEvent struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventNo            string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_no"` // 事件号（全局唯一）
	PlayerID           int64     `gorm:"index;not null" json:"player_id"`
	Type               string    `gorm:"type:varchar(20);not null" json:"type"`
	Status             string    `gorm:"type:varchar(20);not null" json:"status"`
	Amount             int64     `gorm:"not null" json:"amount"`       // 事件金额（分）
	WagerAmount        int64     `gorm:"not null" json:"wager_amount"` // 投注金额，仅 BET 事件有意义
	RealBalanceBefore  int64     `gorm:"not null" json:"real_balance_before"`
	RealBalanceAfter   int64     `gorm:"not null" json:"real_balance_after"`
	BonusBalanceBefore int64     `gorm:"not null" json:"bonus_balance_before"`
	BonusBalanceAfter  int64     `gorm:"not null" json:"bonus_balance_after"`
	Metadata           string    `gorm:"type:text" json:"metadata"` // 附加信息（JSON）
	CreatedAt          time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEvent) TableName() string {
	return "ledger_event"
}
