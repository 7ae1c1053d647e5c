package model

import (
	"time"
)

// PlayerBalance 玩家余额表
// 每个玩家一行，是整个流水账系统的核心数据
//
// 【重要】所有金额字段均为最小货币单位（分）的整数，禁止浮点数
//
// 余额分为两部分：
//   - RealBalance:  真实余额，解锁后可自由提现
//   - BonusBalance: 红利余额，不可直接提现，流水打完后转换为真实余额
//
// 流水要求（WR）分为两个独立的池：
//   - DepositWRRemaining: 充值产生的流水要求，未清零时禁止提现
//   - BonusWRRemaining:   红利产生的流水要求，清零时触发红利转换
type PlayerBalance struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PlayerID           int64     `gorm:"uniqueIndex;not null" json:"player_id"`
	RealBalance        int64     `gorm:"not null;default:0" json:"real_balance"`
	BonusBalance       int64     `gorm:"not null;default:0" json:"bonus_balance"`
	DepositWRRemaining int64     `gorm:"not null;default:0" json:"deposit_wr_remaining"`
	BonusWRRemaining   int64     `gorm:"not null;default:0" json:"bonus_wr_remaining"`
	FreeSpinsRemaining int64     `gorm:"not null;default:0" json:"free_spins_remaining"`
	TotalWagered       int64     `gorm:"not null;default:0" json:"total_wagered"`        // 累计投注（只增不减）
	TotalWon           int64     `gorm:"not null;default:0" json:"total_won"`            // 累计赢取
	TotalDeposited     int64     `gorm:"not null;default:0" json:"total_deposited"`      // 累计充值
	TotalWithdrawn     int64     `gorm:"not null;default:0" json:"total_withdrawn"`      // 累计提现
	TotalBonusGranted  int64     `gorm:"not null;default:0" json:"total_bonus_granted"`  // 累计发放红利
	TotalFreeSpinWins  int64     `gorm:"not null;default:0" json:"total_free_spin_wins"` // 累计免费旋转赢取
	Version            int       `gorm:"not null;default:0" json:"version"`              // 版本号，每次写入递增
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PlayerBalance) TableName() string {
	return "player_balance"
}
