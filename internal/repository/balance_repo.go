package repository

import (
	"context"
	"errors"

	"wagerledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound = errors.New("玩家余额记录不存在")
	ErrVersionConflict = errors.New("余额版本冲突，请重试")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByPlayerID(ctx context.Context, playerID int64) (*model.PlayerBalance, error) {
	var balance model.PlayerBalance
	err := r.db.WithContext(ctx).Where("player_id = ?", playerID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetByPlayerIDForUpdate 在事务内以行锁读取玩家余额
//
// 【关键点】SELECT ... FOR UPDATE 把该玩家的行锁定到事务结束，
// 同一玩家的并发投注/赢取/提现会在这里串行化，跨玩家互不影响
func (r *BalanceRepository) GetByPlayerIDForUpdate(ctx context.Context, tx *gorm.DB, playerID int64) (*model.PlayerBalance, error) {
	var balance model.PlayerBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ?", playerID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreate 懒创建玩家余额记录，所有字段置零
// 并发首次访问时由唯一索引 + ON CONFLICT DO NOTHING 保证只创建一行
func (r *BalanceRepository) GetOrCreate(ctx context.Context, playerID int64) (*model.PlayerBalance, error) {
	balance, err := r.GetByPlayerID(ctx, playerID)
	if err == nil {
		return balance, nil
	}

	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	newBalance := &model.PlayerBalance{
		PlayerID: playerID,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "player_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error

	if err != nil {
		return nil, err
	}

	return r.GetByPlayerID(ctx, playerID)
}

// SaveLocked 在事务内写回已持有行锁的余额记录
//
// 行锁已经保证了互斥，version 条件在这里是一道保险：如果写回时
// 版本对不上，说明调用路径绕过了锁，宁可报冲突也不覆盖
func (r *BalanceRepository) SaveLocked(ctx context.Context, tx *gorm.DB, balance *model.PlayerBalance) error {
	result := tx.WithContext(ctx).
		Model(&model.PlayerBalance{}).
		Where("player_id = ? AND version = ?", balance.PlayerID, balance.Version).
		Updates(map[string]interface{}{
			"real_balance":         balance.RealBalance,
			"bonus_balance":        balance.BonusBalance,
			"deposit_wr_remaining": balance.DepositWRRemaining,
			"bonus_wr_remaining":   balance.BonusWRRemaining,
			"free_spins_remaining": balance.FreeSpinsRemaining,
			"total_wagered":        balance.TotalWagered,
			"total_won":            balance.TotalWon,
			"total_deposited":      balance.TotalDeposited,
			"total_withdrawn":      balance.TotalWithdrawn,
			"total_bonus_granted":  balance.TotalBonusGranted,
			"total_free_spin_wins": balance.TotalFreeSpinWins,
			"version":              gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}

	balance.Version++
	return nil
}
