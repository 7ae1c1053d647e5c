package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"wagerledger/internal/config"
	"wagerledger/internal/infrastructure/lock"
	"wagerledger/internal/model"
	"wagerledger/internal/repository"
	"wagerledger/internal/wagering"
	"wagerledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const retryDelay = 10 * time.Millisecond

// LedgerService 玩家余额与流水要求账本
//
// 【关键点】每个写操作都必须满足：
// 1. 原子性：余额变动、账变事件、发件箱消息在同一个数据库事务内落库
// 2. 并发安全：事务内以 SELECT ... FOR UPDATE 锁定玩家行，
//    同一玩家的并发操作串行化，失败时整体回滚，不留半截状态
// 3. 审计完整：每次成功变动恰好产生一条账变事件（红利转换额外一条），
//    事件带变动前后的余额快照
type LedgerService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	balanceRepo *repository.BalanceRepository
	eventRepo   *repository.EventRepository
	outboxRepo  *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		balanceRepo: repository.NewBalanceRepository(db),
		eventRepo:   repository.NewEventRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// ============================================================
// 事件草稿与事务骨架
// ============================================================

type balanceSnapshot struct {
	Real  int64
	Bonus int64
}

func snapshotOf(b *model.PlayerBalance) balanceSnapshot {
	return balanceSnapshot{Real: b.RealBalance, Bonus: b.BonusBalance}
}

// eventDraft 变更函数产出的事件草稿，落库时补全事件号和时间
type eventDraft struct {
	Type        string
	Amount      int64 // 入账为正，出账为负
	WagerAmount int64
	Before      balanceSnapshot
	After       balanceSnapshot
	Metadata    map[string]interface{}
}

// mutateFn 在行锁保护下修改余额，返回要追加的事件草稿
type mutateFn func(b *model.PlayerBalance) ([]eventDraft, error)

// mutate 所有写操作共用的事务骨架：
// 懒创建 → 行锁读取 → 变更 → 不变量校验 → 写回 → 事件 + 发件箱
//
// 行锁下版本冲突按理不会发生，版本守卫触发时按有限次数重试整个操作
func (s *LedgerService) mutate(ctx context.Context, playerID int64, fn mutateFn) (*model.PlayerBalance, error) {
	if _, err := s.balanceRepo.GetOrCreate(ctx, playerID); err != nil {
		return nil, fmt.Errorf("获取玩家余额失败: %w", err)
	}

	// 重试次数至少为 1，配置错误不能让操作一次都不执行
	maxRetries := s.cfg.Business.MaxRetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	var balance *model.PlayerBalance
	var err error
	for i := 0; i < maxRetries; i++ {
		balance, err = s.mutateOnce(ctx, playerID, fn)
		if !errors.Is(err, repository.ErrVersionConflict) {
			return balance, err
		}
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
}

func (s *LedgerService) mutateOnce(ctx context.Context, playerID int64, fn mutateFn) (*model.PlayerBalance, error) {
	var result *model.PlayerBalance

	err := s.db.Transaction(func(tx *gorm.DB) error {
		balance, err := s.balanceRepo.GetByPlayerIDForUpdate(ctx, tx, playerID)
		if err != nil {
			return err
		}

		drafts, err := fn(balance)
		if err != nil {
			return err
		}

		if err := checkInvariants(balance); err != nil {
			return err
		}

		if err := s.balanceRepo.SaveLocked(ctx, tx, balance); err != nil {
			return err
		}

		for _, draft := range drafts {
			if err := s.appendEvent(ctx, tx, playerID, draft); err != nil {
				return err
			}
		}

		result = balance
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// appendEvent 落库一条账变事件，同事务写入发件箱消息
func (s *LedgerService) appendEvent(ctx context.Context, tx *gorm.DB, playerID int64, draft eventDraft) error {
	metadataBytes, _ := json.Marshal(draft.Metadata)

	event := &model.LedgerEvent{
		EventNo:            idgen.GenerateEventNo(),
		PlayerID:           playerID,
		Type:               draft.Type,
		Status:             model.EventStatusCompleted,
		Amount:             draft.Amount,
		WagerAmount:        draft.WagerAmount,
		RealBalanceBefore:  draft.Before.Real,
		RealBalanceAfter:   draft.After.Real,
		BonusBalanceBefore: draft.Before.Bonus,
		BonusBalanceAfter:  draft.After.Bonus,
		Metadata:           string(metadataBytes),
	}

	if err := s.eventRepo.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("记录账变事件失败: %w", err)
	}

	payloadBytes, _ := json.Marshal(event)
	outboxMsg := &model.OutboxMessage{
		MessageKey: event.EventNo,
		Topic:      s.cfg.Kafka.Topic.LedgerEvents,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
		return fmt.Errorf("写入发件箱消息失败: %w", err)
	}

	return nil
}

// checkInvariants 写回前的不变量守卫，任何违反都回滚整个事务
func checkInvariants(b *model.PlayerBalance) error {
	if b.RealBalance < 0 || b.BonusBalance < 0 ||
		b.DepositWRRemaining < 0 || b.BonusWRRemaining < 0 ||
		b.FreeSpinsRemaining < 0 {
		return fmt.Errorf("余额不变量被破坏: player=%d", b.PlayerID)
	}
	if b.BonusWRRemaining == 0 && b.BonusBalance > 0 {
		return fmt.Errorf("红利流水已清零但红利未转换: player=%d", b.PlayerID)
	}
	return nil
}

// resolveConversion 红利流水为零时把红利余额转入真实余额
// 返回转换金额，0 表示未发生转换
func resolveConversion(b *model.PlayerBalance) int64 {
	if b.BonusWRRemaining != 0 || b.BonusBalance <= 0 {
		return 0
	}
	converted := b.BonusBalance
	b.RealBalance += converted
	b.BonusBalance = 0
	return converted
}

// ============================================================
// 入金类操作
// ============================================================

// Deposit 充值：真实余额入账，同时按倍数追加充值流水要求
func (s *LedgerService) Deposit(ctx context.Context, playerID int64, amount int64) (*model.PlayerBalance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 充值金额必须大于0", ErrValidation)
	}

	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		before := snapshotOf(b)
		b.RealBalance += amount
		b.TotalDeposited += amount
		b.DepositWRRemaining += amount * s.cfg.Wagering.DepositWRMultiplier

		return []eventDraft{{
			Type:   model.EventTypeDeposit,
			Amount: amount,
			Before: before,
			After:  snapshotOf(b),
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("充值成功: player=%d, amount=%d", playerID, amount)
	return balance, nil
}

// GrantBonus 发放红利：红利余额入账，按倍数追加红利流水要求
func (s *LedgerService) GrantBonus(ctx context.Context, playerID int64, amount int64) (*model.PlayerBalance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 红利金额必须大于0", ErrValidation)
	}

	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		before := snapshotOf(b)
		b.BonusBalance += amount
		b.TotalBonusGranted += amount
		b.BonusWRRemaining += amount * s.cfg.Wagering.BonusWRMultiplier

		drafts := []eventDraft{{
			Type:   model.EventTypeBonusAward,
			Amount: amount,
			Before: before,
			After:  snapshotOf(b),
		}}

		// 倍数配置为 0 时红利立即可转换，不允许持久化中间状态
		if converted := resolveConversion(b); converted > 0 {
			drafts = append(drafts, eventDraft{
				Type:   model.EventTypeBonusConvert,
				Amount: converted,
				Before: drafts[0].After,
				After:  snapshotOf(b),
			})
		}
		return drafts, nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("红利发放成功: player=%d, amount=%d", playerID, amount)
	return balance, nil
}

// GrantFreeSpins 发放免费旋转，不产生余额或流水变化
func (s *LedgerService) GrantFreeSpins(ctx context.Context, playerID int64, count int64) (*model.PlayerBalance, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: 免费旋转次数必须大于0", ErrValidation)
	}

	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		before := snapshotOf(b)
		b.FreeSpinsRemaining += count

		return []eventDraft{{
			Type:     model.EventTypeFreeSpinGrant,
			Amount:   0,
			Before:   before,
			After:    snapshotOf(b),
			Metadata: map[string]interface{}{"count": count},
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("免费旋转发放成功: player=%d, count=%d", playerID, count)
	return balance, nil
}

// ============================================================
// 投注与赢取
// ============================================================

// BetResult 投注结果
type BetResult struct {
	Balance           *model.PlayerBalance
	DeductedFromReal  int64
	DeductedFromBonus int64
	ConvertedAmount   int64
}

// Bet 投注
//
// 现金投注扣款顺序为真实余额优先，扣完再动红利余额；
// 投注全额同时计入两个流水池（见 wagering.ApplyWager）。
// 免费旋转投注只扣减次数，不触碰余额和流水
func (s *LedgerService) Bet(ctx context.Context, playerID int64, betAmount int64, isFreeSpin bool) (*BetResult, error) {
	if isFreeSpin {
		return s.betFreeSpin(ctx, playerID)
	}

	if betAmount <= 0 {
		return nil, fmt.Errorf("%w: 投注金额必须大于0", ErrValidation)
	}

	result := &BetResult{}
	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		if b.RealBalance+b.BonusBalance < betAmount {
			return nil, ErrInsufficientBalance
		}

		before := snapshotOf(b)

		// 真实余额优先扣减
		deductedFromReal := betAmount
		if b.RealBalance < betAmount {
			deductedFromReal = b.RealBalance
		}
		deductedFromBonus := betAmount - deductedFromReal

		b.RealBalance -= deductedFromReal
		b.BonusBalance -= deductedFromBonus
		b.TotalWagered += betAmount

		afterDeduction := snapshotOf(b)

		// 流水引擎：扣减两个流水池并判定红利转换
		res := wagering.ApplyWager(wagering.State{
			RealBalance:        b.RealBalance,
			BonusBalance:       b.BonusBalance,
			DepositWRRemaining: b.DepositWRRemaining,
			BonusWRRemaining:   b.BonusWRRemaining,
		}, betAmount)

		b.RealBalance = res.State.RealBalance
		b.BonusBalance = res.State.BonusBalance
		b.DepositWRRemaining = res.State.DepositWRRemaining
		b.BonusWRRemaining = res.State.BonusWRRemaining

		result.DeductedFromReal = deductedFromReal
		result.DeductedFromBonus = deductedFromBonus
		result.ConvertedAmount = res.ConvertedAmount

		drafts := []eventDraft{{
			Type:        model.EventTypeBet,
			Amount:      -betAmount,
			WagerAmount: betAmount,
			Before:      before,
			After:       afterDeduction,
			Metadata: map[string]interface{}{
				"deducted_from_real":  deductedFromReal,
				"deducted_from_bonus": deductedFromBonus,
				"free_spin":           false,
			},
		}}

		if res.ConvertedAmount > 0 {
			drafts = append(drafts, eventDraft{
				Type:   model.EventTypeBonusConvert,
				Amount: res.ConvertedAmount,
				Before: afterDeduction,
				After:  snapshotOf(b),
			})
		}
		return drafts, nil
	})
	if err != nil {
		return nil, err
	}

	result.Balance = balance
	return result, nil
}

// betFreeSpin 消耗一次免费旋转，审计事件金额为 0
func (s *LedgerService) betFreeSpin(ctx context.Context, playerID int64) (*BetResult, error) {
	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		if b.FreeSpinsRemaining <= 0 {
			return nil, ErrInsufficientFreeSpins
		}

		before := snapshotOf(b)
		b.FreeSpinsRemaining--

		return []eventDraft{{
			Type:     model.EventTypeBet,
			Amount:   0,
			Before:   before,
			After:    snapshotOf(b),
			Metadata: map[string]interface{}{"free_spin": true},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &BetResult{Balance: balance}, nil
}

// Win 赢取
//
// 【粘性红利规则】现金赢取时，只要还有红利头寸（红利流水未清或红利余额
// 大于 0），赢取计入红利余额，继续受流水约束；否则计入真实余额。
// 免费旋转赢取永远计入红利余额，并按倍数追加新的红利流水要求
func (s *LedgerService) Win(ctx context.Context, playerID int64, winAmount int64, isFreeSpinWin bool) (*model.PlayerBalance, error) {
	if winAmount < 0 {
		return nil, fmt.Errorf("%w: 赢取金额不能为负", ErrValidation)
	}
	if winAmount == 0 {
		// 零赢取为空操作，不产生事件
		return s.balanceRepo.GetOrCreate(ctx, playerID)
	}

	return s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		before := snapshotOf(b)

		if isFreeSpinWin {
			b.BonusBalance += winAmount
			b.TotalFreeSpinWins += winAmount
			b.BonusWRRemaining += winAmount * s.cfg.Wagering.FreeSpinWRMultiplier
		} else {
			if b.BonusWRRemaining > 0 || b.BonusBalance > 0 {
				b.BonusBalance += winAmount
			} else {
				b.RealBalance += winAmount
			}
			b.TotalWon += winAmount
		}

		drafts := []eventDraft{{
			Type:     model.EventTypeWin,
			Amount:   winAmount,
			Before:   before,
			After:    snapshotOf(b),
			Metadata: map[string]interface{}{"free_spin": isFreeSpinWin},
		}}

		if converted := resolveConversion(b); converted > 0 {
			drafts = append(drafts, eventDraft{
				Type:   model.EventTypeBonusConvert,
				Amount: converted,
				Before: drafts[0].After,
				After:  snapshotOf(b),
			})
		}
		return drafts, nil
	})
}

// ============================================================
// 提现与冲正
// ============================================================

// WithdrawResult 提现结果
type WithdrawResult struct {
	WithdrawalNo   string
	Balance        *model.PlayerBalance
	ForfeitedBonus int64
	ForfeitedWR    int64
}

// Withdraw 提现
//
// 资格检查：充值流水未清零时拒绝提现；红利流水不阻断提现，
// 但提现会作废全部红利头寸（红利余额和剩余红利流水一并清零）。
// 该不对称是产品策略，调整入口在 CanWithdraw
func (s *LedgerService) Withdraw(ctx context.Context, playerID int64, amount int64) (*WithdrawResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 提现金额必须大于0", ErrValidation)
	}

	withdrawalNo := idgen.GenerateWithdrawalNo()

	// 按玩家维度加分布式锁，同一玩家的提现串行执行
	withdrawLock := lock.NewWithdrawLock(s.redisClient, playerID, withdrawalNo)
	if err := withdrawLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	defer func() {
		if err := withdrawLock.Unlock(ctx); err != nil {
			log.Printf("释放提现锁失败: player=%d, withdrawalNo=%s, err=%v", playerID, withdrawalNo, err)
		}
	}()

	result := &WithdrawResult{WithdrawalNo: withdrawalNo}
	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		// 失败优先级：资格 → 余额 → 最低限额（流水未清时永远报未解锁）
		if b.DepositWRRemaining > 0 {
			return nil, &WithdrawalNotEligibleError{DepositWRRemaining: b.DepositWRRemaining}
		}
		if b.RealBalance < amount {
			return nil, ErrInsufficientBalance
		}
		if amount < s.cfg.Wagering.MinWithdrawal {
			return nil, fmt.Errorf("%w: 提现金额低于最低限额 %d", ErrValidation, s.cfg.Wagering.MinWithdrawal)
		}

		before := snapshotOf(b)

		forfeitedBonus := b.BonusBalance
		forfeitedWR := b.BonusWRRemaining

		b.RealBalance -= amount
		b.TotalWithdrawn += amount
		b.BonusBalance = 0
		b.BonusWRRemaining = 0

		result.ForfeitedBonus = forfeitedBonus
		result.ForfeitedWR = forfeitedWR

		return []eventDraft{{
			Type:   model.EventTypeWithdrawal,
			Amount: -amount,
			Before: before,
			After:  snapshotOf(b),
			Metadata: map[string]interface{}{
				"withdrawal_no":   withdrawalNo,
				"forfeited_bonus": forfeitedBonus,
				"forfeited_wr":    forfeitedWR,
			},
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("提现成功: withdrawalNo=%s, player=%d, amount=%d, forfeitedBonus=%d",
		withdrawalNo, playerID, amount, result.ForfeitedBonus)

	result.Balance = balance
	return result, nil
}

// Refund 冲正：提现失败/取消后把金额退回真实余额，不产生流水要求
func (s *LedgerService) Refund(ctx context.Context, playerID int64, amount int64, reason string) (*model.PlayerBalance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 冲正金额必须大于0", ErrValidation)
	}

	balance, err := s.mutate(ctx, playerID, func(b *model.PlayerBalance) ([]eventDraft, error) {
		before := snapshotOf(b)
		b.RealBalance += amount

		return []eventDraft{{
			Type:     model.EventTypeAdjustment,
			Amount:   amount,
			Before:   before,
			After:    snapshotOf(b),
			Metadata: map[string]interface{}{"reason": reason},
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("冲正成功: player=%d, amount=%d, reason=%s", playerID, amount, reason)
	return balance, nil
}

// ============================================================
// 查询类操作
// ============================================================

// Eligibility 提现资格检查结果
type Eligibility struct {
	Eligible           bool     `json:"eligible"`
	Reason             string   `json:"reason"`
	Blocking           []string `json:"blocking"`
	DepositWRRemaining int64    `json:"deposit_wr_remaining"`
}

// CanWithdraw 提现资格检查
// 当前策略：仅充值流水未清零时阻断；红利流水不阻断（提现时作废）
func (s *LedgerService) CanWithdraw(ctx context.Context, playerID int64) (*Eligibility, error) {
	balance, err := s.balanceRepo.GetOrCreate(ctx, playerID)
	if err != nil {
		return nil, err
	}

	if balance.DepositWRRemaining > 0 {
		return &Eligibility{
			Eligible:           false,
			Reason:             "充值流水要求未完成",
			Blocking:           []string{"deposit_wagering_requirement"},
			DepositWRRemaining: balance.DepositWRRemaining,
		}, nil
	}

	return &Eligibility{
		Eligible: true,
		Reason:   "可提现",
		Blocking: []string{},
	}, nil
}

// GetPlayerBalances 查询玩家余额（不存在时懒创建零值记录）
func (s *LedgerService) GetPlayerBalances(ctx context.Context, playerID int64) (*model.PlayerBalance, error) {
	return s.balanceRepo.GetOrCreate(ctx, playerID)
}

// Statistics 玩家统计
type Statistics struct {
	PlayerID               int64 `json:"player_id"`
	RealBalance            int64 `json:"real_balance"`
	BonusBalance           int64 `json:"bonus_balance"`
	DepositWRRemaining     int64 `json:"deposit_wr_remaining"`
	BonusWRRemaining       int64 `json:"bonus_wr_remaining"`
	FreeSpinsRemaining     int64 `json:"free_spins_remaining"`
	TotalWagered           int64 `json:"total_wagered"`
	TotalWon               int64 `json:"total_won"`
	TotalDeposited         int64 `json:"total_deposited"`
	TotalWithdrawn         int64 `json:"total_withdrawn"`
	TotalBonusGranted      int64 `json:"total_bonus_granted"`
	TotalFreeSpinWins      int64 `json:"total_free_spin_wins"`
	NetDeposits            int64 `json:"net_deposits"`
	EstimatedFreeSpinValue int64 `json:"estimated_free_spin_value"`
}

// GetPlayerStatistics 查询玩家统计
// 免费旋转估值 = 剩余次数 × 配置的平均赢取
func (s *LedgerService) GetPlayerStatistics(ctx context.Context, playerID int64) (*Statistics, error) {
	balance, err := s.balanceRepo.GetOrCreate(ctx, playerID)
	if err != nil {
		return nil, err
	}

	return &Statistics{
		PlayerID:               balance.PlayerID,
		RealBalance:            balance.RealBalance,
		BonusBalance:           balance.BonusBalance,
		DepositWRRemaining:     balance.DepositWRRemaining,
		BonusWRRemaining:       balance.BonusWRRemaining,
		FreeSpinsRemaining:     balance.FreeSpinsRemaining,
		TotalWagered:           balance.TotalWagered,
		TotalWon:               balance.TotalWon,
		TotalDeposited:         balance.TotalDeposited,
		TotalWithdrawn:         balance.TotalWithdrawn,
		TotalBonusGranted:      balance.TotalBonusGranted,
		TotalFreeSpinWins:      balance.TotalFreeSpinWins,
		NetDeposits:            balance.TotalDeposited - balance.TotalWithdrawn,
		EstimatedFreeSpinValue: balance.FreeSpinsRemaining * s.cfg.Wagering.AvgFreeSpinWinValue,
	}, nil
}

// ListPlayerEvents 分页查询玩家账变事件
func (s *LedgerService) ListPlayerEvents(ctx context.Context, playerID int64, page, pageSize int) ([]*model.LedgerEvent, int64, error) {
	return s.eventRepo.ListByPlayerID(ctx, playerID, page, pageSize)
}
