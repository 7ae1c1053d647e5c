package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wagerledger/internal/config"
	"wagerledger/internal/model"
	"wagerledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testDSN = "root:root@tcp(localhost:3306)/wagerledger_test?charset=utf8mb4&parseTime=True&loc=Local"

var (
	testDB      *gorm.DB
	testRedis   *redis.Client
	playerIDSeq int64
)

func init() {
	idgen.Init(1)
	playerIDSeq = time.Now().UnixNano() / 1000

	var err error
	testDB, err = gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		fmt.Println("测试数据库连接失败，跳过数据库相关测试")
		testDB = nil
		return
	}
	if err := testDB.AutoMigrate(&model.PlayerBalance{}, &model.LedgerEvent{}, &model.OutboxMessage{}); err != nil {
		fmt.Println("测试数据库迁移失败")
		testDB = nil
		return
	}

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		fmt.Println("测试 Redis 连接失败，跳过提现相关测试")
		testRedis = nil
		return
	}
	testRedis = rdb
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{LedgerEvents: "ledger.events.test"},
		},
		Wagering: config.WageringConfig{
			DepositWRMultiplier:  1,
			BonusWRMultiplier:    30,
			FreeSpinWRMultiplier: 30,
			AvgFreeSpinWinValue:  50,
			MinWithdrawal:        1000,
		},
		Business: config.BusinessConfig{
			MaxRetryCount:        10,
			OutboxRequeueMinutes: 5,
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) *LedgerService {
	if testDB == nil {
		t.Skip("测试数据库不可用")
	}
	return NewLedgerService(testDB, testRedis, cfg)
}

func nextPlayerID() int64 {
	return atomic.AddInt64(&playerIDSeq, 1)
}

func TestDeposit(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()

	balance, err := s.Deposit(context.Background(), playerID, 10000)
	require.NoError(t, err)

	assert.Equal(t, int64(10000), balance.RealBalance)
	assert.Equal(t, int64(0), balance.BonusBalance)
	assert.Equal(t, int64(10000), balance.DepositWRRemaining)
	assert.Equal(t, int64(10000), balance.TotalDeposited)

	_, err = s.Deposit(context.Background(), playerID, 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.Deposit(context.Background(), playerID, -100)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGrantBonus(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()

	balance, err := s.GrantBonus(context.Background(), playerID, 5000)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), balance.BonusBalance)
	assert.Equal(t, int64(150000), balance.BonusWRRemaining)
	assert.Equal(t, int64(5000), balance.TotalBonusGranted)
	assert.Equal(t, int64(0), balance.RealBalance)
}

// 红利流水倍数配置为 0 时红利立即转换为真实余额，不允许留下
// 「流水已清零但红利未转换」的中间状态
func TestGrantBonusZeroMultiplierConvertsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Wagering.BonusWRMultiplier = 0
	s := newTestService(t, cfg)
	playerID := nextPlayerID()

	balance, err := s.GrantBonus(context.Background(), playerID, 5000)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), balance.RealBalance)
	assert.Equal(t, int64(0), balance.BonusBalance)
	assert.Equal(t, int64(0), balance.BonusWRRemaining)
}

// 投注真实余额优先扣减，投注全额同时计入两个流水池
func TestBetDeductsRealFirstAndReducesBothPools(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)
	_, err = s.GrantBonus(ctx, playerID, 5000)
	require.NoError(t, err)

	// 第一笔：全部从真实余额扣，两个池同时减 10000
	result, err := s.Bet(ctx, playerID, 10000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), result.DeductedFromReal)
	assert.Equal(t, int64(0), result.DeductedFromBonus)
	assert.Equal(t, int64(0), result.Balance.RealBalance)
	assert.Equal(t, int64(5000), result.Balance.BonusBalance)
	assert.Equal(t, int64(0), result.Balance.DepositWRRemaining)
	assert.Equal(t, int64(140000), result.Balance.BonusWRRemaining)

	// 第二笔：真实余额已空，从红利余额扣
	result, err = s.Bet(ctx, playerID, 5000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.DeductedFromReal)
	assert.Equal(t, int64(5000), result.DeductedFromBonus)
	assert.Equal(t, int64(0), result.Balance.BonusBalance)
	assert.Equal(t, int64(135000), result.Balance.BonusWRRemaining)
	assert.Equal(t, int64(15000), result.Balance.TotalWagered)

	// 余额耗尽后再投注被拒绝
	_, err = s.Bet(ctx, playerID, 100, false)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestBetSplitsAcrossRealAndBonus(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 3000)
	require.NoError(t, err)
	_, err = s.GrantBonus(ctx, playerID, 5000)
	require.NoError(t, err)

	result, err := s.Bet(ctx, playerID, 4000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), result.DeductedFromReal)
	assert.Equal(t, int64(1000), result.DeductedFromBonus)
	assert.Equal(t, int64(0), result.Balance.RealBalance)
	assert.Equal(t, int64(4000), result.Balance.BonusBalance)
}

// 红利流水恰好清零且红利余额大于 0 时，红利在同一事务内转换为真实余额
func TestBonusConversionAtExactZero(t *testing.T) {
	cfg := testConfig()
	cfg.Wagering.BonusWRMultiplier = 1
	s := newTestService(t, cfg)
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 5000)
	require.NoError(t, err)
	_, err = s.GrantBonus(ctx, playerID, 5000)
	require.NoError(t, err)

	// 投注 5000：充值流水 5000→0，红利流水 5000→0，触发转换
	result, err := s.Bet(ctx, playerID, 5000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.ConvertedAmount)
	assert.Equal(t, int64(5000), result.Balance.RealBalance)
	assert.Equal(t, int64(0), result.Balance.BonusBalance)
	assert.Equal(t, int64(0), result.Balance.BonusWRRemaining)
}

// 红利流水清零但红利余额已耗尽时不产生转换事件
func TestNoConversionWithoutBonusBalance(t *testing.T) {
	cfg := testConfig()
	cfg.Wagering.BonusWRMultiplier = 1
	s := newTestService(t, cfg)
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.GrantBonus(ctx, playerID, 5000)
	require.NoError(t, err)

	result, err := s.Bet(ctx, playerID, 5000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.ConvertedAmount)
	assert.Equal(t, int64(0), result.Balance.RealBalance)
	assert.Equal(t, int64(0), result.Balance.BonusBalance)
	assert.Equal(t, int64(0), result.Balance.BonusWRRemaining)
}

// 粘性红利：有红利头寸时现金赢取计入红利余额，否则计入真实余额
func TestWinStickyBonusRule(t *testing.T) {
	s := newTestService(t, testConfig())
	ctx := context.Background()

	// 无红利头寸：赢取入真实余额
	playerA := nextPlayerID()
	balance, err := s.Win(ctx, playerA, 2000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.RealBalance)
	assert.Equal(t, int64(0), balance.BonusBalance)
	assert.Equal(t, int64(2000), balance.TotalWon)

	// 有红利头寸：赢取入红利余额，继续受流水约束
	playerB := nextPlayerID()
	_, err = s.GrantBonus(ctx, playerB, 5000)
	require.NoError(t, err)
	balance, err = s.Win(ctx, playerB, 2000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.RealBalance)
	assert.Equal(t, int64(7000), balance.BonusBalance)
	assert.Equal(t, int64(150000), balance.BonusWRRemaining)
}

func TestWinValidation(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Win(ctx, playerID, -1, false)
	assert.ErrorIs(t, err, ErrValidation)

	// 零赢取为空操作
	balance, err := s.Win(ctx, playerID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.RealBalance)
	assert.Equal(t, int64(0), balance.TotalWon)
}

func TestFreeSpinFlow(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	balance, err := s.GrantFreeSpins(ctx, playerID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.FreeSpinsRemaining)

	// 免费旋转投注只扣次数，不动余额和流水
	result, err := s.Bet(ctx, playerID, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Balance.FreeSpinsRemaining)
	assert.Equal(t, int64(0), result.Balance.TotalWagered)

	// 免费旋转赢取计入红利余额并追加红利流水
	balance, err = s.Win(ctx, playerID, 2000, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.BonusBalance)
	assert.Equal(t, int64(60000), balance.BonusWRRemaining)
	assert.Equal(t, int64(2000), balance.TotalFreeSpinWins)

	_, err = s.Bet(ctx, playerID, 0, true)
	require.NoError(t, err)

	// 次数耗尽后拒绝
	_, err = s.Bet(ctx, playerID, 0, true)
	assert.ErrorIs(t, err, ErrInsufficientFreeSpins)
}

func TestWithdrawValidation(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Withdraw(ctx, playerID, 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.Withdraw(ctx, playerID, -100)
	assert.ErrorIs(t, err, ErrValidation)
}

// 提现失败优先级：资格 → 余额 → 最低限额。
// 充值流水未清零时，无论金额多小都报未解锁，而不是限额校验失败
func TestWithdrawFailurePrecedence(t *testing.T) {
	s := newTestService(t, testConfig())
	if testRedis == nil {
		t.Skip("测试 Redis 不可用")
	}
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)

	// 低于最低限额且流水未清：资格检查优先
	_, err = s.Withdraw(ctx, playerID, 500)
	var notEligible *WithdrawalNotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Equal(t, int64(10000), notEligible.DepositWRRemaining)

	// 余额分文未动
	balance, err := s.GetPlayerBalances(ctx, playerID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance.RealBalance)
	assert.Equal(t, int64(0), balance.TotalWithdrawn)

	// 流水清零、余额不足时：余额检查优先于限额
	_, err = s.Bet(ctx, playerID, 10000, false)
	require.NoError(t, err)
	_, err = s.Win(ctx, playerID, 300, false)
	require.NoError(t, err)
	_, err = s.Withdraw(ctx, playerID, 500)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// 流水清零、余额充足、低于限额：才轮到限额校验
	_, err = s.Win(ctx, playerID, 5000, false)
	require.NoError(t, err)
	_, err = s.Withdraw(ctx, playerID, 500)
	assert.ErrorIs(t, err, ErrValidation)
}

// 充值流水未清零时提现被拒绝，错误携带剩余流水金额
func TestWithdrawBlockedByDepositWR(t *testing.T) {
	s := newTestService(t, testConfig())
	if testRedis == nil {
		t.Skip("测试 Redis 不可用")
	}
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)

	_, err = s.Withdraw(ctx, playerID, 5000)
	var notEligible *WithdrawalNotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Equal(t, int64(10000), notEligible.DepositWRRemaining)
}

// 提现成功后全部红利头寸作废
func TestWithdrawForfeitsBonusPosition(t *testing.T) {
	s := newTestService(t, testConfig())
	if testRedis == nil {
		t.Skip("测试 Redis 不可用")
	}
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)
	_, err = s.Bet(ctx, playerID, 10000, false)
	require.NoError(t, err)
	_, err = s.Win(ctx, playerID, 20000, false)
	require.NoError(t, err)
	_, err = s.GrantBonus(ctx, playerID, 3000)
	require.NoError(t, err)

	result, err := s.Withdraw(ctx, playerID, 5000)
	require.NoError(t, err)
	assert.NotEmpty(t, result.WithdrawalNo)
	assert.Equal(t, int64(3000), result.ForfeitedBonus)
	assert.Equal(t, int64(90000), result.ForfeitedWR)
	assert.Equal(t, int64(15000), result.Balance.RealBalance)
	assert.Equal(t, int64(0), result.Balance.BonusBalance)
	assert.Equal(t, int64(0), result.Balance.BonusWRRemaining)
	assert.Equal(t, int64(5000), result.Balance.TotalWithdrawn)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	s := newTestService(t, testConfig())
	if testRedis == nil {
		t.Skip("测试 Redis 不可用")
	}
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)
	_, err = s.Bet(ctx, playerID, 10000, false)
	require.NoError(t, err)
	_, err = s.Win(ctx, playerID, 2000, false)
	require.NoError(t, err)

	_, err = s.Withdraw(ctx, playerID, 5000)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

// 重试次数配置为 0 或负数时操作仍要执行一次，不能直接报并发冲突
func TestMutateFloorsRetryCount(t *testing.T) {
	cfg := testConfig()
	cfg.Business.MaxRetryCount = 0
	s := newTestService(t, cfg)
	playerID := nextPlayerID()

	balance, err := s.Deposit(context.Background(), playerID, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance.RealBalance)
}

func TestRefund(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	// 冲正只退真实余额，不追加流水要求
	balance, err := s.Refund(ctx, playerID, 5000, "withdrawal_cancelled")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance.RealBalance)
	assert.Equal(t, int64(0), balance.DepositWRRemaining)

	_, err = s.Refund(ctx, playerID, 0, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCanWithdraw(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	// 新玩家无流水要求，可提现
	eligibility, err := s.CanWithdraw(ctx, playerID)
	require.NoError(t, err)
	assert.True(t, eligibility.Eligible)

	// 充值后被充值流水阻断
	_, err = s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)
	eligibility, err = s.CanWithdraw(ctx, playerID)
	require.NoError(t, err)
	assert.False(t, eligibility.Eligible)
	assert.Contains(t, eligibility.Blocking, "deposit_wagering_requirement")
	assert.Equal(t, int64(10000), eligibility.DepositWRRemaining)

	// 红利流水不阻断提现
	playerB := nextPlayerID()
	_, err = s.GrantBonus(ctx, playerB, 5000)
	require.NoError(t, err)
	eligibility, err = s.CanWithdraw(ctx, playerB)
	require.NoError(t, err)
	assert.True(t, eligibility.Eligible)
}

func TestGetPlayerStatistics(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)
	_, err = s.GrantFreeSpins(ctx, playerID, 3)
	require.NoError(t, err)
	_, err = s.Bet(ctx, playerID, 2000, false)
	require.NoError(t, err)
	_, err = s.Win(ctx, playerID, 1500, false)
	require.NoError(t, err)

	stats, err := s.GetPlayerStatistics(ctx, playerID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), stats.TotalDeposited)
	assert.Equal(t, int64(2000), stats.TotalWagered)
	assert.Equal(t, int64(1500), stats.TotalWon)
	assert.Equal(t, int64(10000), stats.NetDeposits)
	// 免费旋转估值 = 剩余次数 × 平均赢取
	assert.Equal(t, int64(150), stats.EstimatedFreeSpinValue)
}

func TestListPlayerEvents(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 10000)
	require.NoError(t, err)
	_, err = s.GrantBonus(ctx, playerID, 5000)
	require.NoError(t, err)
	_, err = s.Bet(ctx, playerID, 3000, false)
	require.NoError(t, err)

	events, total, err := s.ListPlayerEvents(ctx, playerID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, events, 3)

	// 每条事件携带变动前后的余额快照
	for _, e := range events {
		assert.NotEmpty(t, e.EventNo)
		assert.Equal(t, model.EventStatusCompleted, e.Status)
	}
}

// 同一玩家并发投注，行锁保证串行化，最终余额精确一致
func TestConcurrentBets(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 100000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var successCount int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Bet(ctx, playerID, 1000, false)
			if err == nil {
				atomic.AddInt64(&successCount, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(10), successCount)

	balance, err := s.GetPlayerBalances(ctx, playerID)
	require.NoError(t, err)
	assert.Equal(t, int64(90000), balance.RealBalance)
	assert.Equal(t, int64(90000), balance.DepositWRRemaining)
	assert.Equal(t, int64(10000), balance.TotalWagered)
}

// 余额仅够部分并发投注时，成功数与最终余额严格对账
func TestConcurrentBetsInsufficientBalance(t *testing.T) {
	s := newTestService(t, testConfig())
	playerID := nextPlayerID()
	ctx := context.Background()

	_, err := s.Deposit(ctx, playerID, 5000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var successCount, failCount int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Bet(ctx, playerID, 1000, false)
			if errors.Is(err, ErrInsufficientBalance) {
				atomic.AddInt64(&failCount, 1)
			} else if err == nil {
				atomic.AddInt64(&successCount, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(5), successCount)
	require.Equal(t, int64(5), failCount)

	balance, err := s.GetPlayerBalances(ctx, playerID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.RealBalance)
}
