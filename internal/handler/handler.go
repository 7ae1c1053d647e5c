package handler

import (
	"errors"
	"strconv"

	"wagerledger/internal/config"
	"wagerledger/internal/service"
	"wagerledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含账本服务依赖
type Handler struct {
	ledgerService *service.LedgerService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		ledgerService: service.NewLedgerService(db, rdb, cfg),
	}
}

// handleLedgerError 账本错误分类到业务错误码的统一映射
func handleLedgerError(c *gin.Context, err error) {
	var notEligible *service.WithdrawalNotEligibleError
	switch {
	case errors.Is(err, service.ErrValidation):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, service.ErrInsufficientFreeSpins):
		response.BusinessError(c, response.CodeFreeSpinsNotEnough, err.Error())
	case errors.Is(err, service.ErrConcurrencyConflict):
		response.BusinessError(c, response.CodeConcurrencyConflict, err.Error())
	case errors.As(err, &notEligible):
		response.ErrorWithData(c, response.CodeWithdrawalNotEligible, err.Error(), gin.H{
			"deposit_wr_remaining": notEligible.DepositWRRemaining,
		})
	default:
		response.ServerError(c, err.Error())
	}
}

func parsePlayerID(c *gin.Context) (int64, bool) {
	playerIDStr := c.Query("player_id")
	playerID, err := strconv.ParseInt(playerIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "player_id 参数错误")
		return 0, false
	}
	return playerID, true
}

// ============================================================
// 入金类接口
// ============================================================

// DepositRequest 充值请求
type DepositRequest struct {
	PlayerID int64 `json:"player_id" binding:"required"`
	Amount   int64 `json:"amount" binding:"required,gt=0"` // 金额（分）
}

// Deposit 充值
// POST /api/v1/ledger/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledgerService.Deposit(c.Request.Context(), req.PlayerID, req.Amount)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, balance)
}

// GrantBonusRequest 发放红利请求
type GrantBonusRequest struct {
	PlayerID int64 `json:"player_id" binding:"required"`
	Amount   int64 `json:"amount" binding:"required,gt=0"`
}

// GrantBonus 发放红利
// POST /api/v1/ledger/bonus
func (h *Handler) GrantBonus(c *gin.Context) {
	var req GrantBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledgerService.GrantBonus(c.Request.Context(), req.PlayerID, req.Amount)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, balance)
}

// GrantFreeSpinsRequest 发放免费旋转请求
type GrantFreeSpinsRequest struct {
	PlayerID int64 `json:"player_id" binding:"required"`
	Count    int64 `json:"count" binding:"required,gt=0"`
}

// GrantFreeSpins 发放免费旋转
// POST /api/v1/ledger/freespins
func (h *Handler) GrantFreeSpins(c *gin.Context) {
	var req GrantFreeSpinsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledgerService.GrantFreeSpins(c.Request.Context(), req.PlayerID, req.Count)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, balance)
}

// ============================================================
// 投注与赢取接口
// ============================================================

// BetRequest 投注请求
type BetRequest struct {
	PlayerID   int64 `json:"player_id" binding:"required"`
	BetAmount  int64 `json:"bet_amount"`
	IsFreeSpin bool  `json:"is_free_spin"`
}

// Bet 投注
// POST /api/v1/ledger/bet
//
// 【关键点】投注是账本压力最大的操作（同一玩家连续快速旋转），
// 扣款顺序、流水扣减、红利转换判定都在一个行锁事务内完成
func (h *Handler) Bet(c *gin.Context) {
	var req BetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.Bet(c.Request.Context(), req.PlayerID, req.BetAmount, req.IsFreeSpin)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"balance":             result.Balance,
		"deducted_from_real":  result.DeductedFromReal,
		"deducted_from_bonus": result.DeductedFromBonus,
		"converted_amount":    result.ConvertedAmount,
	})
}

// WinRequest 赢取请求
type WinRequest struct {
	PlayerID      int64 `json:"player_id" binding:"required"`
	WinAmount     int64 `json:"win_amount"`
	IsFreeSpinWin bool  `json:"is_free_spin_win"`
}

// Win 赢取
// POST /api/v1/ledger/win
func (h *Handler) Win(c *gin.Context) {
	var req WinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledgerService.Win(c.Request.Context(), req.PlayerID, req.WinAmount, req.IsFreeSpinWin)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, balance)
}

// ============================================================
// 提现与冲正接口
// ============================================================

// WithdrawRequest 提现请求
type WithdrawRequest struct {
	PlayerID int64 `json:"player_id" binding:"required"`
	Amount   int64 `json:"amount" binding:"required,gt=0"`
}

// Withdraw 提现
// POST /api/v1/ledger/withdraw
//
// 【关键点】提现前做资格检查（充值流水必须清零），
// 成功提现会作废全部红利头寸，作废金额随响应返回
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.Withdraw(c.Request.Context(), req.PlayerID, req.Amount)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"withdrawal_no":   result.WithdrawalNo,
		"balance":         result.Balance,
		"forfeited_bonus": result.ForfeitedBonus,
		"forfeited_wr":    result.ForfeitedWR,
	})
}

// RefundRequest 冲正请求
type RefundRequest struct {
	PlayerID int64  `json:"player_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	Reason   string `json:"reason"`
}

// Refund 冲正（提现失败/取消后退回真实余额）
// POST /api/v1/ledger/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledgerService.Refund(c.Request.Context(), req.PlayerID, req.Amount, req.Reason)
	if err != nil {
		handleLedgerError(c, err)
		return
	}

	response.Success(c, balance)
}

// ============================================================
// 查询类接口
// ============================================================

// CanWithdraw 提现资格检查
// GET /api/v1/ledger/withdraw/eligibility?player_id=xxx
func (h *Handler) CanWithdraw(c *gin.Context) {
	playerID, ok := parsePlayerID(c)
	if !ok {
		return
	}

	eligibility, err := h.ledgerService.CanWithdraw(c.Request.Context(), playerID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, eligibility)
}

// GetBalance 查询玩家余额
// GET /api/v1/ledger/balance?player_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	playerID, ok := parsePlayerID(c)
	if !ok {
		return
	}

	balance, err := h.ledgerService.GetPlayerBalances(c.Request.Context(), playerID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, balance)
}

// GetStatistics 查询玩家统计
// GET /api/v1/ledger/statistics?player_id=xxx
func (h *Handler) GetStatistics(c *gin.Context) {
	playerID, ok := parsePlayerID(c)
	if !ok {
		return
	}

	stats, err := h.ledgerService.GetPlayerStatistics(c.Request.Context(), playerID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}

// ListEvents 分页查询玩家账变事件
// GET /api/v1/ledger/events?player_id=xxx&page=1&page_size=10
func (h *Handler) ListEvents(c *gin.Context) {
	playerID, ok := parsePlayerID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	events, total, err := h.ledgerService.ListPlayerEvents(c.Request.Context(), playerID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      events,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
