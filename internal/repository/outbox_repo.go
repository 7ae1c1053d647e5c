package repository

import (
	"context"
	"time"

	"wagerledger/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 写入发件箱消息，与账变事件共用同一个事务
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// RequeueFailedBefore 把冷却时间之前的失败消息重新置为待发送
// 审计流要求至少一次送达，失败消息不能永远躺在 FAILED 状态
func (r *OutboxRepository) RequeueFailedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ? AND updated_at < ?", model.OutboxStatusFailed, before).
		Limit(limit).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusPending,
			"retry_count": 0,
		})
	return result.RowsAffected, result.Error
}
