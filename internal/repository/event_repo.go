package repository

import (
	"context"
	"errors"

	"wagerledger/internal/model"

	"gorm.io/gorm"
)

var ErrEventNotFound = errors.New("账变事件不存在")

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create 追加一条账变事件
// 必须在余额变动的同一个事务内调用，事件行只追加不修改
func (r *EventRepository) Create(ctx context.Context, tx *gorm.DB, event *model.LedgerEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(event).Error
}

func (r *EventRepository) GetByEventNo(ctx context.Context, eventNo string) (*model.LedgerEvent, error) {
	var event model.LedgerEvent
	err := r.db.WithContext(ctx).Where("event_no = ?", eventNo).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (r *EventRepository) ListByPlayerID(ctx context.Context, playerID int64, page, pageSize int) ([]*model.LedgerEvent, int64, error) {
	var events []*model.LedgerEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEvent{}).Where("player_id = ?", playerID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&events).Error

	return events, total, err
}
