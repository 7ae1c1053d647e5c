package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 发件箱消息表
// 账变事件的 Kafka 投递通过发件箱中转：消息与余额变动、事件行写在同一个
// 数据库事务内，由后台任务异步投递，保证审计流至少一次送达
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // 事件号
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"` // 账变事件 JSON
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
