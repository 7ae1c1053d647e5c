package job

import (
	"context"
	"log"
	"time"

	"wagerledger/internal/config"
	"wagerledger/internal/repository"

	"gorm.io/gorm"
)

// OutboxRequeueJob 失败消息回炉任务
// 审计流是资金争议的事实依据，要求至少一次送达：
// FAILED 消息冷却一段时间后重新置为 PENDING，由 OutboxSender 再投递
type OutboxRequeueJob struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxRequeueJob(db *gorm.DB, cfg *config.Config) *OutboxRequeueJob {
	return &OutboxRequeueJob{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  100,
	}
}

func (j *OutboxRequeueJob) Start(ctx context.Context) {
	log.Println("[OutboxRequeueJob] 失败消息回炉任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxRequeueJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OutboxRequeueJob] 任务停止")
			return
		case <-ticker.C:
			j.requeueFailedMessages(ctx)
		}
	}
}

func (j *OutboxRequeueJob) Stop() {
	close(j.stopCh)
}

func (j *OutboxRequeueJob) requeueFailedMessages(ctx context.Context) {
	cooldown := time.Duration(j.cfg.Business.OutboxRequeueMinutes) * time.Minute
	before := time.Now().Add(-cooldown)

	requeued, err := j.outboxRepo.RequeueFailedBefore(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[OutboxRequeueJob] 回炉失败消息出错: %v", err)
		return
	}

	if requeued > 0 {
		log.Printf("[OutboxRequeueJob] 本次回炉 %d 条失败消息", requeued)
	}
}
