package outbox

import (
	"context"
	"time"

	"cv-analyzer-go/internal/constants"
	"cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/storage/models"
	"cv-analyzer-go/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollingInterval = 5 * time.Second // 轮询outbox表的间隔
	defaultBatchSize       = 10              // 每次轮询处理的消息批量大小
	maxRetryCount          = 5               // 消息发布失败的最大重试次数
)

// ResumeFailer 把彻底无法入队的简历写入失败终态。
// 守卫式UPDATE保证不会覆盖已有的终态。
type ResumeFailer interface {
	MarkFailed(ctx context.Context, resumeID, userMessage string) (bool, error)
}

// MessageRelay 轮询outbox表并将消息发布到消息代理。
// 与业务事务解耦：Submit只负责落库，发布由中继异步完成。
type MessageRelay struct {
	db              *gorm.DB
	publisher       *storage.RabbitMQ
	failer          ResumeFailer
	pollingInterval time.Duration
	batchSize       int
	done            chan struct{}
	tracer          trace.Tracer
}

// NewMessageRelay 创建消息中继
func NewMessageRelay(db *gorm.DB, publisher *storage.RabbitMQ, failer ResumeFailer) *MessageRelay {
	return &MessageRelay{
		db:              db,
		publisher:       publisher,
		failer:          failer,
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("outbox-relay"),
	}
}

// Start 启动后台轮询
func (r *MessageRelay) Start() {
	logger.Info().Dur("interval", r.pollingInterval).Msg("MessageRelay已启动")
	ticker := time.NewTicker(r.pollingInterval)

	go func() {
		for {
			select {
			case <-r.done:
				ticker.Stop()
				logger.Info().Msg("MessageRelay已停止")
				return
			case <-ticker.C:
				if err := r.processPendingMessages(context.Background()); err != nil {
					logger.Error().Err(err).Msg("处理待发布消息失败")
				}
			}
		}
	}()
}

// Stop 优雅地停止消息中继
func (r *MessageRelay) Stop() {
	close(r.done)
}

// processPendingMessages 获取并发布一批待处理消息。
// FOR UPDATE SKIP LOCKED 保证多实例部署时不会重复拾取同一批消息。
func (r *MessageRelay) processPendingMessages(ctx context.Context) error {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback() // 事务已提交时回滚是空操作

	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", "PENDING").
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return tx.Commit().Error
	}

	// 空轮询不产生span，只在有消息时追踪
	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(messages)),
		),
	)
	defer span.End()

	for _, msg := range messages {
		err := r.publisher.PublishMessage(
			ctx,
			msg.TargetExchange,
			msg.TargetRoutingKey,
			[]byte(msg.Payload),
			true, // 持久化
		)

		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
			r.recordPublishFailure(ctx, &msg, err)
		} else {
			msg.Status = "SENT"
			now := time.Now()
			msg.ProcessedAt = &now
			msg.ErrorMessage = ""
		}

		// 更新失败时整个事务回滚，消息在下一次轮询中重新拾取
		if err := tx.Save(&msg).Error; err != nil {
			logger.Error().Err(err).Uint64("outbox_id", msg.ID).Msg("更新outbox消息状态失败")
			return err
		}
	}

	return tx.Commit().Error
}

// recordPublishFailure 登记一次发布失败。重试次数耗尽时消息进入FAILED，
// 同时把对应简历写入失败终态，避免记录永远停留在PENDING。
func (r *MessageRelay) recordPublishFailure(ctx context.Context, msg *models.OutboxMessage, cause error) {
	msg.RetryCount++
	msg.ErrorMessage = cause.Error()

	logger.Warn().Err(cause).
		Uint64("outbox_id", msg.ID).
		Str("aggregate_id", msg.AggregateID).
		Int("retry_count", msg.RetryCount).
		Msg("发布outbox消息失败")

	if msg.RetryCount < maxRetryCount {
		return
	}

	msg.Status = "FAILED"
	if r.failer == nil {
		return
	}
	won, err := r.failer.MarkFailed(ctx, msg.AggregateID, constants.GenericFailureMessage)
	if err != nil {
		logger.Error().Err(err).Str("aggregate_id", msg.AggregateID).Msg("标记入队失败的简历为失败终态失败")
		return
	}
	if won {
		logger.Error().Err(cause).
			Str("aggregate_id", msg.AggregateID).
			Msg("消息发布重试次数耗尽，简历已标记为失败")
	}
}
