package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/orchestrator"
	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cv-analyzer-go/worker")

// ErrDeliveryLimitExhausted 消息投递次数耗尽，由poison队列排水时标记
var ErrDeliveryLimitExhausted = errors.New("消息投递次数已耗尽")

// Delivery 一条待处理的队列消息
type Delivery interface {
	// Payload 消息体
	Payload() []byte
	// Attempt 本条消息此前已被投递的次数，首投为0
	Attempt() int64
	// Ack 确认消息
	Ack() error
	// Retry 退回队列等待重投递
	Retry() error
	// ExtendLease 长耗时操作前延长消息租约
	ExtendLease(ctx context.Context) error
}

// AnalysisQueue 分析请求消息的来源
type AnalysisQueue interface {
	// Dequeue 拉取一批消息，队列为空时返回空切片
	Dequeue(ctx context.Context, maxMessages int) ([]Delivery, error)
}

// MessageProcessor 消息的业务处理器
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg *storage.AnalysisRequestMessage) error
	MarkPermanentlyFailed(ctx context.Context, msg *storage.AnalysisRequestMessage, cause error)
}

// Locker 跨实例的简历处理锁
type Locker interface {
	AcquireProcessingLock(ctx context.Context, resumeID string, expiration time.Duration) (string, error)
	ReleaseProcessingLock(ctx context.Context, resumeID string, lockValue string) (bool, error)
	ExtendProcessingLock(ctx context.Context, resumeID string, lockValue string, expiration time.Duration) (bool, error)
}

// Worker 轮询队列并驱动分析流水线。
// 同一份简历在单实例内通过in-flight集合互斥，
// 跨实例通过Redis处理锁互斥。
type Worker struct {
	queue     AnalysisQueue
	processor MessageProcessor
	locker    Locker

	pollInterval time.Duration
	batchSize    int
	lockTTL      time.Duration

	mu       sync.Mutex
	inFlight map[string]bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// WorkerOption Worker配置选项
type WorkerOption func(*Worker)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithBatchSize 设置单次拉取的消息数
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithLocker 设置跨实例处理锁
func WithLocker(l Locker) WorkerOption {
	return func(w *Worker) {
		w.locker = l
	}
}

// WithLockTTL 设置处理锁的过期时间
func WithLockTTL(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lockTTL = d
		}
	}
}

// New 创建Worker
func New(queue AnalysisQueue, processor MessageProcessor, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		processor:    processor,
		pollInterval: 2 * time.Second,
		batchSize:    10,
		lockTTL:      5 * time.Minute,
		inFlight:     make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 启动轮询循环。阻塞直到 Stop 被调用或 ctx 取消。
func (w *Worker) Start(ctx context.Context) {
	logger.Info().
		Dur("poll_interval", w.pollInterval).
		Int("batch_size", w.batchSize).
		Msg("分析worker已启动")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.stopCh:
			w.drain()
			return
		case <-ticker.C:
			if err := w.RunIteration(ctx); err != nil {
				logger.Error().Err(err).Msg("worker轮询迭代失败")
			}
		}
	}
}

// Stop 停止轮询并等待在途消息处理完成
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	logger.Info().Msg("分析worker已停止")
}

// drain 等待在途消息处理完成
func (w *Worker) drain() {
	w.wg.Wait()
}

// RunIteration 执行一次拉取和处理。批内消息并发处理，
// 停机时已取出的消息会处理完毕再退出。
func (w *Worker) RunIteration(ctx context.Context) error {
	deliveries, err := w.queue.Dequeue(ctx, w.batchSize)
	if err != nil {
		if len(deliveries) == 0 {
			return fmt.Errorf("拉取消息失败: %w", err)
		}
		logger.Warn().Err(err).
			Int("delivered", len(deliveries)).
			Msg("拉取消息中途失败，先处理已取出的消息")
	}

	for _, d := range deliveries {
		w.wg.Add(1)
		go func(d Delivery) {
			defer w.wg.Done()
			w.handleDelivery(ctx, d)
		}(d)
	}
	w.wg.Wait()
	return nil
}

// handleDelivery 处理单条投递，根据结果分类决定消息的确认方式
func (w *Worker) handleDelivery(ctx context.Context, d Delivery) {
	var msg storage.AnalysisRequestMessage
	if err := json.Unmarshal(d.Payload(), &msg); err != nil {
		// 无法解析的消息重试也不会成功
		logger.Error().Err(err).Msg("消息体解析失败，丢弃消息")
		if aerr := d.Ack(); aerr != nil {
			logger.Error().Err(aerr).Msg("确认消息失败")
		}
		return
	}

	ctx = logger.WithResumeID(ctx, msg.ResumeID)
	ctx, span := tracer.Start(ctx, "Worker.HandleDelivery", trace.WithAttributes(
		attribute.String("resume_id", msg.ResumeID),
		attribute.Int64("delivery_attempt", d.Attempt()),
	))
	defer span.End()

	// 单实例内互斥：同一份简历不并发处理
	if !w.tryClaim(msg.ResumeID) {
		logger.Ctx(ctx).Debug().Msg("简历正在处理中，退回消息")
		w.retry(ctx, d)
		return
	}
	defer w.release(msg.ResumeID)

	// 跨实例互斥：处理锁被其他实例持有时退回消息
	var lockToken string
	if w.locker != nil {
		token, err := w.locker.AcquireProcessingLock(ctx, msg.ResumeID, w.lockTTL)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("获取处理锁失败，退回消息")
			w.retry(ctx, d)
			return
		}
		if token == "" {
			logger.Ctx(ctx).Debug().Msg("处理锁被其他实例持有，退回消息")
			w.retry(ctx, d)
			return
		}
		lockToken = token
		defer func() {
			if _, err := w.locker.ReleaseProcessingLock(ctx, msg.ResumeID, lockToken); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("释放处理锁失败")
			}
		}()
	}

	// AI分析耗时远超普通消息处理，进入前显式延长租约和处理锁
	if err := d.ExtendLease(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("延长消息租约失败")
	}
	if w.locker != nil && lockToken != "" {
		if _, err := w.locker.ExtendProcessingLock(ctx, msg.ResumeID, lockToken, w.lockTTL); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("延长处理锁失败")
		}
	}

	err := w.processSafely(ctx, &msg)
	outcome := orchestrator.Classify(err)
	span.SetAttributes(attribute.String("outcome", outcome.String()))

	switch outcome {
	case orchestrator.OutcomeSuccess:
		if aerr := d.Ack(); aerr != nil {
			logger.Ctx(ctx).Error().Err(aerr).Msg("确认消息失败")
		}
	case orchestrator.OutcomePermanentFailure:
		// 永久失败：写终态后确认，不再重投递
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		w.processor.MarkPermanentlyFailed(ctx, &msg, err)
		if aerr := d.Ack(); aerr != nil {
			logger.Ctx(ctx).Error().Err(aerr).Msg("确认消息失败")
		}
	default:
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		logger.Ctx(ctx).Warn().
			Err(err).
			Int64("delivery_attempt", d.Attempt()).
			Msg("瞬时失败，消息退回队列等待重投递")
		w.retry(ctx, d)
	}
}

// processSafely 调用处理器并把panic转化为瞬时错误，
// 避免单条毒消息打垮整个worker进程。
func (w *Worker) processSafely(ctx context.Context, msg *storage.AnalysisRequestMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().Interface("panic", r).Msg("处理消息时发生panic")
			err = fmt.Errorf("处理消息时panic: %v", r)
		}
	}()
	return w.processor.ProcessMessage(ctx, msg)
}

func (w *Worker) retry(ctx context.Context, d Delivery) {
	if err := d.Retry(); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("退回消息失败")
	}
}

func (w *Worker) tryClaim(resumeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[resumeID] {
		return false
	}
	w.inFlight[resumeID] = true
	return true
}

func (w *Worker) release(resumeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, resumeID)
}

// DrainPoisonMessage 处理一条从poison队列取出的消息：
// 解析后把对应简历标记为永久失败。返回 true 表示消息可确认。
// 解析失败的消息同样确认，留在poison队列里没有任何恢复手段。
func (w *Worker) DrainPoisonMessage(ctx context.Context, body []byte) bool {
	var msg storage.AnalysisRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		logger.Error().Err(err).Msg("poison消息体解析失败，直接确认")
		return true
	}

	ctx = logger.WithResumeID(ctx, msg.ResumeID)
	logger.Ctx(ctx).Warn().Msg("消息投递次数耗尽，进入poison处理")
	w.processor.MarkPermanentlyFailed(ctx, &msg, ErrDeliveryLimitExhausted)
	return true
}
