package worker

import (
	"context"
	"time"

	"cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/storage/models"
)

// ExpiryStore 过期匿名简历的查询与删除
type ExpiryStore interface {
	ListExpiredAnonymousResumes(ctx context.Context, now time.Time, limit int) ([]models.Resume, error)
	DeleteResume(ctx context.Context, resumeID string) error
}

// BlobDeleter 删除对象存储中的简历原件
type BlobDeleter interface {
	DeleteResume(ctx context.Context, objectKey string) error
}

// Sweeper 定期清理过期的匿名简历及其原件
type Sweeper struct {
	store ExpiryStore
	blob  BlobDeleter

	interval  time.Duration
	batchSize int

	stopCh chan struct{}
}

// NewSweeper 创建清理任务
func NewSweeper(store ExpiryStore, blob BlobDeleter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:     store,
		blob:      blob,
		interval:  interval,
		batchSize: 100,
		stopCh:    make(chan struct{}),
	}
}

// Start 启动清理循环，阻塞直到 Stop 被调用或 ctx 取消
func (s *Sweeper) Start(ctx context.Context) {
	logger.Info().Dur("interval", s.interval).Msg("匿名简历清理任务已启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("清理过期匿名简历失败")
			} else if n > 0 {
				logger.Info().Int("deleted", n).Msg("已清理过期匿名简历")
			}
		}
	}
}

// Stop 停止清理循环
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// RunOnce 执行一轮清理，返回删除的记录数。
// 先删原件再删记录：原件删除失败时记录保留，下一轮重试。
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredAnonymousResumes(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, r := range expired {
		rctx := logger.WithResumeID(ctx, r.ResumeID)

		if r.BlobURL != "" && s.blob != nil {
			if err := s.blob.DeleteResume(rctx, r.BlobURL); err != nil {
				logger.Ctx(rctx).Warn().Err(err).Str("object_key", r.BlobURL).Msg("删除过期简历原件失败，保留记录待重试")
				continue
			}
		}

		if err := s.store.DeleteResume(rctx, r.ResumeID); err != nil {
			logger.Ctx(rctx).Warn().Err(err).Msg("删除过期简历记录失败")
			continue
		}
		deleted++
	}
	return deleted, nil
}
